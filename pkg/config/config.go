package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config holds orchestrator configuration. Values come from an optional yaml
// file with every field defaulted, so a missing file is not an error.
type Config struct {
	// BasePath is the root under which instance directories, shared installs
	// and backups live.
	BasePath string `yaml:"base_path"`

	// InstallPath is the base of the owner-scoped shared install trees. A
	// separate installer populates it; the orchestrator only links to it.
	InstallPath string `yaml:"install_path"`

	// TemplatePath seeds a fresh instance's config directory. Optional.
	TemplatePath string `yaml:"template_path"`

	DataDir string `yaml:"data_dir"` // bbolt instance store location

	ContainerdSocket string `yaml:"containerd_socket"`
	ContainerImage   string `yaml:"container_image"`

	// ContainerUID/GID is the fixed non-root user the game server container
	// runs as. The save-state directory must be owned by it on the host or
	// every write inside the container fails with a bare permission error.
	ContainerUID int `yaml:"container_uid"`
	ContainerGID int `yaml:"container_gid"`

	DefaultGamePort int `yaml:"default_game_port"`
	ConsolePortBase int `yaml:"console_port_base"`

	MaxBackupsPerInstance int `yaml:"max_backups_per_instance"`
	// GlobalBackupCap is a human-readable byte ceiling ("50GB") across all
	// instances' backup stores.
	GlobalBackupCap string `yaml:"global_backup_cap"`

	RCONTimeout      time.Duration `yaml:"rcon_timeout"`
	StartPollTimeout time.Duration `yaml:"start_poll_timeout"`
	StopGraceTimeout time.Duration `yaml:"stop_grace_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BasePath:              "/opt/ark-servers",
		InstallPath:           "/opt/ark-servers/installs",
		TemplatePath:          "",
		DataDir:               "/var/lib/arkd",
		ContainerdSocket:      "", // runtime package falls back to its default
		ContainerImage:        "mschnitzer/asa-linux-server:latest",
		ContainerUID:          25000,
		ContainerGID:          25000,
		DefaultGamePort:       7777,
		ConsolePortBase:       27015,
		MaxBackupsPerInstance: 10,
		GlobalBackupCap:       "100GB",
		RCONTimeout:           3 * time.Second,
		StartPollTimeout:      60 * time.Second,
		StopGraceTimeout:      30 * time.Second,
	}
}

// Load reads the yaml file at path over the defaults. A missing file returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if _, err := cfg.GlobalBackupCapBytes(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GlobalBackupCapBytes parses the configured cap into bytes. Zero means the
// global ceiling is disabled.
func (c *Config) GlobalBackupCapBytes() (int64, error) {
	if c.GlobalBackupCap == "" {
		return 0, nil
	}
	n, err := units.FromHumanSize(c.GlobalBackupCap)
	if err != nil {
		return 0, fmt.Errorf("invalid global_backup_cap %q: %w", c.GlobalBackupCap, err)
	}
	return n, nil
}
