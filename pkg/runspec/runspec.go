package runspec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/zedinhost/arkd/pkg/arkconfig"
	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/types"
)

// Paths inside the container. The image runs the server as a fixed non-root
// user with the install tree mounted at its home directory.
const (
	containerInstallPath = "/home/gameserver/server-files"
	containerSavePath    = "/home/gameserver/server-files/ShooterGame/Saved"
)

// Cached artifacts inside the instance root.
const (
	SpecFileName    = "container.yaml"
	CommandFileName = "start_command.txt"
)

const (
	defaultMap        = "TheIsland"
	defaultMaxPlayers = 70
	mapSuffix         = "_WP"
)

// Builder derives a ContainerRunSpec from a descriptor and its on-disk
// config. Field priority per value: translated config file, then descriptor,
// then defaults. The spec is rebuilt from scratch on every start or edit and
// never diffed against a previous version.
type Builder struct {
	image string
}

// NewBuilder creates a run spec builder using the configured image.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{image: cfg.ContainerImage}
}

// Build assembles the container run spec. An empty admin password fails the
// build: omitting the flag would bring the server up with an unsecured
// console.
func (b *Builder) Build(desc *types.InstanceDescriptor, l *types.StorageLayout, sections arkconfig.Sections) (*types.ContainerRunSpec, error) {
	if desc.Port == 0 || desc.QueryPort == 0 || desc.ConsolePort == 0 {
		return nil, fmt.Errorf("instance %d has unallocated ports", desc.ID)
	}

	name := stringSetting(sections, "ServerSettings", "SessionName", desc.Name)
	if name == "" {
		name = fmt.Sprintf("ASA Server %d", desc.ID)
	}
	adminPassword := stringSetting(sections, "ServerSettings", "ServerAdminPassword", desc.AdminPassword)
	if adminPassword == "" {
		return nil, fmt.Errorf("instance %d has no admin password", desc.ID)
	}
	joinPassword := stringSetting(sections, "ServerSettings", "ServerPassword", desc.JoinPassword)
	maxPlayers := intSetting(sections, "ServerSettings", "MaxPlayers", desc.MaxPlayers)
	if maxPlayers <= 0 {
		maxPlayers = defaultMaxPlayers
	}
	consolePort := intSetting(sections, "ServerSettings", "RCONPort", desc.ConsolePort)

	mapName := desc.MapName
	if mapName == "" {
		mapName = defaultMap
	}
	if !strings.HasSuffix(mapName, mapSuffix) {
		mapName += mapSuffix
	}

	launch := launchCommand(desc, mapName, name, adminPassword, joinPassword, maxPlayers, consolePort)

	env := []string{
		"ASA_START_PARAMS=" + launch,
		"SESSION_NAME=" + name,
		"SERVER_ADMIN_PASSWORD=" + adminPassword,
		"SERVER_MAP=" + mapName,
		fmt.Sprintf("GAME_PORT=%d", desc.Port),
		fmt.Sprintf("QUERY_PORT=%d", desc.QueryPort),
		fmt.Sprintf("RCON_PORT=%d", consolePort),
		fmt.Sprintf("MAX_PLAYERS=%d", maxPlayers),
	}
	if joinPassword != "" {
		env = append(env, "SERVER_PASSWORD="+joinPassword)
	}
	if len(desc.ActiveMods) > 0 {
		env = append(env, "MODS="+strings.Join(desc.ActiveMods, ","))
	}
	if len(desc.PassiveMods) > 0 {
		env = append(env, "PASSIVE_MODS="+strings.Join(desc.PassiveMods, ","))
	}

	spec := &types.ContainerRunSpec{
		Name:  desc.ContainerName(),
		Image: b.image,
		Ports: []types.PortBinding{
			{Port: desc.Port, Protocol: "tcp"},
			{Port: desc.Port, Protocol: "udp"},
			{Port: consolePort, Protocol: "tcp"},
		},
		Mounts: []types.BindMount{
			{Source: l.SharedInstallLink, Target: containerInstallPath},
			{Source: l.SaveDir, Target: containerSavePath},
		},
		Env:           env,
		LaunchCommand: launch,
	}

	if gb := desc.MemoryLimitGB(); gb > 0 {
		spec.MemoryBytes = int64(gb) * units.GiB
	}

	return spec, nil
}

// launchCommand renders the line the in-container entrypoint executes. The
// engine takes a '?'-separated option chain on the map argument followed by
// dash flags.
func launchCommand(desc *types.InstanceDescriptor, mapName, name, adminPassword, joinPassword string, maxPlayers, consolePort int) string {
	opts := []string{
		mapName,
		"listen",
		fmt.Sprintf("SessionName=%q", name),
	}
	if joinPassword != "" {
		opts = append(opts, "ServerPassword="+joinPassword)
	}
	opts = append(opts,
		"ServerAdminPassword="+adminPassword,
		"RCONEnabled=True",
		fmt.Sprintf("RCONPort=%d", consolePort),
	)

	flags := []string{
		fmt.Sprintf("-Port=%d", desc.Port),
		fmt.Sprintf("-QueryPort=%d", desc.QueryPort),
		fmt.Sprintf("-WinLiveMaxPlayers=%d", maxPlayers),
	}
	if desc.ClusterID != "" {
		flags = append(flags, "-clusterid="+desc.ClusterID)
	}
	if len(desc.ActiveMods) > 0 {
		flags = append(flags, "-mods="+strings.Join(desc.ActiveMods, ","))
	}
	if len(desc.PassiveMods) > 0 {
		flags = append(flags, "-passivemods="+strings.Join(desc.PassiveMods, ","))
	}
	flags = append(flags, "-ServerPlatform=ALL")
	if desc.CustomArgs != "" {
		flags = append(flags, desc.CustomArgs)
	}
	flags = append(flags, "-log")

	return strings.Join(opts, "?") + " " + strings.Join(flags, " ")
}

// Persist caches the spec and launch command in the instance root so list and
// detail views never pay the regeneration cost.
func Persist(l *types.StorageLayout, spec *types.ContainerRunSpec) error {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal run spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.InstanceRoot, SpecFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", SpecFileName, err)
	}
	if err := os.WriteFile(filepath.Join(l.InstanceRoot, CommandFileName), []byte(spec.LaunchCommand+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", CommandFileName, err)
	}
	return nil
}

// CachedCommand returns the launch command persisted by the last build, empty
// when nothing was persisted yet.
func CachedCommand(l *types.StorageLayout) string {
	data, err := os.ReadFile(filepath.Join(l.InstanceRoot, CommandFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// stringSetting reads a config value with the descriptor field as fallback.
func stringSetting(sections arkconfig.Sections, section, key, fallback string) string {
	if v, ok := sections.Get(section, key); ok {
		if s := v.String(); s != "" {
			return s
		}
	}
	return fallback
}

func intSetting(sections arkconfig.Sections, section, key string, fallback int) int {
	if v, ok := sections.Get(section, key); ok {
		if i, ok := v.AsInt(); ok && i > 0 {
			return int(i)
		}
	}
	return fallback
}
