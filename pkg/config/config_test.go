package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_path: /srv/ark
default_game_port: 8000
max_backups_per_instance: 3
global_backup_cap: 5GB
rcon_timeout: 10s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/ark", cfg.BasePath)
	assert.Equal(t, 8000, cfg.DefaultGamePort)
	assert.Equal(t, 3, cfg.MaxBackupsPerInstance)
	assert.Equal(t, 10*time.Second, cfg.RCONTimeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, 25000, cfg.ContainerUID)
	assert.Equal(t, "mschnitzer/asa-linux-server:latest", cfg.ContainerImage)
}

func TestLoadRejectsBadBackupCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global_backup_cap: lots\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestGlobalBackupCapBytes(t *testing.T) {
	cfg := Default()
	cfg.GlobalBackupCap = "1GB"
	n, err := cfg.GlobalBackupCapBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000_000, n)

	cfg.GlobalBackupCap = ""
	n, err = cfg.GlobalBackupCapBytes()
	require.NoError(t, err)
	assert.Zero(t, n)
}
