package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sdsync/internal/config"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Storage.Root)
	assert.Nil(t, cfg.Sync.Source)
	assert.Nil(t, cfg.Serve.ReadOnly)
	assert.Empty(t, cfg.Exclusion.AudioExtensions)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "sdsync")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[storage]
root = "/mnt/sd"
trash_dir = "/.trash"
protected = ["System Volume Information", "LOST.DIR"]

[sync]
source = "https://r2.example.com/music/"
archive_ext = ".zip"
stall_timeout = "7s"
bwlimit = "2MB"
retries = 5

[exclusion]
audio_extensions = [".mp3", ".ogg"]

[medium]
path = "/dev/mmcblk0"
sector_size = 512

[serve]
listen = "127.0.0.1:10809"
metrics_listen = ":9100"
read_only = true

[s3]
endpoint = "https://acct.r2.cloudflarestorage.com"
region = "auto"

[ssh]
key_file = "~/.ssh/id_ed25519"
port = 2222
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Storage.Root)
	assert.Equal(t, "/mnt/sd", *cfg.Storage.Root)
	assert.Equal(t, []string{"System Volume Information", "LOST.DIR"}, cfg.Storage.Protected)

	require.NotNil(t, cfg.Sync.StallTimeout)
	assert.Equal(t, 7*time.Second, time.Duration(*cfg.Sync.StallTimeout))
	require.NotNil(t, cfg.Sync.BWLimit)
	assert.Equal(t, "2MB", *cfg.Sync.BWLimit)
	require.NotNil(t, cfg.Sync.Retries)
	assert.Equal(t, 5, *cfg.Sync.Retries)

	assert.Equal(t, []string{".mp3", ".ogg"}, cfg.Exclusion.AudioExtensions)

	require.NotNil(t, cfg.Medium.SectorSize)
	assert.Equal(t, 512, *cfg.Medium.SectorSize)

	require.NotNil(t, cfg.Serve.ReadOnly)
	assert.True(t, *cfg.Serve.ReadOnly)
	assert.Nil(t, cfg.Serve.ExportName)

	require.NotNil(t, cfg.S3.Region)
	assert.Equal(t, "auto", *cfg.S3.Region)
	assert.Nil(t, cfg.S3.AccessKey)

	require.NotNil(t, cfg.SSH.Port)
	assert.Equal(t, 2222, *cfg.SSH.Port)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "sdsync")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("[sync\nbroken"), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nstall_timeout = \"soon\"\n"), 0o644))

	_, err := config.LoadFile(path)
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/sdsync/config.toml", config.Path())
}
