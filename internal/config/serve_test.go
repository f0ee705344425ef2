package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sdsync/internal/config"
)

func setTestStatePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdsync", "serve.toml")
	config.SetServeStatePathOverride(path)
	t.Cleanup(func() { config.SetServeStatePathOverride("") })
	return path
}

func TestServeStateRoundTrip(t *testing.T) {
	path := setTestStatePath(t)

	want := config.ServeState{
		PID:        4242,
		Addr:       "127.0.0.1:10809",
		ExportName: "sdsync",
		Medium:     "/tmp/card.img",
		Size:       1 << 30,
		SectorSize: 512,
		ReadOnly:   true,
	}
	require.NoError(t, config.WriteServeState(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := config.ReadServeState()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	config.RemoveServeState()
	_, err = config.ReadServeState()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServeStatePathDefault(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/sdsync/serve.toml", config.ServeStatePath())
}
