package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// serveStatePathOverride redirects the state file in tests.
var serveStatePathOverride string //nolint:gochecknoglobals // test hook

// SetServeStatePathOverride sets a test override for the state file path.
// Pass "" to restore the default.
func SetServeStatePathOverride(path string) {
	serveStatePathOverride = path
}

// ServeState describes a running block export. `sdsync serve` writes it on
// startup and removes it on shutdown so `sdsync status` can find the export.
type ServeState struct {
	PID           int    `toml:"pid"`
	Addr          string `toml:"addr"`
	ExportName    string `toml:"export_name"`
	Medium        string `toml:"medium"`
	Size          uint64 `toml:"size"`
	SectorSize    int    `toml:"sector_size"`
	ReadOnly      bool   `toml:"read_only"`
	MetricsListen string `toml:"metrics_listen,omitempty"`
}

// ServeStatePath returns the path of the serve state file, under
// $XDG_RUNTIME_DIR when set and the system temp dir otherwise.
func ServeStatePath() string {
	if serveStatePathOverride != "" {
		return serveStatePathOverride
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sdsync", "serve.toml")
}

// WriteServeState writes the state file, creating its directory if needed.
func WriteServeState(s ServeState) error {
	path := ServeStatePath()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encode serve state: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ReadServeState reads the state file. Returns os.ErrNotExist if no export
// is running.
func ReadServeState() (ServeState, error) {
	var s ServeState
	_, err := toml.DecodeFile(ServeStatePath(), &s)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ServeState{}, os.ErrNotExist
		}
		return ServeState{}, err
	}
	return s, nil
}

// RemoveServeState removes the state file (best-effort).
func RemoveServeState() {
	os.Remove(ServeStatePath()) //nolint:errcheck // best-effort cleanup on shutdown
}
