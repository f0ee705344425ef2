// Package config loads the optional sdsync configuration file. Every field
// is a pointer so an unset value can be told apart from a zero one; command
// line flags always win over the file.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional sdsync configuration file.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Sync      SyncConfig      `toml:"sync"`
	Exclusion ExclusionConfig `toml:"exclusion"`
	Medium    MediumConfig    `toml:"medium"`
	Serve     ServeConfig     `toml:"serve"`
	S3        S3Config        `toml:"s3"`
	SSH       SSHConfig       `toml:"ssh"`
}

// StorageConfig describes the mounted medium.
type StorageConfig struct {
	Root      *string  `toml:"root"`
	TrashDir  *string  `toml:"trash_dir"`
	Protected []string `toml:"protected"`
}

// SyncConfig holds reconciliation defaults.
type SyncConfig struct {
	Source       *string   `toml:"source"`
	ManifestName *string   `toml:"manifest_name"`
	ArchiveExt   *string   `toml:"archive_ext"`
	StallTimeout *Duration `toml:"stall_timeout"`
	BWLimit      *string   `toml:"bwlimit"`
	Retries      *int      `toml:"retries"`
}

// ExclusionConfig controls which files isolate may hide.
type ExclusionConfig struct {
	AudioExtensions []string `toml:"audio_extensions"`
	FilterFile      *string  `toml:"filter_file"`
}

// MediumConfig names the raw block device or image served to the host.
type MediumConfig struct {
	Path       *string `toml:"path"`
	SectorSize *int    `toml:"sector_size"`
}

// ServeConfig holds block export defaults.
type ServeConfig struct {
	Listen        *string `toml:"listen"`
	MetricsListen *string `toml:"metrics_listen"`
	ExportName    *string `toml:"export_name"`
	ReadOnly      *bool   `toml:"read_only"`
}

// S3Config holds credentials for s3:// sources.
type S3Config struct {
	Endpoint  *string `toml:"endpoint"`
	Region    *string `toml:"region"`
	AccessKey *string `toml:"access_key"`
	SecretKey *string `toml:"secret_key"`
}

// SSHConfig holds options for sftp:// sources.
type SSHConfig struct {
	KeyFile  *string `toml:"key_file"`
	Port     *int    `toml:"port"`
	Insecure *bool   `toml:"insecure"`
}

// Dir returns the sdsync configuration directory.
func Dir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sdsync")
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file yields a zero
// Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
