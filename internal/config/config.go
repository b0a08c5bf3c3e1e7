// Package config loads the optional dsync configuration file, which supplies
// defaults for flags not set on the command line.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional dsync configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	SSH      SSHConfig      `toml:"ssh"`
	Worker   WorkerConfig   `toml:"worker"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	CompressLevel *int    `toml:"compress_level"`
	Contimeout    *int    `toml:"contimeout"`
	Checksum      *bool   `toml:"checksum"`
	BWLimit       *string `toml:"bwlimit"`
	Verbosity     *int    `toml:"verbosity"`
	JSON          *bool   `toml:"json"`
}

// SSHConfig holds transport defaults.
type SSHConfig struct {
	Port    *int    `toml:"port"`
	KeyFile *string `toml:"key_file"`
}

// WorkerConfig holds remote worker deployment defaults.
type WorkerConfig struct {
	RemotePath *string `toml:"remote_path"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "dsync", "config.toml")
}

// Load reads the config file from path, or the XDG path when path is empty.
// A missing file yields a zero Config without error; the file is always
// optional.
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	if path == "" {
		return Config{}, nil
	}

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
