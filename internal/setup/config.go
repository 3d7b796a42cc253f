// Package setup holds the optional on-disk configuration of the tool.
// Absent configuration means compiled-in defaults; a present file only
// overrides what it sets.
package setup

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file name inside the user configuration directory.
const ConfigFileName = "config.yaml"

// Config are user-tunable defaults for activation and packaging.
type Config struct {
	// Packages replaces the base toolchain package set when non-empty.
	Packages []string `yaml:"packages,omitempty"`

	// ExtraPackages are installed on top of the package set.
	ExtraPackages []string `yaml:"extra_packages,omitempty"`

	// MakeArgs are appended to every generated make invocation.
	MakeArgs []string `yaml:"make_args,omitempty"`

	// Jobs sets the parallel job count of the make alias. Zero lets make
	// decide.
	Jobs int `yaml:"jobs,omitempty"`

	// Ccache controls whether the ccache cross symlinks are installed into
	// the build root.
	Ccache *bool `yaml:"ccache,omitempty"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	ccache := true
	return Config{Ccache: &ccache}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "envkernel", ConfigFileName), nil
}

// Load reads the configuration at path, or the default location when path is
// empty. A missing file yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	return config, nil
}

// Save writes the configuration atomically.
func Save(config Config, path string) error {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return err
		}
		path = defaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// CcacheEnabled reports the effective ccache setting.
func (c Config) CcacheEnabled() bool {
	if c.Ccache == nil {
		return true
	}
	return *c.Ccache
}
