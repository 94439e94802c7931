package localstore

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	TypeMemory = "memory"
	TypePebble = "pebble"
	TypeSQLite = "sqlite"
)

// Config selects and configures the local storage backend.
type Config struct {
	Type string `yaml:"type"`
	// Path is a directory for pebble and a file for sqlite.
	Path string `yaml:"path"`
	// Passphrase enables at-rest encryption when non-empty.
	Passphrase string `yaml:"passphrase"`
}

func DefaultConfig() Config {
	return Config{
		Type: TypePebble,
		Path: "localstore",
	}
}

func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Type == "" {
		c.Type = defaults.Type
	}
	if c.Path == "" {
		c.Path = defaults.Path
		if c.Type == TypeSQLite {
			c.Path = "localstore.db"
		}
	}
}

func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MEDSYNC_LOCALSTORE_TYPE"); val != "" {
		c.Type = val
	}
	if val := os.Getenv("MEDSYNC_LOCALSTORE_PATH"); val != "" {
		c.Path = val
	}
	if val := os.Getenv("MEDSYNC_LOCALSTORE_PASSPHRASE"); val != "" {
		c.Passphrase = val
	}
}

// ResolvePaths makes a relative Path relative to dataDir.
func (c *Config) ResolvePaths(_, dataDir string) {
	if c.Type == TypeMemory || c.Path == ":memory:" || c.Path == "" {
		return
	}
	if !filepath.IsAbs(c.Path) && dataDir != "" {
		c.Path = filepath.Join(dataDir, c.Path)
	}
}

func (c *Config) Validate() error {
	switch c.Type {
	case TypeMemory, TypePebble, TypeSQLite:
	default:
		return fmt.Errorf("localstore.type %q is not one of memory, pebble, sqlite", c.Type)
	}
	if c.Type != TypeMemory && c.Path == "" {
		return fmt.Errorf("localstore.path is required for %s", c.Type)
	}
	return nil
}
