package reconcile

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/medislot/medsync/internal/remote/types"
)

type Config struct {
	MaxBatchSize int `yaml:"max_batch_size"`
	// AutoSync reconciles on every transition to online.
	AutoSync *bool `yaml:"auto_sync"`
	// Interval adds a periodic pass while online. Zero disables it.
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	on := true
	return Config{
		MaxBatchSize: types.DefaultMaxBatchSize,
		AutoSync:     &on,
		Interval:     time.Minute,
	}
}

func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = defaults.MaxBatchSize
	}
	if c.AutoSync == nil {
		c.AutoSync = defaults.AutoSync
	}
}

func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MEDSYNC_SYNC_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Interval = d
		}
	}
	if val := os.Getenv("MEDSYNC_AUTO_SYNC"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.AutoSync = &b
		}
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("reconcile.max_batch_size must not be negative")
	}
	if c.Interval < 0 {
		return fmt.Errorf("reconcile.interval must not be negative")
	}
	return nil
}

// AutoSyncEnabled reports the effective auto-sync setting.
func (c Config) AutoSyncEnabled() bool {
	return c.AutoSync == nil || *c.AutoSync
}
