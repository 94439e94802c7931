package queue

import (
	"fmt"
	"os"
	"strconv"
)

// Config controls where the queue persists itself and when operations give up.
type Config struct {
	StorageKey    string `yaml:"storage_key"`
	DeadLetterKey string `yaml:"dead_letter_key"`
	// MaxAttempts moves an operation to the dead-letter list after that many
	// transient failures. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		StorageKey:    "medsync/pending_operations",
		DeadLetterKey: "medsync/failed_operations",
	}
}

func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.StorageKey == "" {
		c.StorageKey = defaults.StorageKey
	}
	if c.DeadLetterKey == "" {
		c.DeadLetterKey = defaults.DeadLetterKey
	}
}

func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MEDSYNC_QUEUE_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxAttempts = n
		}
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if c.StorageKey == c.DeadLetterKey {
		return fmt.Errorf("queue.storage_key and queue.dead_letter_key must differ")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must not be negative")
	}
	return nil
}
