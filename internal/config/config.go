package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/medislot/medsync/internal/localstore"
	"github.com/medislot/medsync/internal/network"
	"github.com/medislot/medsync/internal/queue"
	"github.com/medislot/medsync/internal/reconcile"
	"github.com/medislot/medsync/internal/remote"
)

// Config holds the client configuration
type Config struct {
	// DataDir is the base for runtime paths such as the local store and logs.
	DataDir string `yaml:"data_dir"`

	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	LocalStore localstore.Config `yaml:"localstore"`
	Queue      queue.Config      `yaml:"queue"`
	Remote     remote.Config     `yaml:"remote"`
	Network    network.Config    `yaml:"network"`
	Sync       reconcile.Config  `yaml:"sync"`
}

// MetricsConfig exposes Prometheus metrics on Addr when set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir:    "data",
		Logging:    DefaultLoggingConfig(),
		LocalStore: localstore.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
		Remote:     remote.DefaultConfig(),
		Network:    network.DefaultConfig(),
		Sync:       reconcile.DefaultConfig(),
	}
}

// LoadConfig loads configuration from configDir and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	loadFile(filepath.Join(configDir, "config.yml"), cfg)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	if val := os.Getenv("MEDSYNC_DATA_DIR"); val != "" {
		cfg.DataDir = val
	}
	cfg.DataDir = resolveDir(configDir, cfg.DataDir)
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir cannot be empty")
	}
	if val := os.Getenv("MEDSYNC_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}

	if err := ApplyServiceConfigs(configDir, cfg.DataDir,
		&cfg.Logging,
		&cfg.LocalStore,
		&cfg.Queue,
		&cfg.Remote,
		&cfg.Network,
		&cfg.Sync,
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}

// resolveDir resolves a relative dir next to configDir rather than inside
// it; paths starting with ".." are taken relative to configDir itself.
func resolveDir(configDir, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	if len(dir) >= 2 && dir[0:2] == ".." {
		return filepath.Clean(filepath.Join(configDir, dir))
	}
	return filepath.Clean(filepath.Join(filepath.Dir(configDir), dir))
}
