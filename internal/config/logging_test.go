package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "logs", cfg.Dir)
	assert.True(t, cfg.Rotation.Compress)
	assert.True(t, cfg.Console.Enabled)
	assert.Equal(t, "json", cfg.File.Format)
	assert.Contains(t, cfg.Redact, "passphrase")
	assert.NoError(t, cfg.Validate())
}

func TestLoggingConfig_YAML(t *testing.T) {
	var cfg LoggingConfig
	err := yaml.Unmarshal([]byte(`
level: debug
format: json
dir: /var/log/medsync
rotation:
  max_size: 50
console:
  enabled: false
  level: warn
redact: [patientName]
`), &cfg)
	assert.NoError(t, err)

	cfg.ApplyDefaults()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, 50, cfg.Rotation.MaxSize)
	assert.Equal(t, 5, cfg.Rotation.MaxBackups)
	assert.False(t, cfg.Console.Enabled)
	assert.Equal(t, "warn", cfg.Console.Level)
	assert.True(t, cfg.File.Enabled)
	assert.Equal(t, "debug", cfg.File.Level)
	assert.Equal(t, "json", cfg.File.Format)
	assert.Equal(t, []string{"patientName"}, cfg.Redact)
}

func TestLoggingConfig_EnvOverride(t *testing.T) {
	t.Setenv("MEDSYNC_LOG_LEVEL", "debug")
	cfg := DefaultLoggingConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "debug", cfg.Console.Level)
	assert.Equal(t, "debug", cfg.File.Level)
}

func TestLoggingConfig_ResolvePaths(t *testing.T) {
	cfg := DefaultLoggingConfig()
	cfg.ResolvePaths("config", "data")
	assert.Equal(t, filepath.Join("data", "logs"), cfg.Dir)

	cfg.Dir = "/var/log/medsync"
	cfg.ResolvePaths("config", "data")
	assert.Equal(t, "/var/log/medsync", cfg.Dir)
}

func TestLoggingConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*LoggingConfig)
	}{
		{"level", func(c *LoggingConfig) { c.Level = "trace" }},
		{"format", func(c *LoggingConfig) { c.Format = "xml" }},
		{"dir", func(c *LoggingConfig) { c.Dir = "" }},
		{"console level", func(c *LoggingConfig) { c.Console.Level = "loud" }},
		{"file format", func(c *LoggingConfig) { c.File.Format = "yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLoggingConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultLoggingConfig()
	cfg.File.Enabled = false
	cfg.Dir = ""
	assert.NoError(t, cfg.Validate())
}
