package network

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type Config struct {
	RetryDelay time.Duration   `yaml:"retry_delay"`
	Probe      ProbeConfig     `yaml:"probe"`
	NATS       NATSConfig      `yaml:"nats"`
	WebSocket  WebSocketConfig `yaml:"websocket"`
}

// ProbeConfig enables the TCP reachability probe when Address is set.
type ProbeConfig struct {
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NATSConfig enables the NATS backend signal when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// WebSocketConfig enables the realtime websocket signal when URL is set.
type WebSocketConfig struct {
	URL         string        `yaml:"url"`
	RedialDelay time.Duration `yaml:"redial_delay"`
}

func DefaultConfig() Config {
	return Config{
		RetryDelay: time.Second,
		Probe: ProbeConfig{
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
		},
		WebSocket: WebSocketConfig{
			RedialDelay: 5 * time.Second,
		},
	}
}

func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = defaults.Probe.Interval
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = defaults.Probe.Timeout
	}
	if c.WebSocket.RedialDelay == 0 {
		c.WebSocket.RedialDelay = defaults.WebSocket.RedialDelay
	}
}

func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("MEDSYNC_PROBE_ADDRESS"); val != "" {
		c.Probe.Address = val
	}
	if val := os.Getenv("NATS_URL"); val != "" {
		c.NATS.URL = val
	}
	if val := os.Getenv("MEDSYNC_REALTIME_URL"); val != "" {
		c.WebSocket.URL = val
	}
}

func (c *Config) ResolvePaths(_, _ string) { _ = c }

func (c *Config) Validate() error {
	if c.RetryDelay < 0 {
		return fmt.Errorf("network.retry_delay must not be negative")
	}
	if c.Probe.Address != "" && c.Probe.Timeout >= c.Probe.Interval {
		return fmt.Errorf("network.probe.timeout must be shorter than network.probe.interval")
	}
	return nil
}

// Signals builds the configured signal sources, all feeding m.
func (c Config) Signals(m *Monitor, header http.Header, logger *slog.Logger) []Signal {
	var out []Signal
	if c.Probe.Address != "" {
		out = append(out, NewProber(c.Probe.Address, c.Probe.Interval, c.Probe.Timeout, m.HandleTransport, logger))
	}
	if c.NATS.URL != "" {
		out = append(out, NewNATSSignal(c.NATS.URL, m.HandleBackendConnected, logger))
	}
	if c.WebSocket.URL != "" {
		out = append(out, NewWebSocketSignal(c.WebSocket.URL, header, c.WebSocket.RedialDelay, m.HandleBackendConnected, logger))
	}
	return out
}
