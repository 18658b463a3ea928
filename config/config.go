// Package config loads the client configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	BaseURL          string          `yaml:"base_url"`          // e.g. http://127.0.0.1:7860/
	QueueURL         string          `yaml:"queue_url"`         // Derived from base_url when empty
	SessionID        string          `yaml:"session_id"`        // Random when empty
	QueueableActions []string        `yaml:"queueable_actions"` // Actions allowed onto the queue
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	Discovery        DiscoveryConfig `yaml:"discovery"`
	Log              LogConfig       `yaml:"log"`
}

// RateLimitConfig throttles direct calls on the client side. RPS of zero disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DiscoveryConfig enables backend discovery through etcd. Without endpoints BaseURL is used.
type DiscoveryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	Service       string   `yaml:"service"`
	Balancer      string   `yaml:"balancer"` // round_robin | weighted_random | consistent_hash
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // console | json
	File       string `yaml:"file"`   // Empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BaseURL:          "http://127.0.0.1:7860/",
		QueueableActions: []string{"predict", "interpret"},
		RateLimit:        RateLimitConfig{Burst: 1},
		Discovery: DiscoveryConfig{
			Service:  "compute",
			Balancer: "consistent_hash",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseURL == "" && len(c.Discovery.EtcdEndpoints) == 0 {
		return fmt.Errorf("config: base_url or discovery.etcd_endpoints is required")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("config: rate_limit.rps must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate_limit.burst must be positive when rps is set")
	}
	return nil
}

// NormalizeBaseURL makes sure u ends with a slash; routes are appended directly to it.
func NormalizeBaseURL(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// QueueURLFor derives the queue websocket address from a base URL:
// http → ws, https → wss, then "queue/join".
func QueueURLFor(baseURL string) string {
	u := NormalizeBaseURL(baseURL)
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "queue/join"
}
