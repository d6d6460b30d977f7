package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskline.yml.
type Config struct {
	Auth struct {
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"auth"`
	Sweep struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"sweep"`
	Stats struct {
		Timezone    string `yaml:"timezone"`
		StreakCap   int    `yaml:"streak_cap"`
		RecentLimit int    `yaml:"recent_limit"`
	} `yaml:"stats"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one notification endpoint. An empty Types list
// receives every event.
type WebhookConfig struct {
	URL   string   `yaml:"url"`
	Types []string `yaml:"types"`
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
		return fmt.Errorf("config.auth.token_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.Sweep.Interval); err != nil {
		return fmt.Errorf("config.sweep.interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Sweep.Timeout); err != nil {
		return fmt.Errorf("config.sweep.timeout: %w", err)
	}
	if _, err := time.LoadLocation(c.Stats.Timezone); err != nil {
		return fmt.Errorf("config.stats.timezone: %w", err)
	}
	if c.Stats.StreakCap <= 0 {
		return fmt.Errorf("config.stats.streak_cap must be positive")
	}
	if c.Stats.RecentLimit <= 0 {
		return fmt.Errorf("config.stats.recent_limit must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// TokenTTL returns the parsed JWT lifetime.
func (c *Config) TokenTTL() time.Duration {
	d, _ := time.ParseDuration(c.Auth.TokenTTL)
	return d
}

// SweepInterval returns the parsed sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Sweep.Interval)
	return d
}

// SweepTimeout returns the parsed per-run deadline.
func (c *Config) SweepTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Sweep.Timeout)
	return d
}

// Location returns the reference timezone for calendar-day math.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Stats.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, layering the
// provided values over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `auth:
  token_ttl: 168h

sweep:
  interval: 24h
  timeout: 5m

stats:
  timezone: UTC
  streak_cap: 50
  recent_limit: 5
`
