package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "ops.yml"

// Config models ops.yml.
type Config struct {
	Worker struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		YieldInterval time.Duration `yaml:"yield_interval"`
		StaleAfter    time.Duration `yaml:"stale_after"`
		Watch         bool          `yaml:"watch"`
	} `yaml:"worker"`
	Gateway struct {
		Command string        `yaml:"command"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"gateway"`
	Events struct {
		Bus   string `yaml:"bus"`
		Redis struct {
			URL    string `yaml:"url"`
			Stream string `yaml:"stream"`
		} `yaml:"redis"`
	} `yaml:"events"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("config.worker.poll_interval must be positive")
	}
	if c.Worker.YieldInterval < 0 {
		return fmt.Errorf("config.worker.yield_interval must not be negative")
	}
	if c.Worker.StaleAfter <= c.Worker.PollInterval {
		return fmt.Errorf("config.worker.stale_after must exceed poll_interval")
	}
	if strings.TrimSpace(c.Gateway.Command) == "" {
		return fmt.Errorf("config.gateway.command is required")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("config.gateway.timeout must be positive")
	}
	switch c.Events.Bus {
	case "none", "gochannel":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.URL) == "" {
			return fmt.Errorf("config.events.redis.url is required when events.bus is redis")
		}
	default:
		return fmt.Errorf("config.events.bus must be one of none, gochannel, redis")
	}
	switch c.Log.Format {
	case "", "auto", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be one of auto, console, json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent
// from data keep their default values.
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

const defaultTemplate = `worker:
  poll_interval: 2s
  yield_interval: 200ms
  stale_after: 10m
  watch: true

gateway:
  command: openclaw
  timeout: 2m

events:
  # none | gochannel | redis
  bus: gochannel
  redis:
    url: redis://127.0.0.1:6379/0
    stream: ops.events

server:
  addr: 127.0.0.1:7788

log:
  level: info
  # auto | console | json
  format: auto

webhooks: []
`
