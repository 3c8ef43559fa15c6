package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen          string   `yaml:"listen"`
	DB              string   `yaml:"db"`
	LogLevel        string   `yaml:"log_level"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	RetentionDays   int      `yaml:"retention_days"`

	Telegram TelegramConfig `yaml:"telegram"`
	Bluesky  BlueskyConfig  `yaml:"bluesky"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type BlueskyConfig struct {
	Host        string `yaml:"host"`
	Identifier  string `yaml:"identifier"`
	AppPassword string `yaml:"app_password"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Duration accepts Go duration strings ("30s", "2m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Default() *Config {
	return &Config{
		Listen:          ":8080",
		DB:              "postflow.db",
		LogLevel:        "info",
		DispatchTimeout: Duration(30 * time.Second),
		RetentionDays:   30,
	}
}

// Load reads and parses the YAML config file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
