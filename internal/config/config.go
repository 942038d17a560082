// Package config provides YAML-based configuration with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from a YAML file.
type Config struct {
	DatabaseURL string      `yaml:"database_url"`
	LogMode     string      `yaml:"log_mode"` // "dev" or "prod"
	AI          AIConfig    `yaml:"ai"`
	Slack       SlackConfig `yaml:"slack"`
	// GroupCharacters binds each group id to the character that narrates
	// its insights.
	GroupCharacters map[string]string `yaml:"group_characters"`

	GreetingWaitSeconds int `yaml:"greeting_wait_seconds"`
	ReplyWaitSeconds    int `yaml:"reply_wait_seconds"`
}

// AIConfig selects and configures the generative backend.
type AIConfig struct {
	Provider string `yaml:"provider"` // "gemini" or "openai"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"` // openai-compatible endpoints only
	APIKey   string `yaml:"-"`        // env only, never from file
}

// SlackConfig holds the Socket Mode credentials. Env only.
type SlackConfig struct {
	AppToken string `yaml:"-"`
	BotToken string `yaml:"-"`
}

// Load reads the YAML config at path (optional; empty path means
// defaults only), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config. Used by tests.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	switch c.AI.Provider {
	case "openai":
		c.AI.APIKey = os.Getenv("OPENAI_API_KEY")
	default:
		c.AI.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	c.Slack.AppToken = os.Getenv("SLACK_APP_TOKEN")
	c.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	if v := os.Getenv("GREETING_WAIT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.GreetingWaitSeconds = parsed
		}
	}
	if v := os.Getenv("REPLY_WAIT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.ReplyWaitSeconds = parsed
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = "hearth.db"
	}
	if c.LogMode == "" {
		c.LogMode = "dev"
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "gemini"
	}
	if c.AI.Model == "" {
		switch c.AI.Provider {
		case "openai":
			c.AI.Model = "gpt-4o-mini"
		default:
			c.AI.Model = "gemini-2.0-flash"
		}
	}
	if c.GreetingWaitSeconds == 0 {
		c.GreetingWaitSeconds = 10
	}
	if c.ReplyWaitSeconds == 0 {
		c.ReplyWaitSeconds = 15
	}
}

func (c *Config) validate() error {
	switch c.AI.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("config: unknown ai provider %q", c.AI.Provider)
	}
	return nil
}
