// Package config loads and validates the bot configuration from a YAML
// file, with ${ENV_VAR} expansion for secrets.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Channels ChannelsConfig `yaml:"channels"`
	LLM      LLMConfig      `yaml:"llm"`
	Engine   EngineConfig   `yaml:"engine"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	History  HistoryConfig  `yaml:"history"`
	Persona  PersonaConfig  `yaml:"persona"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled              bool          `yaml:"enabled"`
	BotToken             string        `yaml:"bot_token"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type LLMConfig struct {
	// DefaultProvider selects which providers entry serves turns.
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	MaxTokens       int                          `yaml:"max_tokens"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// EngineConfig tunes the response engine.
type EngineConfig struct {
	// MaxIterations caps tool-calling rounds within a single response.
	// Default: 5
	MaxIterations int `yaml:"max_iterations"`

	// CallTimeout is the overall deadline for one model call.
	// Default: 35s
	CallTimeout time.Duration `yaml:"call_timeout"`

	// InactivityTimeout aborts a stream that stops producing events.
	// Default: 20s
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// StaleLockTimeout is how long a channel lock may be held before it is
	// presumed abandoned and reclaimed.
	// Default: 3m
	StaleLockTimeout time.Duration `yaml:"stale_lock_timeout"`

	// MaxEmptyRetries bounds reissues of a turn that produced no text.
	// Default: 2
	MaxEmptyRetries int `yaml:"max_empty_retries"`

	// EmptyRetryDelay is the pause before an empty-response reissue.
	// Default: 2s
	EmptyRetryDelay time.Duration `yaml:"empty_retry_delay"`
}

type TriggerConfig struct {
	// Words are substrings that make the bot respond when they appear in a
	// message. The bot name is always included.
	Words []string `yaml:"words"`

	// BotName is the name the bot answers to.
	BotName string `yaml:"bot_name"`

	// AutoThreshold makes the bot chime in after this many unanswered
	// messages in a channel. Zero disables auto replies.
	AutoThreshold int `yaml:"auto_threshold"`

	// StopPhrases override the built-in interruption phrases.
	StopPhrases []string `yaml:"stop_phrases"`
}

type HistoryConfig struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`

	// Limit is how many recent messages feed each model call.
	// Default: 50
	Limit int `yaml:"limit"`
}

type PersonaConfig struct {
	// Prompt is the system prompt establishing the bot's personality.
	Prompt string `yaml:"prompt"`

	// Stickers maps moods to platform sticker file IDs for the
	// pick_sticker tool.
	Stickers map[string]string `yaml:"stickers"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands ${ENV_VAR} references, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, rejecting unknown fields, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("failed to parse config: expected single document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and applies defaults in place.
func (c *Config) Validate() error {
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return errors.New("channels.telegram.bot_token is required when enabled")
	}

	if c.LLM.DefaultProvider == "" {
		return errors.New("llm.default_provider is required")
	}
	provider, ok := c.LLM.Providers[c.LLM.DefaultProvider]
	if !ok {
		return fmt.Errorf("llm.providers has no entry for default provider %q", c.LLM.DefaultProvider)
	}
	switch c.LLM.DefaultProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.DefaultProvider)
	}
	if provider.APIKey == "" {
		return fmt.Errorf("llm.providers.%s.api_key is required", c.LLM.DefaultProvider)
	}
	if c.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must not be negative")
	}

	if c.Engine.MaxIterations == 0 {
		c.Engine.MaxIterations = 5
	}
	if c.Engine.MaxIterations < 0 {
		return errors.New("engine.max_iterations must be positive")
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = 35 * time.Second
	}
	if c.Engine.InactivityTimeout == 0 {
		c.Engine.InactivityTimeout = 20 * time.Second
	}
	if c.Engine.StaleLockTimeout == 0 {
		c.Engine.StaleLockTimeout = 3 * time.Minute
	}
	if c.Engine.MaxEmptyRetries == 0 {
		c.Engine.MaxEmptyRetries = 2
	}
	if c.Engine.EmptyRetryDelay == 0 {
		c.Engine.EmptyRetryDelay = 2 * time.Second
	}

	if c.Trigger.AutoThreshold < 0 {
		return errors.New("trigger.auto_threshold must not be negative")
	}

	if c.History.Limit == 0 {
		c.History.Limit = 50
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}

	return nil
}
