// Package config loads and validates the conversation manager configuration.
//
// DESIGN: One YAML file, read once at process start into an immutable
// snapshot. Values may reference environment variables with ${VAR} or
// ${VAR:-default} syntax, so API keys stay out of config files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/llm"
)

// Config is the root configuration snapshot.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`      // upstream completion service
	Defaults llm.Params     `yaml:"defaults"` // process-wide generation parameters
	History  HistoryConfig  `yaml:"history"`  // conversation cache bounds
	Behavior BehaviorConfig `yaml:"behavior"` // error handling policy
	Logging  LoggingConfig  `yaml:"logging"`  // structured logging
	Journal  JournalConfig  `yaml:"journal"`  // optional completion journal
}

// LLMConfig identifies the upstream completion service.
type LLMConfig struct {
	Provider string   `yaml:"provider"` // anthropic, openai, bedrock; empty = detect from endpoint
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key"`
	Region   string   `yaml:"region"`  // bedrock only
	Timeout  Duration `yaml:"timeout"` // single-shot call timeout
}

// HistoryConfig bounds the conversation cache.
type HistoryConfig struct {
	Limit         int      `yaml:"limit"`          // max messages retained per conversation
	TTL           Duration `yaml:"ttl"`            // idle expiration window
	SweepInterval Duration `yaml:"sweep_interval"` // background reclaim cadence
}

// BehaviorConfig selects failure-handling policy.
type BehaviorConfig struct {
	// ThrowOnError: true propagates upstream failures as errors; false
	// converts them into degraded responses with the error field set.
	ThrowOnError bool `yaml:"throw_on_error"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// JournalConfig controls the SQLite completion journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default} references.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes, expands env
// references, and validates the result.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required")
	}
	provider := c.LLM.Provider
	if provider == "" {
		provider = llm.DetectProvider(c.LLM.Endpoint)
	}
	switch provider {
	case llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderBedrock:
	default:
		return fmt.Errorf("unknown llm.provider: %q", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" && provider != llm.ProviderBedrock {
		return fmt.Errorf("llm.api_key is required for provider %q", provider)
	}

	if c.Defaults.Model == "" {
		return fmt.Errorf("defaults.model is required")
	}
	if c.Defaults.Temperature != nil && (*c.Defaults.Temperature < 0 || *c.Defaults.Temperature > 2) {
		return fmt.Errorf("defaults.temperature must be in [0, 2]")
	}

	if c.History.Limit < 0 {
		return fmt.Errorf("history.limit must not be negative")
	}
	if c.History.TTL < 0 {
		return fmt.Errorf("history.ttl must not be negative")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal.enabled")
	}

	return nil
}
