// Package config loads the YAML configuration shared by the qwen CLI and the
// MCP server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/germanamz/qwen/pkg/logger"
	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/germanamz/qwen/pkg/providers/qwen"
)

// Config is the top-level configuration.
type Config struct {
	Model         string            `yaml:"model"`
	URL           string            `yaml:"url,omitempty"`
	EmbeddingURL  string            `yaml:"embedding_url,omitempty"`
	KeyName       string            `yaml:"key_name,omitempty"`
	SystemMessage string            `yaml:"system_message,omitempty"`
	Stop          string            `yaml:"stop,omitempty"`
	Timeout       string            `yaml:"timeout,omitempty"` // Per-exchange HTTP timeout as a duration string.
	RateLimit     RateLimitConfig   `yaml:"rate_limit,omitempty"`
	Log           LogConfig         `yaml:"log,omitempty"`
	Keys          map[string]string `yaml:"keys,omitempty"` // Credentials by name, usually ${VAR} references.
}

// RateLimitConfig controls client-side rate limiting.
type RateLimitConfig struct {
	RPM        int    `yaml:"rpm,omitempty"`         // Requests per minute (0 = no limit).
	TPM        int    `yaml:"tpm,omitempty"`         // Chat tokens per minute (0 = no limit).
	MaxRetries int    `yaml:"max_retries,omitempty"` // Max retries on 429 (default 3).
	BaseDelay  string `yaml:"base_delay,omitempty"`  // Initial backoff delay (e.g. "1s", "500ms").
}

// Enabled reports whether any rate limit setting is present.
func (r RateLimitConfig) Enabled() bool {
	return r.RPM > 0 || r.TPM > 0 || r.MaxRetries > 0 || r.BaseDelay != ""
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error.
	Format string `yaml:"format,omitempty"` // text, json, pretty.
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Model:         qwen.DefaultModel,
		KeyName:       qwen.KeyName,
		SystemMessage: "You are a helpful assistant.",
		Stop:          modeladapter.DefaultStop,
		Log:           LogConfig{Level: "info", Format: logger.FormatText},
	}
}

// Load reads a YAML file over Default. Environment variables referenced as
// ${VAR} or $VAR are expanded before parsing so credentials can stay in the
// environment or a .env file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when path does not exist.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.KeyName == "" {
		return fmt.Errorf("config: key_name is required")
	}

	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}

	if c.RateLimit.RPM < 0 || c.RateLimit.TPM < 0 || c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("config: rate_limit: values must not be negative")
	}

	if _, err := c.RateLimit.BaseDelayDuration(); err != nil {
		return err
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}

	if c.Log.Format != "" && !logger.ValidFormat(c.Log.Format) {
		return fmt.Errorf("config: log: unknown format %q", c.Log.Format)
	}

	return nil
}

// TimeoutDuration parses Timeout. Empty means no override.
func (c Config) TimeoutDuration() (time.Duration, error) {
	return parseDuration("timeout", c.Timeout)
}

// BaseDelayDuration parses BaseDelay. Empty means the limiter default.
func (r RateLimitConfig) BaseDelayDuration() (time.Duration, error) {
	return parseDuration("rate_limit.base_delay", r.BaseDelay)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: invalid %s %q: must not be negative", field, s)
	}

	return d, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	return data, nil
}

// Save writes the configuration to path with owner-only permissions.
func (c Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}

	return nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}
