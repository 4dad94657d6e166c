// Package config provides configuration management for ananta.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration structure
type Config struct {
	Tags        string        `mapstructure:"tags"`         // Comma-separated tag selection
	Concurrency string        `mapstructure:"concurrency"`  // Concurrency ceiling ("auto" or number)
	Retries     int           `mapstructure:"retries"`      // Maximum connect retry attempts per host
	Timeout     time.Duration `mapstructure:"timeout"`      // Total execution timeout
	CmdTimeout  time.Duration `mapstructure:"cmd-timeout"`  // Per-host command timeout
	Output      string        `mapstructure:"output"`       // Output mode (plain, json)
	TUI         bool          `mapstructure:"tui"`          // Live dashboard instead of plain output
	NoColor     bool          `mapstructure:"no-color"`     // Disable colored host prompts
	DefaultKey  string        `mapstructure:"default-key"`  // Key used when a record has none
	FailFast    bool          `mapstructure:"fail-fast"`    // Cancel remaining hosts on first failure
	Quiet       bool          `mapstructure:"quiet"`        // Suppress non-error output
	LogLevel    string        `mapstructure:"log-level"`    // Log level (info, error)
	LogFormat   string        `mapstructure:"log-format"`   // Log format (json, text)
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars, CLI flags)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager
func NewManager() Manager {
	return &ViperManager{
		v: viper.New(),
	}
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("tags", "")
	m.v.SetDefault("concurrency", "auto")
	m.v.SetDefault("retries", 0)
	m.v.SetDefault("timeout", time.Duration(0)) // No timeout by default
	m.v.SetDefault("cmd-timeout", 60*time.Second)
	m.v.SetDefault("output", "plain")
	m.v.SetDefault("tui", false)
	m.v.SetDefault("no-color", false)
	m.v.SetDefault("default-key", "")
	m.v.SetDefault("fail-fast", false)
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
}

// Load reads configuration from all sources with proper precedence
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	m.v.SetConfigName("config")

	// Config paths in precedence order (current dir highest, system lowest)
	m.v.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		m.v.AddConfigPath(filepath.Join(homeDir, ".config", "ananta"))
	}
	m.v.AddConfigPath("/etc/ananta/")

	m.v.SetEnvPrefix("ANANTA")
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	// Try to read config file with multiple formats
	formats := []string{"yaml", "yml", "json", "toml"}
	for _, format := range formats {
		m.v.SetConfigType(format)
		if err := m.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading %s config file: %w", format, err)
			}
		} else {
			break
		}
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	if config.Concurrency != "auto" {
		if concurrency, err := strconv.Atoi(config.Concurrency); err != nil {
			return fmt.Errorf("invalid concurrency value %q: must be 'auto' or a positive integer", config.Concurrency)
		} else if concurrency <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", concurrency)
		}
	}

	if config.Retries < 0 {
		return fmt.Errorf("retries must be non-negative, got %d", config.Retries)
	}

	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", config.Timeout)
	}
	if config.CmdTimeout < 0 {
		return fmt.Errorf("cmd-timeout must be non-negative, got %v", config.CmdTimeout)
	}

	validOutputs := map[string]bool{
		"plain": true,
		"json":  true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output mode %q: must be 'plain' or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"info":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level %q: must be 'info' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format %q: must be 'json' or 'text'", config.LogFormat)
	}

	return nil
}

// ResolveConcurrency turns the configured ceiling into an effective value
// for a given host count: "auto" means min(32, hosts), a number is capped
// at the host count so idle workers are never created.
func ResolveConcurrency(concurrencyStr string, hostCount int) (int, error) {
	if hostCount < 1 {
		return 0, fmt.Errorf("host count must be positive, got %d", hostCount)
	}

	if concurrencyStr == "" || concurrencyStr == "auto" {
		if hostCount <= 32 {
			return hostCount, nil
		}
		return 32, nil
	}

	concurrency, err := strconv.Atoi(concurrencyStr)
	if err != nil {
		return 0, fmt.Errorf("invalid concurrency value %q: must be 'auto' or a positive integer", concurrencyStr)
	}
	if concurrency <= 0 {
		return 0, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	if concurrency > hostCount {
		return hostCount, nil
	}
	return concurrency, nil
}

// ParseTags splits a comma-separated tag selection into a clean slice.
func ParseTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
