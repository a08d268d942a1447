// Package config holds all claudegate configuration plus the single
// place where the process environment is read: credential resolution
// and runtime-environment detection. No other package touches ambient
// configuration directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all claudegate configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Browser strategy (free path)
	Browser BrowserConfig `yaml:"browser"`

	// API-key strategy (paid path)
	API APIConfig `yaml:"api"`

	// OAuth strategy
	OAuth OAuthConfig `yaml:"oauth"`

	// Health monitoring and report persistence
	Health HealthConfig `yaml:"health"`

	// Cost estimation and history
	Cost CostConfig `yaml:"cost"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures the browser session driver.
type BrowserConfig struct {
	ChatURL            string `yaml:"chat_url"`
	Bin                string `yaml:"bin"`
	Headless           bool   `yaml:"headless"`
	SessionInitTimeout string `yaml:"session_init_timeout"`
	NavigationTimeout  string `yaml:"navigation_timeout"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`

	// Pacing before each request. Requests over the browser path are
	// deliberately rate shaped; do not zero this out in production
	// profiles.
	PacingMinMs int `yaml:"pacing_min_ms"`
	PacingMaxMs int `yaml:"pacing_max_ms"`
}

// APIConfig configures the paid API-key client.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// OAuthConfig configures the OAuth token manager.
type OAuthConfig struct {
	TokenFile string `yaml:"token_file"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	ReportPath        string `yaml:"report_path"`
	SnapshotDir       string `yaml:"snapshot_dir"`
	ProbeTimeout      string `yaml:"probe_timeout"`
	FailureRateWindow int    `yaml:"failure_rate_window"`
}

// CostConfig configures cost estimation. Rates are per million tokens
// in USD.
type CostConfig struct {
	HistoryPath   string  `yaml:"history_path"`
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
	RetentionDays int     `yaml:"retention_days"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "claudegate",
		Version: "1.0.0",

		Browser: BrowserConfig{
			ChatURL:            "https://claude.ai",
			Headless:           true,
			SessionInitTimeout: "45s",
			NavigationTimeout:  "30s",
			ViewportWidth:      1280,
			ViewportHeight:     800,
			PacingMinMs:        1500,
			PacingMaxMs:        4500,
		},

		API: APIConfig{
			BaseURL:    "https://api.anthropic.com",
			Model:      "claude-sonnet-4-20250514",
			Timeout:    "30s",
			MaxRetries: 3,
		},

		OAuth: OAuthConfig{
			TokenFile: filepath.Join(".claudegate", "oauth_tokens.json"),
		},

		Health: HealthConfig{
			ReportPath:        filepath.Join(".claudegate", "health-report.json"),
			SnapshotDir:       filepath.Join(".claudegate", "health-snapshots"),
			ProbeTimeout:      "60s",
			FailureRateWindow: 20,
		},

		Cost: CostConfig{
			HistoryPath:   filepath.Join(".claudegate", "cost-history.json"),
			InputPerMTok:  3.00,
			OutputPerMTok: 15.00,
			RetentionDays: 30,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Credentials
// are NOT handled here; see ResolveCredentials.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" {
		c.API.BaseURL = url
	}
	if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
		c.API.Model = model
	}
	if url := os.Getenv("CLAUDE_CHAT_URL"); url != "" {
		c.Browser.ChatURL = url
	}

	// Relocate all persisted artifacts under one directory.
	if home := os.Getenv("CLAUDEGATE_HOME"); home != "" {
		c.OAuth.TokenFile = filepath.Join(home, "oauth_tokens.json")
		c.Health.ReportPath = filepath.Join(home, "health-report.json")
		c.Health.SnapshotDir = filepath.Join(home, "health-snapshots")
		c.Cost.HistoryPath = filepath.Join(home, "cost-history.json")
	}
}

// SessionInitTimeout returns the browser session init timeout as a duration.
func (c *Config) SessionInitTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.SessionInitTimeout)
	if err != nil {
		return 45 * time.Second
	}
	return d
}

// NavigationTimeout returns the browser navigation timeout as a duration.
func (c *Config) NavigationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.NavigationTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// APITimeout returns the API-key client timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	d, err := time.ParseDuration(c.API.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ProbeTimeout returns the per-probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Health.ProbeTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
