// Package config provides configuration management for the lifecycle
// engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultDaysBack bounds order-history and transaction ingestion when
	// reconcile.days_back is unset.
	defaultDaysBack = 30
	// defaultRunInterval is the sweep cadence when reconcile.interval is
	// unset.
	defaultRunInterval = 15 * time.Minute
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // sandbox | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. SessionToken normally arrives
// via ${TASTYTRADE_SESSION_TOKEN} expansion.
type BrokerConfig struct {
	BaseURL      string `yaml:"base_url"`
	SessionToken string `yaml:"session_token"`
	Timeout      string `yaml:"timeout"`
}

// ReconcileConfig defines the sweep cadence and its safety knobs.
type ReconcileConfig struct {
	Interval string `yaml:"interval"`
	DaysBack int    `yaml:"days_back"`
	DryRun   bool   `yaml:"dry_run"`
	// CancelOrphanedOrders enables cancellation of unadoptable Live
	// orders instead of just logging them.
	CancelOrphanedOrders bool `yaml:"cancel_orphaned_orders"`
	// ReplaceCancelledTargets re-places profit targets whose orders were
	// cancelled at the broker.
	ReplaceCancelledTargets bool `yaml:"replace_cancelled_targets"`
}

// StreamingConfig defines the account websocket settings.
type StreamingConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only HTTP surface.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "sandbox" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'sandbox' or 'live'")
	}

	if c.Broker.SessionToken == "" {
		return fmt.Errorf("broker.session_token is required")
	}
	if c.Broker.Timeout != "" {
		if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
			return fmt.Errorf("broker.timeout invalid: %w", err)
		}
	}

	if c.Reconcile.Interval != "" {
		if _, err := time.ParseDuration(c.Reconcile.Interval); err != nil {
			return fmt.Errorf("reconcile.interval invalid: %w", err)
		}
	}
	if c.Reconcile.DaysBack < 0 {
		return fmt.Errorf("reconcile.days_back must be >= 0")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	if c.Streaming.Enabled && c.Streaming.URL == "" {
		return fmt.Errorf("streaming.url is required when streaming is enabled")
	}

	return nil
}

// IsSandbox returns true when the engine targets the certification
// environment.
func (c *Config) IsSandbox() bool {
	return c.Environment.Mode == "sandbox"
}

// RunInterval returns the configured sweep interval duration.
func (c *Config) RunInterval() time.Duration {
	d, err := time.ParseDuration(c.Reconcile.Interval)
	if err != nil || d <= 0 {
		return defaultRunInterval
	}
	return d
}

// DaysBack returns the history window, falling back to the default when
// unset.
func (c *Config) DaysBack() int {
	if c.Reconcile.DaysBack == 0 {
		return defaultDaysBack
	}
	return c.Reconcile.DaysBack
}

// BrokerTimeout returns the HTTP client timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
