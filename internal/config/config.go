// Package config loads the daemon configuration from YAML with environment
// variable expansion, applies defaults, and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sellerlab/sellerlab/internal/marketplace"
	"github.com/sellerlab/sellerlab/internal/notifier"
	"github.com/sellerlab/sellerlab/internal/observability"
	"github.com/sellerlab/sellerlab/internal/pricing"
	"github.com/sellerlab/sellerlab/internal/scheduler"
)

// Config is the top-level daemon configuration.
type Config struct {
	Logging     observability.LogConfig       `yaml:"logging"`
	Tracing     observability.TraceConfig     `yaml:"tracing"`
	Metrics     MetricsConfig                 `yaml:"metrics"`
	Database    DatabaseConfig                `yaml:"database"`
	Seller      marketplace.SellerConfig      `yaml:"seller_api"`
	Performance marketplace.PerformanceConfig `yaml:"performance_api"`
	Telegram    notifier.TelegramConfig       `yaml:"telegram"`
	Experiments ExperimentsConfig             `yaml:"experiments"`
	Scheduler   scheduler.Config              `yaml:"scheduler"`
	Pricing     pricing.Config                `yaml:"pricing"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DatabaseConfig configures the Postgres store. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// ExperimentsConfig holds engine tunables.
type ExperimentsConfig struct {
	DefaultDurationDays int           `yaml:"default_duration_days"`
	ActionTimeout       time.Duration `yaml:"action_timeout"`
	SnapshotTimeout     time.Duration `yaml:"snapshot_timeout"`
	SnapshotWindowDays  int           `yaml:"snapshot_window_days"`

	// Thresholds are relative-delta fractions per kind; zero values keep
	// the engine defaults.
	PriceThreshold       float64 `yaml:"price_threshold"`
	AdvertisingThreshold float64 `yaml:"advertising_threshold"`
	ContentThreshold     float64 `yaml:"content_threshold"`
}

// Load reads and parses the configuration file. Environment variables in the
// file are expanded before parsing, so secrets stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Seller.Timeout == 0 {
		cfg.Seller.Timeout = 30 * time.Second
	}
	if cfg.Performance.Timeout == 0 {
		cfg.Performance.Timeout = 30 * time.Second
	}
	if cfg.Experiments.DefaultDurationDays == 0 {
		cfg.Experiments.DefaultDurationDays = 7
	}
	if cfg.Experiments.SnapshotWindowDays == 0 {
		cfg.Experiments.SnapshotWindowDays = 7
	}
	defaults := scheduler.DefaultConfig()
	if cfg.Scheduler.ReviewCron == "" {
		cfg.Scheduler.ReviewCron = defaults.ReviewCron
	}
	if cfg.Scheduler.BaselineRetryCron == "" {
		cfg.Scheduler.BaselineRetryCron = defaults.BaselineRetryCron
	}
	if cfg.Scheduler.PriceAnalysisCron == "" {
		cfg.Scheduler.PriceAnalysisCron = defaults.PriceAnalysisCron
	}
	if cfg.Scheduler.SweepTimeout == 0 {
		cfg.Scheduler.SweepTimeout = defaults.SweepTimeout
	}
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Seller.BaseURL == "" {
		return fmt.Errorf("config: seller_api.base_url is required")
	}
	if c.Seller.ClientID == "" || c.Seller.APIKey == "" {
		return fmt.Errorf("config: seller_api credentials are required")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("config: telegram.chat_id is required when a token is set")
	}
	if c.Performance.Configured() && c.Performance.BaseURL == "" {
		return fmt.Errorf("config: performance_api.base_url is required when credentials are set")
	}
	if c.Experiments.DefaultDurationDays < 0 {
		return fmt.Errorf("config: experiments.default_duration_days must be positive")
	}
	for name, v := range map[string]float64{
		"price_threshold":       c.Experiments.PriceThreshold,
		"advertising_threshold": c.Experiments.AdvertisingThreshold,
		"content_threshold":     c.Experiments.ContentThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: experiments.%s must be a fraction between 0 and 1", name)
		}
	}
	return nil
}
