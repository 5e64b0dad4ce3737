package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string `mapstructure:"PORT"`
	Env               string `mapstructure:"ENV"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir     string `mapstructure:"MIGRATIONS_DIR"`
	SyncPageSize      int    `mapstructure:"SYNC_PAGE_SIZE"`
	SyncMaxPages      int    `mapstructure:"SYNC_MAX_PAGES"`
	HTTPTimeoutSecs   int    `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	ReconcileSecs     int    `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
	TokenSafetyMargin int    `mapstructure:"TOKEN_SAFETY_MARGIN_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("SYNC_PAGE_SIZE", 100)
	v.SetDefault("SYNC_MAX_PAGES", 50)
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 30)
	v.SetDefault("RECONCILE_INTERVAL_SECONDS", 60)
	v.SetDefault("TOKEN_SAFETY_MARGIN_SECONDS", 300)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("SYNC_PAGE_SIZE")
	v.BindEnv("SYNC_MAX_PAGES")
	v.BindEnv("HTTP_TIMEOUT_SECONDS")
	v.BindEnv("RECONCILE_INTERVAL_SECONDS")
	v.BindEnv("TOKEN_SAFETY_MARGIN_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HTTPTimeout returns the per-request timeout for outbound EHR calls.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// ReconcileInterval returns how often the scheduler re-reads the connection
// table to pick up activations and deactivations.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileSecs) * time.Second
}

// TokenMargin returns the refresh safety margin for cached access tokens.
func (c *Config) TokenMargin() time.Duration {
	return time.Duration(c.TokenSafetyMargin) * time.Second
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.SyncPageSize < 1 || c.SyncPageSize > 1000 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 1000, got %d", c.SyncPageSize)
	}
	if c.SyncMaxPages < 1 {
		return fmt.Errorf("SYNC_MAX_PAGES must be positive, got %d", c.SyncMaxPages)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}
