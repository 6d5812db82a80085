// Package config loads tillsync settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/tillsync/internal/optimistic"
)

// Config holds every tunable. Command-line flags override these values.
type Config struct {
	FetchTimeout      time.Duration       `env:"TILLSYNC_FETCH_TIMEOUT"       envDefault:"10s"`
	MutationTimeout   time.Duration       `env:"TILLSYNC_MUTATION_TIMEOUT"    envDefault:"10s"`
	Database          string              `env:"TILLSYNC_DB"                  envDefault:"tillsync.db"`
	LogLevel          string              `env:"TILLSYNC_LOG_LEVEL"           envDefault:"info"`
	LogFormat         string              `env:"TILLSYNC_LOG_FORMAT"          envDefault:"text"`
	RollbackPosition  optimistic.Position `env:"TILLSYNC_ROLLBACK_POSITION"   envDefault:"index"`
	EventPollInterval time.Duration       `env:"TILLSYNC_EVENT_POLL_INTERVAL" envDefault:"500ms"`
	MetricsAddr       string              `env:"TILLSYNC_METRICS_ADDR"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative, got %s", c.FetchTimeout)
	}
	if c.MutationTimeout < 0 {
		return fmt.Errorf("mutation timeout must not be negative, got %s", c.MutationTimeout)
	}
	if c.EventPollInterval <= 0 {
		return fmt.Errorf("event poll interval must be positive, got %s", c.EventPollInterval)
	}
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}
