package session

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines runtime configuration for the session Manager.
type Config struct {
	// DisableResolution short-circuits acting-account metadata resolution.
	// Lifecycle events still fire with empty metadata so consumers keep a
	// uniform event stream.
	DisableResolution bool `env:"ATRIUM_SESSION_DISABLE_RESOLUTION"`

	// ResolveTimeout bounds a single metadata-resolution cycle.
	ResolveTimeout time.Duration `env:"ATRIUM_SESSION_RESOLVE_TIMEOUT"`

	// EventBuffer sizes the per-subscriber lifecycle event buffer.
	EventBuffer int `env:"ATRIUM_SESSION_EVENT_BUFFER"`
}

// DefaultConfig returns defaults suitable for production use.
func DefaultConfig() Config {
	return Config{
		ResolveTimeout: 30 * time.Second,
		EventBuffer:    16,
	}
}

// LoadConfigFromEnv loads Config from ATRIUM_SESSION_* environment
// variables on top of defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ResolveTimeout <= 0 || cfg.EventBuffer <= 0 {
		return Config{}, ErrConfig
	}
	return cfg, nil
}
