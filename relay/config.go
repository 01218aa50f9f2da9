package relay

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines runtime configuration for the relay transport.
type Config struct {
	// RelayURL is the relay application's well-known endpoint.
	RelayURL string `env:"ATRIUM_RELAY_URL"`

	// AllowedOrigins is the trust allow-list for inbound message origins.
	// Entries match on full origin (scheme + host + optional port) with a
	// host-only fallback; "*" is honored but strongly discouraged.
	AllowedOrigins []string `env:"ATRIUM_RELAY_ALLOWED_ORIGINS" envSeparator:","`

	// ReadyWarnAfter is the diagnostic readiness watchdog delay. Firing it
	// only logs a warning; pending requests are not aborted.
	ReadyWarnAfter time.Duration `env:"ATRIUM_RELAY_READY_WARN_AFTER"`

	// RequestTimeout bounds session and setting requests end to end,
	// including time spent waiting for relay readiness.
	RequestTimeout time.Duration `env:"ATRIUM_RELAY_REQUEST_TIMEOUT"`

	// ResourceTimeout bounds resource fetches, which can legitimately
	// fail and must not hang callers.
	ResourceTimeout time.Duration `env:"ATRIUM_RELAY_RESOURCE_TIMEOUT"`

	// WriteTimeout bounds a single channel write.
	WriteTimeout time.Duration `env:"ATRIUM_RELAY_WRITE_TIMEOUT"`

	// Heartbeat settings for the websocket channel.
	HeartbeatInterval time.Duration `env:"ATRIUM_RELAY_HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `env:"ATRIUM_RELAY_HEARTBEAT_TIMEOUT"`
}

// DefaultConfig returns defaults suitable for production use.
func DefaultConfig() Config {
	return Config{
		RelayURL:          "wss://relay.atrium.example/relay",
		AllowedOrigins:    []string{"https://relay.atrium.example"},
		ReadyWarnAfter:    5 * time.Second,
		RequestTimeout:    15 * time.Second,
		ResourceTimeout:   10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// LoadConfigFromEnv loads Config from ATRIUM_RELAY_* environment variables
// on top of defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the transport depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RelayURL) == "" {
		return ErrConfig
	}
	if len(c.AllowedOrigins) == 0 {
		return ErrConfig
	}
	if c.ReadyWarnAfter <= 0 || c.RequestTimeout <= 0 || c.ResourceTimeout <= 0 || c.WriteTimeout <= 0 {
		return ErrConfig
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return ErrConfig
	}
	return nil
}
