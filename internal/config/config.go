// Package config provides configuration loading for relayd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, with hardcoded defaults filling any gaps.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete relayd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	NATS          NATSConfig          `koanf:"nats"`
	Store         StoreConfig         `koanf:"store"`
	Gates         GatesConfig         `koanf:"gates"`
	Callback      CallbackConfig      `koanf:"callback"`
	Session       SessionConfig       `koanf:"session"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
}

// NATSConfig holds the cancellation bus connection settings.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// StoreConfig holds tool call store settings.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps calls for the
	// process lifetime only and is intended for tests and local dev.
	Path string `koanf:"path"`
}

// TimeoutPolicy decides what happens when a gate deadline elapses with no
// decision received.
type TimeoutPolicy string

const (
	// TimeoutCancel cancels the call on deadline. The right policy for a
	// gate that guards an irreversible action.
	TimeoutCancel TimeoutPolicy = "cancel"

	// TimeoutContinue advances the call on deadline. Acceptable only for
	// purely informational gates.
	TimeoutContinue TimeoutPolicy = "continue"
)

// GateConfig holds per-gate behavior. Timeout semantics are explicit per
// gate; there is no global constant.
type GateConfig struct {
	Timeout     time.Duration `koanf:"timeout"`
	OnTimeout   TimeoutPolicy `koanf:"on_timeout"`
	Cancellable bool          `koanf:"cancellable"`
	Message     string        `koanf:"message"`
}

// GatesConfig holds the two-checkpoint configuration.
type GatesConfig struct {
	Preparing GateConfig `koanf:"preparing"`
	Prepared  GateConfig `koanf:"prepared"`
}

// CallbackConfig holds callback transport settings.
type CallbackConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	// HMACSecret enables signed callbacks when set.
	HMACSecret Secret `koanf:"hmac_secret"`
	// WebhookSecret is sent as a shared-secret header when set.
	WebhookSecret Secret `koanf:"webhook_secret"`
	// SkewTolerance bounds accepted clock skew for signature verification.
	SkewTolerance time.Duration `koanf:"skew_tolerance"`
}

// SessionConfig holds the per-session context view cache and intent draft
// settings.
type SessionConfig struct {
	CacheSize   int `koanf:"cache_size"`
	RecentLimit int `koanf:"recent_limit"`

	// Unconfirmed intent drafts are held in memory only and expire after
	// IntentTTL of inactivity.
	IntentCacheSize int           `koanf:"intent_cache_size"`
	IntentTTL       time.Duration `koanf:"intent_ttl"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	for name, gate := range map[string]GateConfig{
		"gates.preparing": c.Gates.Preparing,
		"gates.prepared":  c.Gates.Prepared,
	} {
		if gate.Timeout <= 0 {
			return fmt.Errorf("%s.timeout must be positive", name)
		}
		switch gate.OnTimeout {
		case TimeoutCancel, TimeoutContinue:
		default:
			return fmt.Errorf("%s.on_timeout must be %q or %q, got %q",
				name, TimeoutCancel, TimeoutContinue, gate.OnTimeout)
		}
	}
	// The final gate guards the irreversible dispatch. Auto-continuing it on
	// silence would run a side effect nobody approved.
	if c.Gates.Prepared.OnTimeout != TimeoutCancel {
		return fmt.Errorf("gates.prepared.on_timeout must be %q", TimeoutCancel)
	}
	if c.Callback.Timeout <= 0 {
		return fmt.Errorf("callback.timeout must be positive")
	}
	if c.Callback.SkewTolerance <= 0 {
		return fmt.Errorf("callback.skew_tolerance must be positive")
	}
	if c.Session.CacheSize <= 0 {
		return fmt.Errorf("session.cache_size must be positive")
	}
	if c.Session.RecentLimit <= 0 {
		return fmt.Errorf("session.recent_limit must be positive")
	}
	return nil
}
