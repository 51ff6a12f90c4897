package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from a YAML file, then overrides with environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, GATES_PREPARED_TIMEOUT, etc.)
//  2. YAML config file
//  3. Hardcoded defaults
//
// The configPath parameter may be empty, in which case only environment
// variables and defaults apply.
//
// Environment variables use underscore separator and are uppercased. The
// transformer splits on the first underscore only (section.field_name):
//
//	SERVER_PORT            -> server.port
//	CALLBACK_HMAC_SECRET   -> callback.hmac_secret
//	NATS_URL               -> nats.url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		// SECTION_FIELD_NAME -> section.field_name; gates need one more
		// split for the per-gate subsection (GATES_PREPARED_TIMEOUT).
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		if parts[0] == "gates" {
			sub := strings.SplitN(parts[1], "_", 2)
			if len(sub) == 2 {
				return "gates." + sub[0] + "." + sub[1]
			}
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	// A bool's zero value is indistinguishable from an explicit false after
	// unmarshal, so cancellable defaults key on whether the operator set the
	// field at all.
	if !k.Exists("gates.preparing.cancellable") {
		cfg.Gates.Preparing.Cancellable = true
	}
	if !k.Exists("gates.prepared.cancellable") {
		cfg.Gates.Prepared.Cancellable = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8820
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "relayd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "relayd.db"
	}

	// Gate 1 is informational: keep the user posted, continue on silence.
	if cfg.Gates.Preparing.Timeout == 0 {
		cfg.Gates.Preparing.Timeout = 30 * time.Second
	}
	if cfg.Gates.Preparing.OnTimeout == "" {
		cfg.Gates.Preparing.OnTimeout = TimeoutContinue
	}
	if cfg.Gates.Preparing.Message == "" {
		cfg.Gates.Preparing.Message = "Preparing the action."
	}

	// Gate 2 guards the irreversible dispatch: cancel on silence.
	if cfg.Gates.Prepared.Timeout == 0 {
		cfg.Gates.Prepared.Timeout = 30 * time.Second
	}
	if cfg.Gates.Prepared.OnTimeout == "" {
		cfg.Gates.Prepared.OnTimeout = TimeoutCancel
	}
	if cfg.Gates.Prepared.Message == "" {
		cfg.Gates.Prepared.Message = "Ready to run. Confirm to proceed."
	}

	if cfg.Callback.Timeout == 0 {
		cfg.Callback.Timeout = 10 * time.Second
	}
	if cfg.Callback.SkewTolerance == 0 {
		cfg.Callback.SkewTolerance = 5 * time.Minute
	}

	if cfg.Session.CacheSize == 0 {
		cfg.Session.CacheSize = 512
	}
	if cfg.Session.RecentLimit == 0 {
		cfg.Session.RecentLimit = 10
	}
	if cfg.Session.IntentCacheSize == 0 {
		cfg.Session.IntentCacheSize = 1024
	}
	if cfg.Session.IntentTTL == 0 {
		cfg.Session.IntentTTL = 30 * time.Minute
	}
}
