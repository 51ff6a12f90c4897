package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8820, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "relayd", cfg.Observability.ServiceName)
	assert.Equal(t, "relayd.db", cfg.Store.Path)

	// Gate 1 is informational and continues on silence; gate 2 guards the
	// irreversible dispatch and cancels on silence.
	assert.Equal(t, 30*time.Second, cfg.Gates.Preparing.Timeout)
	assert.Equal(t, TimeoutContinue, cfg.Gates.Preparing.OnTimeout)
	assert.Equal(t, TimeoutCancel, cfg.Gates.Prepared.OnTimeout)
	assert.True(t, cfg.Gates.Preparing.Cancellable)
	assert.True(t, cfg.Gates.Prepared.Cancellable)

	assert.Equal(t, 10*time.Second, cfg.Callback.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Callback.SkewTolerance)
	assert.Equal(t, 512, cfg.Session.CacheSize)
	assert.Equal(t, 10, cfg.Session.RecentLimit)
	assert.Equal(t, 30*time.Minute, cfg.Session.IntentTTL)
}

func TestLoadFromYAML(t *testing.T) {
	content := `
server:
  port: 9000
gates:
  preparing:
    timeout: 5s
  prepared:
    timeout: 45s
    on_timeout: cancel
store:
  path: ":memory:"
`
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Gates.Preparing.Timeout)
	assert.Equal(t, 45*time.Second, cfg.Gates.Prepared.Timeout)
	assert.Equal(t, ":memory:", cfg.Store.Path)
	// Defaults still fill the rest.
	assert.Equal(t, "localhost", cfg.Server.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	content := "server:\n  port: 9000\n"
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SERVER_PORT", "9001")
	t.Setenv("GATES_PREPARED_TIMEOUT", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Gates.Prepared.Timeout)
}

func TestLoadCancellableFalseSurvivesDefaults(t *testing.T) {
	content := `
gates:
  preparing:
    cancellable: false
store:
  path: ":memory:"
`
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// An explicit false is operator intent, not a missing field.
	assert.False(t, cfg.Gates.Preparing.Cancellable)
	// The gate the operator did not mention still gets the default.
	assert.True(t, cfg.Gates.Prepared.Cancellable)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = -time.Second }, "shutdown_timeout"},
		{"bad gate timeout", func(c *Config) { c.Gates.Preparing.Timeout = 0 }, "timeout"},
		{"bad timeout policy", func(c *Config) { c.Gates.Preparing.OnTimeout = "retry" }, "on_timeout"},
		{"dispatch gate must cancel on silence", func(c *Config) { c.Gates.Prepared.OnTimeout = TimeoutContinue }, "gates.prepared.on_timeout"},
		{"bad callback timeout", func(c *Config) { c.Callback.Timeout = 0 }, "callback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-sensitive")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-sensitive", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-sensitive")
}
