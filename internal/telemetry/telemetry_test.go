package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "relayd", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.MetricInterval)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid enabled config", func(c *Config) {}, ""},
		{"disabled skips validation", func(c *Config) {
			c.Enabled = false
			c.Endpoint = ""
		}, ""},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, "service_name is required"},
		{"sample rate above one", func(c *Config) { c.SampleRate = 1.5 }, "sample_rate"},
		{"sample rate negative", func(c *Config) { c.SampleRate = -0.1 }, "sample_rate"},
		{"zero metric interval", func(c *Config) { c.MetricInterval = 0 }, "metric_interval"},
		{"insecure remote refused", func(c *Config) {
			c.Endpoint = "collector.internal:4317"
		}, "not allowed"},
		{"secure remote allowed", func(c *Config) {
			c.Endpoint = "collector.internal:4317"
			c.Insecure = false
		}, ""},
		{"insecure ipv4 loopback allowed", func(c *Config) { c.Endpoint = "127.0.0.1:4317" }, ""},
		{"insecure ipv6 loopback allowed", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	p, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestShutdownNilSafe(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1.0).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(0.25).Description(), "ParentBased")
}
