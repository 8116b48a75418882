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

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []int{8443}, cfg.Gateway.AllowedPorts)
	assert.Equal(t, 1000, cfg.Gateway.ConnectionLogCapacity)
	assert.Equal(t, 60, cfg.Gateway.RateLimitMax)
	assert.Equal(t, 60*time.Second, cfg.Gateway.RateLimitWindow)
	assert.Equal(t, 5, cfg.Gateway.PortScanThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.PortScanWindow)
	assert.Equal(t, 24*time.Hour, cfg.Gateway.AlertRetention)
	assert.Equal(t, 100, cfg.AccessLog.FlushThreshold)
	assert.Equal(t, 10*time.Second, cfg.AccessLog.FlushInterval)
	assert.Equal(t, 5, cfg.AccessLog.MaxRotations)
	assert.Equal(t, 30*time.Second, cfg.Monitor.CheckInterval)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
gateway:
  allowed_ports: [443, 8443]
  rate_limit_max: 120
access_log:
  flush_threshold: 50
api:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []int{443, 8443}, cfg.Gateway.AllowedPorts)
	assert.Equal(t, 120, cfg.Gateway.RateLimitMax)
	assert.Equal(t, 50, cfg.AccessLog.FlushThreshold)
	assert.False(t, cfg.API.Enabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Gateway.PortScanThreshold)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty allow-list", "gateway:\n  allowed_ports: []\n"},
		{"port out of range", "gateway:\n  allowed_ports: [70000]\n"},
		{"zero rate limit", "gateway:\n  rate_limit_max: 0\n"},
		{"zero flush threshold", "access_log:\n  flush_threshold: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
