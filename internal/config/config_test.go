package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, 1.0, cfg.Optimizer.Weights.Sum(), 1e-9)
	assert.Equal(t, 0.30, cfg.Optimizer.Weights.Availability)
	assert.Equal(t, 24, cfg.Forecast.Window)
	assert.Equal(t, 4, cfg.Forecast.Horizon)
	assert.Equal(t, 5*time.Minute, cfg.Travel.CacheTTL)
	assert.Equal(t, 100, cfg.Tracking.HistoryCap)
	assert.Equal(t, 200.0, cfg.Tracking.OffRouteMeters)
	assert.Equal(t, 45.0, cfg.Tracking.HeadingDegrees)
	assert.Equal(t, 5*time.Minute, cfg.Tracking.DelayThreshold)
	assert.Contains(t, cfg.Optimizer.RequiredEquipment["stroke"], "ct_scanner")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medroute.yaml")
	content := `
environment: staging
server:
  http_port: 8181
optimizer:
  weights:
    availability: 0.4
    specialist: 0.2
    travel: 0.2
    equipment: 0.1
    load: 0.1
audit:
  store: leveldb
  leveldb_path: /var/lib/medroute/audit
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 8181, cfg.Server.HTTPPort)
	assert.Equal(t, 0.4, cfg.Optimizer.Weights.Availability)
	assert.Equal(t, "leveldb", cfg.Audit.Store)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("MEDROUTE_TRACKING_OFF_ROUTE_METERS", "250")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250.0, cfg.Tracking.OffRouteMeters)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad http port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"weights do not sum to one", func(c *Config) { c.Optimizer.Weights.Load = 0.5 }},
		{"negative weight", func(c *Config) {
			c.Optimizer.Weights.Load = -0.1
			c.Optimizer.Weights.Availability = 0.5
		}},
		{"unknown audit store", func(c *Config) { c.Audit.Store = "s3" }},
		{"postgres audit without database", func(c *Config) { c.Audit.Store = "postgres" }},
		{"unknown cache backend", func(c *Config) { c.Travel.CacheBackend = "memcached" }},
		{"zero history cap", func(c *Config) { c.Tracking.HistoryCap = 0 }},
		{"default secret in production", func(c *Config) { c.Environment = "production" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
