package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CLUSTER", "HOST", "PORT", "WORKER_HOST", "WORKER_BASE_PORT", "WORKERS",
	"PROXY_TIMEOUT", "MAX_BODY_BYTES", "RESTART_POLICY", "RESTART_RATE",
	"RESTART_BURST", "RESTART_MAX", "READY_TIMEOUT", "HEALTH_INTERVAL",
	"HEALTH_MAX_FAILURES", "METRICS_ADDR",
	"LOG_LEVEL", "LOG_DEV",
}

// clearEnv blanks every variable ApplyEnv reads; empty values are ignored.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usersvc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.False(t, cfg.Cluster)
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 3000, cfg.WorkerBasePort)
	assert.Equal(t, "127.0.0.1", cfg.WorkerHost)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.ProxyTimeout)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, PolicyAlways, cfg.Restart.Policy)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Health.MaxFailures)
	assert.Empty(t, cfg.MetricsAddr)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":4000", cfg.Addr())
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Layering(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
cluster: true
port: 5000
workers: 2
proxy_timeout: 3s
restart:
  policy: throttled
  rate: 0.5
log:
  level: debug
`)
	t.Setenv("PORT", "6000")
	t.Setenv("LOG_DEV", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Cluster)
	assert.Equal(t, 6000, cfg.Port, "env overrides file")
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 3*time.Second, cfg.ProxyTimeout)
	assert.Equal(t, PolicyThrottled, cfg.Restart.Policy)
	assert.Equal(t, 0.5, cfg.Restart.Rate)
	assert.Equal(t, 3, cfg.Restart.Burst, "untouched keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Dev)
}

func TestLoadFile_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg := Default()
		err := cfg.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown key", func(t *testing.T) {
		cfg := Default()
		err := cfg.LoadFile(writeFile(t, "workerz: 3\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("bad type", func(t *testing.T) {
		cfg := Default()
		err := cfg.LoadFile(writeFile(t, "port: lots\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("empty file", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.LoadFile(writeFile(t, "")))
		assert.Equal(t, Default(), cfg)
	})
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLUSTER", "1")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("WORKER_BASE_PORT", "7000")
	t.Setenv("WORKERS", "8")
	t.Setenv("MAX_BODY_BYTES", "2048")
	t.Setenv("RESTART_MAX", "5")
	t.Setenv("READY_TIMEOUT", "250ms")
	t.Setenv("METRICS_ADDR", ":9090")
	t.Setenv("HEALTH_INTERVAL", "0")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.True(t, cfg.Cluster)
	assert.Equal(t, "0.0.0.0:4000", cfg.Addr())
	assert.Equal(t, 7000, cfg.WorkerBasePort)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
	assert.Equal(t, 5, cfg.Restart.Max)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadyTimeout)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Zero(t, cfg.Health.Interval)
	assert.NoError(t, cfg.Validate(), "zero interval disables health checks")
}

func TestApplyEnv_BadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "http")
	t.Setenv("PROXY_TIMEOUT", "10")
	t.Setenv("CLUSTER", "maybe")

	cfg := Default()
	err := cfg.ApplyEnv()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "PROXY_TIMEOUT")
	assert.Contains(t, err.Error(), "CLUSTER")
	assert.Equal(t, 4000, cfg.Port, "bad values leave the setting alone")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.Port = -1 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"base port overflow", func(c *Config) { c.WorkerBasePort = 65530; c.Workers = 10 }},
		{"zero proxy timeout", func(c *Config) { c.ProxyTimeout = 0 }},
		{"zero ready timeout", func(c *Config) { c.ReadyTimeout = 0 }},
		{"zero body limit", func(c *Config) { c.MaxBodyBytes = 0 }},
		{"negative health interval", func(c *Config) { c.Health.Interval = -time.Second }},
		{"no health failures", func(c *Config) { c.Health.MaxFailures = 0 }},
		{"unknown policy", func(c *Config) { c.Restart.Policy = "sometimes" }},
		{"throttled without rate", func(c *Config) {
			c.Restart.Policy = PolicyThrottled
			c.Restart.Rate = 0
		}},
		{"negative max", func(c *Config) {
			c.Restart.Policy = PolicyThrottled
			c.Restart.Max = -1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
