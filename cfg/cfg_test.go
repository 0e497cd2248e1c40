package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, k := range []string{"STORE_BACKEND", "REDIS_URL", "SWEEP_INTERVAL", "DEFAULT_TTL", "MAX_TTL", "LIVE_BUFFER"} {
		k := k
		if v, ok := os.LookupEnv(k); ok {
			t.Cleanup(func() { os.Setenv(k, v) })
		} else {
			t.Cleanup(func() { os.Unsetenv(k) })
		}
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, c.StoreBackend)
	assert.Equal(t, 10*time.Minute, c.DefaultTTL)
	assert.Equal(t, 24*time.Hour, c.MaxTTL)
	assert.Equal(t, 50000, c.MaxTextLength)
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, time.Hour, 24 * time.Hour}, c.TTLPresets)
	assert.Equal(t, time.Minute, c.SweepEvery())
	require.NoError(t, Validate(c))
}

func TestLoadRedisURLSelectsRedis(t *testing.T) {
	isolateEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, c.StoreBackend)
	assert.Equal(t, 5*time.Minute, c.SweepEvery())
	require.NoError(t, Validate(c))
}

func TestLoadDotenvFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DEFAULT_TTL=5m\nLIVE_BUFFER=4\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("MAX_TTL", "1h")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, c.DefaultTTL)
	assert.Equal(t, 4, c.LiveBuffer)
	assert.Equal(t, time.Hour, c.MaxTTL)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DEFAULT_TTL", "ten minutes")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolateEnv(t)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Cfg)
	}{
		{"unknown backend", func(c *Cfg) { c.StoreBackend = "etcd" }},
		{"redis without url", func(c *Cfg) { c.StoreBackend = BackendRedis; c.RedisURL = "" }},
		{"redis bad scheme", func(c *Cfg) { c.StoreBackend = BackendRedis; c.RedisURL = "http://x" }},
		{"rediss without tls", func(c *Cfg) { c.StoreBackend = BackendRedis; c.RedisURL = "rediss://x"; c.RedisTLS = false }},
		{"postgres without url", func(c *Cfg) { c.StoreBackend = BackendPostgres }},
		{"sqlite outside workdir", func(c *Cfg) { c.StoreBackend = BackendSQLite; c.DatabasePath = "/definitely/elsewhere.db" }},
		{"default above max", func(c *Cfg) { c.DefaultTTL = 48 * time.Hour }},
		{"zero buffer", func(c *Cfg) { c.LiveBuffer = 0 }},
		{"bad port", func(c *Cfg) { c.Port = "http" }},
		{"production metrics", func(c *Cfg) { c.Environment = "production" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, Validate(&c))
		})
	}
}

func TestClampTTL(t *testing.T) {
	c := &Cfg{DefaultTTL: 10 * time.Minute, MaxTTL: 24 * time.Hour}
	assert.Equal(t, 10*time.Minute, c.ClampTTL(0))
	assert.Equal(t, 10*time.Minute, c.ClampTTL(-time.Second))
	assert.Equal(t, 24*time.Hour, c.ClampTTL(48*time.Hour))
	assert.Equal(t, 600*time.Second, c.ClampTTL(600*time.Second))
}

func TestSecretRedacts(t *testing.T) {
	s := NewSecret("hunter2")
	assert.Equal(t, "***REDACTED***", s.String())
	s.Wipe()
	assert.NotEqual(t, "hunter2", s.Value())
}
