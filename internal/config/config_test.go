package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 100, cfg.RateLimit.GlobalMax)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Circuit.Cooldown)
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Cache.HitsConsumeQuota)
	assert.Equal(t, 24*time.Hour, cfg.Activity.TTL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUTER_PORT", "8080")
	t.Setenv("RATE_LIMIT_GLOBAL_MAX", "42")
	t.Setenv("CACHE_HITS_CONSUME_QUOTA", "false")
	t.Setenv("CIRCUIT_COOLDOWN_MS", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 42, cfg.RateLimit.GlobalMax)
	assert.False(t, cfg.Cache.HitsConsumeQuota)
	assert.Equal(t, 5*time.Second, cfg.Circuit.Cooldown)
}

func TestYAMLOverlayThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
rate_limit:
  global_max: 7
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ROUTER_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port) // env beats yaml
	assert.Equal(t, 7, cfg.RateLimit.GlobalMax)
}

func TestBadConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/does/not/exist.yaml")
	_, err := Load()
	assert.Error(t, err)
}
