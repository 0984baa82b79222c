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
	cfg := Default()

	assert.Equal(t, ":8420", cfg.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 100, cfg.FrameRateLimit)
	assert.Equal(t, time.Minute, cfg.FrameRateWindow)
	assert.Equal(t, 30, cfg.UpstreamRateLimit)
	assert.Equal(t, 120*time.Second, cfg.PairRequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.PairRequestWarningTime)
	assert.Equal(t, 10, cfg.PairFanInCap)
	assert.Equal(t, 48*time.Hour, cfg.DailyTTL)
	assert.Equal(t, 3*time.Hour, cfg.HourlyTTL)
	assert.Equal(t, 1000, cfg.ChunkCacheSize)
	assert.Equal(t, 4096, cfg.ChunkPayloadMax)
	assert.Equal(t, 100, cfg.UpstreamQueueCap)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, 100, cfg.VirtualNodes)

	assert.False(t, cfg.AttestationEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
listenAddr: ":9000"
pairFanInCap: 5
dailyTtl: 24h
bootstrapUrl: "https://bootstrap.example"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.PairFanInCap)
	assert.Equal(t, 24*time.Hour, cfg.DailyTTL)
	assert.True(t, cfg.AttestationEnabled())
	// Untouched options keep their defaults.
	assert.Equal(t, 100, cfg.FrameRateLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":9000\"\n"), 0o600))

	t.Setenv("HAVEN_LISTEN_ADDR", ":9100")
	t.Setenv("HAVEN_FRAME_RATE_LIMIT", "50")
	t.Setenv("HAVEN_HEARTBEAT_TIMEOUT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, 50, cfg.FrameRateLimit)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero frame rate limit", func(c *Config) { c.FrameRateLimit = 0 }},
		{"warning past timeout", func(c *Config) { c.PairRequestWarningTime = c.PairRequestTimeout }},
		{"zero daily ttl", func(c *Config) { c.DailyTTL = 0 }},
		{"zero cache size", func(c *Config) { c.ChunkCacheSize = 0 }},
		{"zero queue cap", func(c *Config) { c.UpstreamQueueCap = 0 }},
		{"zero replication", func(c *Config) { c.ReplicationFactor = 0 }},
		{"zero virtual nodes", func(c *Config) { c.VirtualNodes = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
