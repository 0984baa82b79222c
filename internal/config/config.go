// Package config holds the server configuration. Values come from defaults,
// then an optional YAML file, then HAVEN_* environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Identity and listeners.
	ServerID    string `yaml:"serverId"`
	Endpoint    string `yaml:"endpoint"` // public WebSocket endpoint advertised to clients
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	DataDir     string `yaml:"dataDir"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Session plane.
	HeartbeatInterval     time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeatTimeout"`
	MaxConnectionsPerPeer int           `yaml:"maxConnectionsPerPeer"`
	FrameRateLimit        int           `yaml:"frameRateLimit"` // frames per FrameRateWindow
	FrameRateWindow       time.Duration `yaml:"frameRateWindow"`
	UpstreamRateLimit     int           `yaml:"upstreamRateLimit"` // upstream messages per UpstreamRateWindow
	UpstreamRateWindow    time.Duration `yaml:"upstreamRateWindow"`

	// Pairing.
	PairRequestTimeout     time.Duration `yaml:"pairRequestTimeout"`
	PairRequestWarningTime time.Duration `yaml:"pairRequestWarningTime"` // before expiry
	PairFanInCap           int           `yaml:"pairFanInCap"`

	// Rendezvous.
	DailyTTL        time.Duration `yaml:"dailyTtl"`
	HourlyTTL       time.Duration `yaml:"hourlyTtl"`
	RendezvousSweep time.Duration `yaml:"rendezvousSweep"`

	// Chunk relay.
	ChunkCacheSize  int           `yaml:"chunkCacheSize"`
	ChunkCacheTTL   time.Duration `yaml:"chunkCacheTtl"`
	ChunkSourceTTL  time.Duration `yaml:"chunkSourceTtl"`
	ChunkPayloadMax int           `yaml:"chunkPayloadMax"`

	// Channels.
	UpstreamQueueCap int `yaml:"upstreamQueueCap"`

	// Attestation. Empty BootstrapURL disables attestation.
	BootstrapURL    string        `yaml:"bootstrapUrl"`
	SessionTokenTTL time.Duration `yaml:"sessionTokenTtl"`
	GracePeriod     time.Duration `yaml:"gracePeriod"`
	AttestSweep     time.Duration `yaml:"attestSweep"`

	// Federation.
	ReplicationFactor int `yaml:"replicationFactor"`
	VirtualNodes      int `yaml:"virtualNodes"`
}

// Default returns a Config with every option at its documented default.
func Default() Config {
	return Config{
		Endpoint:    "ws://localhost:8420/ws",
		ListenAddr:  ":8420",
		MetricsAddr: ":9420",
		DataDir:     "/var/lib/haven-relay",
		LogLevel:    "info",
		LogFormat:   "auto",

		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      90 * time.Second,
		MaxConnectionsPerPeer: 20,
		FrameRateLimit:        100,
		FrameRateWindow:       time.Minute,
		UpstreamRateLimit:     30,
		UpstreamRateWindow:    time.Minute,

		PairRequestTimeout:     120 * time.Second,
		PairRequestWarningTime: 30 * time.Second,
		PairFanInCap:           10,

		DailyTTL:        48 * time.Hour,
		HourlyTTL:       3 * time.Hour,
		RendezvousSweep: 5 * time.Minute,

		ChunkCacheSize:  1000,
		ChunkCacheTTL:   30 * time.Minute,
		ChunkSourceTTL:  time.Hour,
		ChunkPayloadMax: 4096,

		UpstreamQueueCap: 100,

		SessionTokenTTL: time.Hour,
		GracePeriod:     30 * time.Second,
		AttestSweep:     30 * time.Second,

		ReplicationFactor: 3,
		VirtualNodes:      100,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// HAVEN_* environment overrides.
func Load(path string) (Config, error) {
	// A .env next to the binary is honored the same way it is in development.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("HAVEN_SERVER_ID", &c.ServerID)
	envStr("HAVEN_ENDPOINT", &c.Endpoint)
	envStr("HAVEN_LISTEN_ADDR", &c.ListenAddr)
	envStr("HAVEN_METRICS_ADDR", &c.MetricsAddr)
	envStr("HAVEN_DATA_DIR", &c.DataDir)
	envStr("HAVEN_LOG_LEVEL", &c.LogLevel)
	envStr("HAVEN_LOG_FORMAT", &c.LogFormat)
	envStr("HAVEN_BOOTSTRAP_URL", &c.BootstrapURL)

	envDur("HAVEN_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	envDur("HAVEN_HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	envDur("HAVEN_PAIR_REQUEST_TIMEOUT", &c.PairRequestTimeout)
	envDur("HAVEN_PAIR_REQUEST_WARNING_TIME", &c.PairRequestWarningTime)
	envDur("HAVEN_DAILY_TTL", &c.DailyTTL)
	envDur("HAVEN_HOURLY_TTL", &c.HourlyTTL)
	envDur("HAVEN_CHUNK_CACHE_TTL", &c.ChunkCacheTTL)
	envDur("HAVEN_CHUNK_SOURCE_TTL", &c.ChunkSourceTTL)
	envDur("HAVEN_SESSION_TOKEN_TTL", &c.SessionTokenTTL)
	envDur("HAVEN_GRACE_PERIOD", &c.GracePeriod)

	envInt("HAVEN_MAX_CONNECTIONS_PER_PEER", &c.MaxConnectionsPerPeer)
	envInt("HAVEN_FRAME_RATE_LIMIT", &c.FrameRateLimit)
	envInt("HAVEN_UPSTREAM_RATE_LIMIT", &c.UpstreamRateLimit)
	envInt("HAVEN_CHUNK_CACHE_SIZE", &c.ChunkCacheSize)
	envInt("HAVEN_CHUNK_PAYLOAD_MAX", &c.ChunkPayloadMax)
	envInt("HAVEN_REPLICATION_FACTOR", &c.ReplicationFactor)
	envInt("HAVEN_VIRTUAL_NODES", &c.VirtualNodes)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.FrameRateLimit <= 0 || c.UpstreamRateLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.PairRequestTimeout <= 0 || c.PairRequestWarningTime <= 0 {
		return fmt.Errorf("pair request timers must be positive")
	}
	if c.PairRequestWarningTime >= c.PairRequestTimeout {
		return fmt.Errorf("pairRequestWarningTime must be shorter than pairRequestTimeout")
	}
	if c.DailyTTL <= 0 || c.HourlyTTL <= 0 || c.ChunkCacheTTL <= 0 || c.ChunkSourceTTL <= 0 {
		return fmt.Errorf("TTLs must be positive")
	}
	if c.ChunkCacheSize <= 0 || c.ChunkPayloadMax <= 0 {
		return fmt.Errorf("chunk cache bounds must be positive")
	}
	if c.UpstreamQueueCap <= 0 {
		return fmt.Errorf("upstreamQueueCap must be positive")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replicationFactor must be at least 1")
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtualNodes must be at least 1")
	}
	return nil
}

// AttestationEnabled reports whether the attestation gateway is active.
func (c *Config) AttestationEnabled() bool {
	return c.BootstrapURL != ""
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
