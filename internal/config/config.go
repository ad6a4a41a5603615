// Package config loads and validates the pool's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Chain     string          `yaml:"chain"` // mainnet|signet|regtest
	Server    ServerConfig    `yaml:"server"`
	Mining    MiningConfig    `yaml:"mining"`
	Vardiff   VardiffConfig   `yaml:"vardiff"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Logging   LoggingConfig   `yaml:"logging"`
	Node      NodeConfig      `yaml:"node"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Sink      SinkConfig      `yaml:"sink"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig holds TCP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	HTTPPort        int           `yaml:"http_port"`
	MaxConnections  int           `yaml:"max_connections"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SubscribeWindow time.Duration `yaml:"subscribe_window"`
	AuthorizeWindow time.Duration `yaml:"authorize_window"`
	DrainDeadline   time.Duration `yaml:"drain_deadline"`
	TLS             TLSConfig     `yaml:"tls"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MiningConfig holds work-distribution settings.
type MiningConfig struct {
	PayoutAddress      string  `yaml:"payout_address"`
	PoolAddress        string  `yaml:"pool_address"`
	Donation           float64 `yaml:"donation"` // 0.0-0.05 fraction of coinbase value
	DonationAddress    string  `yaml:"donation_address"`
	ExtraNonce1Size    int     `yaml:"extranonce1_size"`
	ExtraNonce2Size    int     `yaml:"extranonce2_size"`
	CoinbaseTag        string  `yaml:"coinbase_tag"`
	JobEntropyBytes    int     `yaml:"job_entropy_bytes"`
	JobRegistrySize    int     `yaml:"job_registry_size"`
	VersionMask        string  `yaml:"version_mask"` // hex, e.g. "1fffe000"
	RefreshDeadline    time.Duration `yaml:"refresh_deadline"`
}

// VardiffConfig holds default vardiff parameters, applied per session.
type VardiffConfig struct {
	StartDifficulty float64       `yaml:"start_diff"`
	MinDifficulty   float64       `yaml:"min_diff"`
	MaxDifficulty   float64       `yaml:"max_diff"`
	Window          int           `yaml:"vardiff_window"`
	Period          time.Duration `yaml:"vardiff_period"`
	TargetInterval  time.Duration `yaml:"target_interval"`
}

type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	ShareTTL  time.Duration `yaml:"share_ttl"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

type PostgresConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int32         `yaml:"max_connections"`
	MinConnections   int32         `yaml:"min_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MigrationsPath   string        `yaml:"migrations_path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"` // stdout|file
	FilePath   string `yaml:"file_path"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// NodeConfig holds the local bitcoind RPC + ZMQ settings (pool mode).
type NodeConfig struct {
	RPCHost          string        `yaml:"rpc_host"`
	RPCPort          int           `yaml:"rpc_port"`
	RPCUser          string        `yaml:"rpc_user"`
	RPCPassword      string        `yaml:"rpc_password"`
	ZMQBlockEndpoint string        `yaml:"zmq_block_notifications"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// ProxyConfig enables upstream-pool proxy mode when UpstreamHost is set.
type ProxyConfig struct {
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`
	UpstreamUser string `yaml:"upstream_user"`
	UpstreamPass string `yaml:"upstream_pass"`

	// DownstreamExtraNonce2Size is the extranonce2 width handed to local
	// sessions; it is carved out of the upstream's advertised
	// extranonce2_size alongside SessionExtraNonce1Size.
	DownstreamExtraNonce2Size int           `yaml:"downstream_extranonce2_size"`
	SessionExtraNonce1Size    int           `yaml:"session_extranonce1_size"`
	ReconnectDelay            time.Duration `yaml:"reconnect_delay"`
	DialTimeout               time.Duration `yaml:"dial_timeout"`
}

func (p ProxyConfig) Enabled() bool {
	return p.UpstreamHost != ""
}

// SinkConfig configures the share accounting store.
type SinkConfig struct {
	ReplicatorEndpoint   string        `yaml:"replicator_endpoint"`
	ReplicatorBufferSize int           `yaml:"replicator_buffer_size"`
	BatchSize            int           `yaml:"batch_size"`
	BatchInterval        time.Duration `yaml:"batch_interval"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	BboltPath            string        `yaml:"bbolt_path"`
}

// RateLimitConfig bounds inbound message rate per session, ahead of the
// codec's line-length bound.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load reads, expands, defaults, and validates configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Chain == "" {
		cfg.Chain = "mainnet"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3333
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 9090
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 10 * time.Minute
	}
	if cfg.Server.SubscribeWindow == 0 {
		cfg.Server.SubscribeWindow = 30 * time.Second
	}
	if cfg.Server.AuthorizeWindow == 0 {
		cfg.Server.AuthorizeWindow = 60 * time.Second
	}
	if cfg.Server.DrainDeadline == 0 {
		cfg.Server.DrainDeadline = 5 * time.Second
	}
	if cfg.Server.Metrics.Port == 0 {
		cfg.Server.Metrics.Port = cfg.Server.HTTPPort
	}

	if cfg.Mining.ExtraNonce1Size == 0 {
		cfg.Mining.ExtraNonce1Size = 4
	}
	if cfg.Mining.ExtraNonce2Size == 0 {
		cfg.Mining.ExtraNonce2Size = 4
	}
	if cfg.Mining.JobRegistrySize == 0 {
		cfg.Mining.JobRegistrySize = 8
	}
	if cfg.Mining.RefreshDeadline == 0 {
		cfg.Mining.RefreshDeadline = 2 * time.Second
	}
	if cfg.Mining.VersionMask == "" {
		cfg.Mining.VersionMask = "1fffe000"
	}

	if cfg.Vardiff.StartDifficulty == 0 {
		cfg.Vardiff.StartDifficulty = 1.0
	}
	if cfg.Vardiff.MinDifficulty == 0 {
		cfg.Vardiff.MinDifficulty = 0.001
	}
	if cfg.Vardiff.MaxDifficulty == 0 {
		cfg.Vardiff.MaxDifficulty = 1_000_000
	}
	if cfg.Vardiff.Window == 0 {
		cfg.Vardiff.Window = 10
	}
	if cfg.Vardiff.Period == 0 {
		cfg.Vardiff.Period = 60 * time.Second
	}
	if cfg.Vardiff.TargetInterval == 0 {
		cfg.Vardiff.TargetInterval = 10 * time.Second
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 100
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "stratum:"
	}
	if cfg.Redis.ShareTTL == 0 {
		cfg.Redis.ShareTTL = time.Hour
	}
	if cfg.Redis.WorkerTTL == 0 {
		cfg.Redis.WorkerTTL = 5 * time.Minute
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 10
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}
	if cfg.Postgres.MigrationsPath == "" {
		cfg.Postgres.MigrationsPath = "file://migrations"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 7
	}

	if cfg.Node.RPCHost == "" {
		cfg.Node.RPCHost = "127.0.0.1"
	}
	if cfg.Node.PollInterval == 0 {
		cfg.Node.PollInterval = time.Second
	}

	if cfg.Sink.ReplicatorBufferSize == 0 {
		cfg.Sink.ReplicatorBufferSize = 10_000
	}
	if cfg.Sink.BatchSize == 0 {
		cfg.Sink.BatchSize = 256
	}
	if cfg.Sink.BatchInterval == 0 {
		cfg.Sink.BatchInterval = time.Second
	}
	if cfg.Sink.BackoffMax == 0 {
		cfg.Sink.BackoffMax = 30 * time.Second
	}
	if cfg.Sink.BboltPath == "" {
		cfg.Sink.BboltPath = "share-sink.db"
	}

	if cfg.Proxy.DownstreamExtraNonce2Size == 0 {
		cfg.Proxy.DownstreamExtraNonce2Size = 4
	}
	if cfg.Proxy.SessionExtraNonce1Size == 0 {
		cfg.Proxy.SessionExtraNonce1Size = 4
	}
	if cfg.Proxy.ReconnectDelay == 0 {
		cfg.Proxy.ReconnectDelay = 5 * time.Second
	}
	if cfg.Proxy.DialTimeout == 0 {
		cfg.Proxy.DialTimeout = 10 * time.Second
	}

	if cfg.RateLimit.MessagesPerSecond == 0 {
		cfg.RateLimit.MessagesPerSecond = 50
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 100
	}
}

func validate(cfg *Config) error {
	switch cfg.Chain {
	case "mainnet", "signet", "regtest":
	default:
		return fmt.Errorf("invalid chain: %s", cfg.Chain)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert_file/key_file not specified")
		}
	}

	if cfg.Vardiff.MinDifficulty > cfg.Vardiff.MaxDifficulty {
		return fmt.Errorf("vardiff min_diff cannot exceed max_diff")
	}
	if cfg.Mining.ExtraNonce1Size < 1 || cfg.Mining.ExtraNonce1Size > 8 {
		return fmt.Errorf("invalid extranonce1_size: %d", cfg.Mining.ExtraNonce1Size)
	}
	if cfg.Mining.ExtraNonce2Size < 1 || cfg.Mining.ExtraNonce2Size > 8 {
		return fmt.Errorf("invalid extranonce2_size: %d", cfg.Mining.ExtraNonce2Size)
	}
	if cfg.Mining.Donation < 0 || cfg.Mining.Donation > 0.05 {
		return fmt.Errorf("donation must be within [0, 0.05]: %f", cfg.Mining.Donation)
	}

	if cfg.Proxy.Enabled() {
		if cfg.Proxy.UpstreamPort < 1 || cfg.Proxy.UpstreamPort > 65535 {
			return fmt.Errorf("invalid proxy upstream_port: %d", cfg.Proxy.UpstreamPort)
		}
	}

	return nil
}

// NetworkFloorBits returns the compact nBits floor (the easiest network
// target) for the configured chain. Template handling does not consult it.
func (c *Config) NetworkFloorBits() uint32 {
	switch c.Chain {
	case "regtest":
		return 0x207fffff
	case "signet":
		return 0x1e0377ae
	default:
		return 0x1d00ffff
	}
}
