// Package config provides configuration management for tabsync processes.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a tab process.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Election    ElectionConfig    `mapstructure:"election"`
	Shim        ShimConfig        `mapstructure:"shim"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Store       StoreConfig       `mapstructure:"store"`
	Server      ServerConfig      `mapstructure:"server"`
	Bus         BusConfig         `mapstructure:"bus"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	settings map[string]interface{}
}

// NodeConfig identifies this process and the worker it shares.
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	WorkerURL string `mapstructure:"worker_url"`
}

// TransportConfig selects the broadcast transport between process contexts.
type TransportConfig struct {
	Kind   string       `mapstructure:"kind"`
	Codec  string       `mapstructure:"codec"`
	Redis  RedisConfig  `mapstructure:"redis"`
	GRPC   GRPCConfig   `mapstructure:"grpc"`
	Gossip GossipConfig `mapstructure:"gossip"`
}

// RedisConfig holds Redis pub/sub connection settings.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// GRPCConfig holds the address of the broadcast bus.
type GRPCConfig struct {
	Address     string        `mapstructure:"address"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// GossipConfig holds memberlist settings for the gossip transport.
type GossipConfig struct {
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	Seeds          []string      `mapstructure:"seeds"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// ElectionConfig holds leader election timing.
type ElectionConfig struct {
	ResponseTime      time.Duration `mapstructure:"response_time"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LeaderTimeout     time.Duration `mapstructure:"leader_timeout"`
	FallbackInterval  time.Duration `mapstructure:"fallback_interval"`
}

// ShimConfig holds shared-worker emulation settings.
type ShimConfig struct {
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	Native       bool          `mapstructure:"native"`
}

// SyncConfig holds client protocol settings.
type SyncConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	WorkerQueue    int           `mapstructure:"worker_queue"`
}

// StoreConfig holds SQLite settings.
type StoreConfig struct {
	LocalDSN      string   `mapstructure:"local_dsn"`
	WorkerPath    string   `mapstructure:"worker_path"`
	BusyTimeoutMS int      `mapstructure:"busy_timeout_ms"`
	Schema        []string `mapstructure:"schema"`
	Tables        []string `mapstructure:"tables"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BusConfig holds the listen address of the gRPC broadcast bus server.
type BusConfig struct {
	Listen string `mapstructure:"listen"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tabsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tabsync/")
	}

	v.SetEnvPrefix("TABSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults are well-formed, decoding cannot fail.
	_ = v.Unmarshal(&cfg)
	cfg.settings = v.AllSettings()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "")
	v.SetDefault("node.worker_url", "tabsync://worker/default")

	// Transport defaults
	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.codec", "msgpack")
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.redis.dial_timeout", "5s")
	v.SetDefault("transport.redis.key_prefix", "tabsync:")
	v.SetDefault("transport.grpc.address", "localhost:50070")
	v.SetDefault("transport.grpc.dial_timeout", "5s")
	v.SetDefault("transport.gossip.bind_addr", "0.0.0.0")
	v.SetDefault("transport.gossip.bind_port", 7946)
	v.SetDefault("transport.gossip.seeds", []string{})
	v.SetDefault("transport.gossip.gossip_interval", "100ms")
	v.SetDefault("transport.gossip.probe_interval", "1s")

	// Election defaults
	v.SetDefault("election.response_time", "100ms")
	v.SetDefault("election.heartbeat_interval", "500ms")
	v.SetDefault("election.leader_timeout", "2s")
	v.SetDefault("election.fallback_interval", "1s")

	v.SetDefault("shim.ready_timeout", "10s")
	v.SetDefault("shim.native", false)

	v.SetDefault("sync.request_timeout", "10s")
	v.SetDefault("sync.event_buffer", 64)
	v.SetDefault("sync.worker_queue", 1024)

	// Store defaults
	v.SetDefault("store.local_dsn", "file::memory:")
	v.SetDefault("store.worker_path", "tabsync.db")
	v.SetDefault("store.busy_timeout_ms", 5000)
	v.SetDefault("store.schema", []string{})
	v.SetDefault("store.tables", []string{})

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("bus.listen", ":50070")

	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 500.0)
	v.SetDefault("rate_limiter.burst_size", 50)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.WorkerURL == "" {
		return fmt.Errorf("node worker_url is required")
	}

	switch c.Transport.Kind {
	case "memory":
	case "redis":
		if c.Transport.Redis.Addr == "" {
			return fmt.Errorf("transport redis addr is required")
		}
	case "grpc":
		if c.Transport.GRPC.Address == "" {
			return fmt.Errorf("transport grpc address is required")
		}
	case "gossip":
		if c.Transport.Gossip.BindPort < 0 || c.Transport.Gossip.BindPort > 65535 {
			return fmt.Errorf("invalid gossip bind port: %d", c.Transport.Gossip.BindPort)
		}
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Transport.Kind)
	}

	switch c.Transport.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("unknown transport codec: %q", c.Transport.Codec)
	}

	if c.Election.ResponseTime <= 0 {
		return fmt.Errorf("election response time must be positive")
	}
	if c.Election.HeartbeatInterval <= 0 {
		return fmt.Errorf("election heartbeat interval must be positive")
	}
	if c.Election.LeaderTimeout <= c.Election.HeartbeatInterval {
		return fmt.Errorf("election leader timeout must exceed heartbeat interval")
	}

	if c.Shim.ReadyTimeout <= 0 {
		return fmt.Errorf("shim ready timeout must be positive")
	}
	if c.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync request timeout must be positive")
	}
	if c.Store.WorkerPath == "" {
		return fmt.Errorf("store worker_path is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	return nil
}

// WriteYAML dumps the effective settings as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
