// Package config handles configuration loading and validation for the pool.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/tos-network/tos-pool/internal/notify"
)

// Config holds all configuration for the pool.
type Config struct {
	Pool       PoolConfig            `mapstructure:"pool"`
	Node       NodeConfig            `mapstructure:"node"`
	Redis      RedisConfig           `mapstructure:"redis"`
	Connection ConnectionConfig      `mapstructure:"connection"`
	Mining     MiningConfig          `mapstructure:"mining"`
	API        APIConfig             `mapstructure:"api"`
	Security   SecurityConfig       `mapstructure:"security"`
	Notify     notify.WebhookConfig  `mapstructure:"notify"`
	Profiling  ProfilingConfig       `mapstructure:"profiling"`
	NewRelic   NewRelicConfig        `mapstructure:"newrelic"`
	Log        LogConfig             `mapstructure:"log"`
}

// PoolConfig defines pool identity settings.
type PoolConfig struct {
	Name string `mapstructure:"name"`
}

// NodeConfig defines blockchain node connection settings, consumed by the
// Operator's daemon client and its multi-endpoint failover manager.
type NodeConfig struct {
	URL           string           `mapstructure:"url"`
	Timeout       time.Duration    `mapstructure:"timeout"`
	MinerAddress  string           `mapstructure:"miner_address"`
	Upstreams     []UpstreamConfig `mapstructure:"upstreams"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	MaxFailures         int           `mapstructure:"max_failures"`
	RecoveryThreshold   int           `mapstructure:"recovery_threshold"`
}

// UpstreamConfig names one node endpoint in a multi-endpoint failover set.
type UpstreamConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Weight  int           `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings, consumed by the
// Accounting actor.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConnectionConfig defines the Stratum and WebSocket connection adapters.
type ConnectionConfig struct {
	StratumBind      string `mapstructure:"stratum_bind"`
	StratumTLSBind   string `mapstructure:"stratum_tls_bind"`
	TLSCert          string `mapstructure:"tls_cert"`
	TLSKey           string `mapstructure:"tls_key"`
	WebSocketEnabled bool   `mapstructure:"websocket_enabled"`
	WebSocketBind    string `mapstructure:"websocket_bind"`
}

// MiningConfig exposes the coordinator's compile-time constants as
// overridable parameters; defaults match the values the core requires.
type MiningConfig struct {
	QueueDepth          int           `mapstructure:"queue_depth"`
	VardiffCoefficient  float64       `mapstructure:"vardiff_coefficient"`
	PoolModifierDivisor float64       `mapstructure:"pool_modifier_divisor"`
	NoncePurgeInterval  time.Duration `mapstructure:"nonce_purge_interval"`
	BlockTemplatePoll   time.Duration `mapstructure:"block_template_poll"`
}

// APIConfig defines the metrics/status HTTP API settings.
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bind          string        `mapstructure:"bind"`
	StatsCache    time.Duration `mapstructure:"stats_cache"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	AdminEnabled  bool          `mapstructure:"admin_enabled"`
	AdminPassword string        `mapstructure:"admin_password"`
}

// ProfilingConfig defines the optional pprof debug server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines the optional New Relic APM agent.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// SecurityConfig defines connection/ban policy settings.
type SecurityConfig struct {
	MaxConnectionsPerIP  int           `mapstructure:"max_connections_per_ip"`
	MaxWorkersPerAddress int           `mapstructure:"max_workers_per_address"`
	BanThreshold         int           `mapstructure:"ban_threshold"`
	BanDuration          time.Duration `mapstructure:"ban_duration"`
	RateLimitShares      int           `mapstructure:"rate_limit_shares"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tos-pool")
	}

	v.SetEnvPrefix("TOS_POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. Mining defaults mirror
// the coordination engine's compile-time constants.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "TOS Mining Pool")

	v.SetDefault("node.url", "http://127.0.0.1:8545")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.health_check_interval", "15s")
	v.SetDefault("node.health_check_timeout", "5s")
	v.SetDefault("node.max_failures", 3)
	v.SetDefault("node.recovery_threshold", 2)

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("connection.stratum_bind", "0.0.0.0:3333")
	v.SetDefault("connection.stratum_tls_bind", "0.0.0.0:3334")
	v.SetDefault("connection.websocket_enabled", true)
	v.SetDefault("connection.websocket_bind", "0.0.0.0:3335")

	v.SetDefault("mining.queue_depth", 1024)
	v.SetDefault("mining.vardiff_coefficient", 20.0)
	v.SetDefault("mining.pool_modifier_divisor", 10.0)
	v.SetDefault("mining.nonce_purge_interval", "60s")
	v.SetDefault("mining.block_template_poll", "500ms")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.admin_enabled", false)

	v.SetDefault("security.max_connections_per_ip", 100)
	v.SetDefault("security.max_workers_per_address", 256)
	v.SetDefault("security.ban_threshold", 30)
	v.SetDefault("security.ban_duration", "1h")
	v.SetDefault("security.rate_limit_shares", 100)

	v.SetDefault("notify.enabled", false)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "TOS Mining Pool")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}

	if c.Connection.StratumBind == "" {
		return fmt.Errorf("connection.stratum_bind is required")
	}

	if c.Mining.QueueDepth <= 0 {
		return fmt.Errorf("mining.queue_depth must be positive")
	}

	if c.Mining.VardiffCoefficient <= 0 {
		return fmt.Errorf("mining.vardiff_coefficient must be positive")
	}

	if c.Mining.PoolModifierDivisor <= 0 {
		return fmt.Errorf("mining.pool_modifier_divisor must be positive")
	}

	if c.API.AdminEnabled && c.API.AdminPassword == "" {
		return fmt.Errorf("api.admin_password is required when api.admin_enabled is true")
	}

	return nil
}
