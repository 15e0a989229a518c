// Package config loads and validates crawl coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Events       EventsConfig       `mapstructure:"events"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Checkpoints  CheckpointConfig   `mapstructure:"checkpoints"`
	Fingerprints FingerprintConfig  `mapstructure:"fingerprints"`
	Fetcher      FetcherConfig      `mapstructure:"fetcher"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// OrchestratorConfig governs job lifecycle policy.
type OrchestratorConfig struct {
	AutoCheckpointInterval int     `mapstructure:"auto_checkpoint_interval"`
	KeepCheckpoints        int     `mapstructure:"keep_checkpoints"`
	FailureThreshold       float64 `mapstructure:"failure_threshold"`
	MinFailureSample       int     `mapstructure:"min_failure_sample"`
}

// EventsConfig sizes the in-memory event bus.
type EventsConfig struct {
	RingCapacity     int `mapstructure:"ring_capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// MetricsConfig tunes the metrics aggregator.
type MetricsConfig struct {
	ResourceSampleSeconds int `mapstructure:"resource_sample_seconds"`
}

// CheckpointConfig selects and configures the checkpoint store backend.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // "memory" or "fs"
	Dir     string `mapstructure:"dir"`
}

// FingerprintConfig selects and configures the fingerprint store backend.
type FingerprintConfig struct {
	Backend       string `mapstructure:"backend"` // "memory" or "redis"
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// FetcherConfig tunes the bundled HTTP fetch worker. PerHostRPS of zero
// disables per-host rate limiting.
type FetcherConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	Burst          int     `mapstructure:"burst"`
}

// DBConfig controls access to the relational job store. When DSN is empty the
// service runs against the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe event egress.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("orchestrator.auto_checkpoint_interval", 100)
	v.SetDefault("orchestrator.keep_checkpoints", 3)
	v.SetDefault("orchestrator.failure_threshold", 0.0)
	v.SetDefault("orchestrator.min_failure_sample", 10)
	v.SetDefault("events.ring_capacity", 1000)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("metrics.resource_sample_seconds", 30)
	v.SetDefault("checkpoints.backend", "memory")
	v.SetDefault("fingerprints.backend", "memory")
	v.SetDefault("fingerprints.redis_addr", "localhost:6379")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.per_host_rps", 2.0)
	v.SetDefault("fetcher.burst", 4)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Orchestrator.FailureThreshold < 0 || c.Orchestrator.FailureThreshold > 1 {
		return fmt.Errorf("orchestrator.failure_threshold must be in [0, 1]")
	}
	switch c.Checkpoints.Backend {
	case "memory":
	case "fs":
		if c.Checkpoints.Dir == "" {
			return fmt.Errorf("checkpoints.dir must be set for the fs backend")
		}
	default:
		return fmt.Errorf("checkpoints.backend must be memory or fs")
	}
	switch c.Fingerprints.Backend {
	case "memory":
	case "redis":
		if c.Fingerprints.RedisAddr == "" {
			return fmt.Errorf("fingerprints.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("fingerprints.backend must be memory or redis")
	}
	if c.Fetcher.PerHostRPS < 0 {
		return fmt.Errorf("fetcher.per_host_rps must be >= 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// RequestTimeout converts the server timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
