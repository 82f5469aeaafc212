// Package config loads and validates service configuration via Viper.
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
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Credentials  CredentialsConfig  `mapstructure:"credentials"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Dedup        DedupConfig        `mapstructure:"dedup"`
	Storage      StorageConfig      `mapstructure:"storage"`
	RawStore     RawStoreConfig     `mapstructure:"rawstore"`
	Redis        RedisConfig        `mapstructure:"redis"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OrchestratorConfig governs run fan-out and per-call behavior.
type OrchestratorConfig struct {
	ArenaConcurrency   int    `mapstructure:"arena_concurrency"`
	DefaultBatchSize   int    `mapstructure:"default_batch_size"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
	MaxPages           int    `mapstructure:"max_pages"`
	StreamBuffer       int    `mapstructure:"stream_buffer"`
	RawPathPrefix      string `mapstructure:"raw_path_prefix"`
	IngestTopic        string `mapstructure:"ingest_topic"`
}

// CredentialsConfig tunes the credential pool.
type CredentialsConfig struct {
	AcquireTimeoutSeconds  int `mapstructure:"acquire_timeout_seconds"`
	PollIntervalMs         int `mapstructure:"poll_interval_ms"`
	LeaseTTLSeconds        int `mapstructure:"lease_ttl_seconds"`
	DefaultCooldownSeconds int `mapstructure:"default_cooldown_seconds"`
}

// ProviderRateConfig declares one provider's pacing.
type ProviderRateConfig struct {
	RPS           float64 `mapstructure:"rps"`
	Burst         int     `mapstructure:"burst"`
	MinIntervalMs int     `mapstructure:"min_interval_ms"`
}

// RateLimitConfig tunes the shared rate limiter.
type RateLimitConfig struct {
	SlotTimeoutSeconds int                           `mapstructure:"slot_timeout_seconds"`
	Default            ProviderRateConfig            `mapstructure:"default"`
	Providers          map[string]ProviderRateConfig `mapstructure:"providers"`
}

// DedupConfig tunes the near-duplicate pass. A zero threshold disables it.
type DedupConfig struct {
	NearThreshold int `mapstructure:"near_threshold"`
	NearWindow    int `mapstructure:"near_window"`
}

// StorageConfig selects the content/run store backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"` // memory | postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RawStoreConfig selects where raw provider payloads are archived.
type RawStoreConfig struct {
	Backend string `mapstructure:"backend"` // none | memory | local | gcs
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// RedisConfig points the rate limiter at a shared Redis when workers span
// processes. Empty Addr keeps the in-process store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARENA")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("orchestrator.arena_concurrency", 4)
	v.SetDefault("orchestrator.default_batch_size", 25)
	v.SetDefault("orchestrator.call_timeout_seconds", 30)
	v.SetDefault("orchestrator.max_pages", 50)
	v.SetDefault("orchestrator.stream_buffer", 256)
	v.SetDefault("orchestrator.raw_path_prefix", "raw")
	v.SetDefault("orchestrator.ingest_topic", "content-ingested")
	v.SetDefault("credentials.acquire_timeout_seconds", 30)
	v.SetDefault("credentials.poll_interval_ms", 100)
	v.SetDefault("credentials.lease_ttl_seconds", 300)
	v.SetDefault("credentials.default_cooldown_seconds", 60)
	v.SetDefault("ratelimit.slot_timeout_seconds", 30)
	v.SetDefault("ratelimit.default.rps", 1)
	v.SetDefault("ratelimit.default.burst", 1)
	v.SetDefault("dedup.near_threshold", 0)
	v.SetDefault("dedup.near_window", 1000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.max_open_conns", 8)
	v.SetDefault("rawstore.backend", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Orchestrator.ArenaConcurrency <= 0 {
		return fmt.Errorf("orchestrator.arena_concurrency must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.RawStore.Backend {
	case "none", "memory":
	case "local":
		if c.RawStore.BaseDir == "" {
			return fmt.Errorf("rawstore.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.RawStore.Bucket == "" {
			return fmt.Errorf("rawstore.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("rawstore.backend must be none, memory, local, or gcs, got %q", c.RawStore.Backend)
	}
	if c.Dedup.NearThreshold < 0 || c.Dedup.NearThreshold > 64 {
		return fmt.Errorf("dedup.near_threshold must be within [0, 64]")
	}
	return nil
}

// CallTimeout converts the orchestrator timeout to a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Orchestrator.CallTimeoutSeconds) * time.Second
}
