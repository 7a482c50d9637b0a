// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Moze54/smartSpider/internal/spider"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig                 `mapstructure:"server"`
	Auth        AuthConfig                   `mapstructure:"auth"`
	Logging     LoggingConfig                `mapstructure:"logging"`
	Fetch       FetchConfig                  `mapstructure:"fetch"`
	Proxy       ProxyConfig                  `mapstructure:"proxy"`
	Limiter     LimiterConfig                `mapstructure:"limiter"`
	Run         RunConfig                    `mapstructure:"run"`
	Credentials CredentialConfig             `mapstructure:"credentials"`
	Progress    ProgressConfig               `mapstructure:"progress"`
	Storage     StorageConfig                `mapstructure:"storage"`
	PubSub      PubSubConfig                 `mapstructure:"pubsub"`
	Tasks       map[string]spider.TaskConfig `mapstructure:"tasks"`
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

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	IgnoreRobots   bool   `mapstructure:"ignore_robots"`
}

// ProxyConfig describes the optional egress proxy pool. An empty URL list
// disables proxying.
type ProxyConfig struct {
	URLs            []string `mapstructure:"urls"`
	MaxFailures     int      `mapstructure:"max_failures"`
	CooldownSeconds int      `mapstructure:"cooldown_seconds"`
}

// LimiterConfig governs the engine-wide admission budgets.
type LimiterConfig struct {
	GlobalConcurrency int     `mapstructure:"global_concurrency"`
	PerDomainRPS      float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst    int     `mapstructure:"per_domain_burst"`
	MaxWaitSeconds    int     `mapstructure:"max_wait_seconds"`
}

// RunConfig tunes coordinator cadences shared by all runs.
type RunConfig struct {
	CheckpointIntervalSeconds int `mapstructure:"checkpoint_interval_seconds"`
	ReclaimIntervalSeconds    int `mapstructure:"reclaim_interval_seconds"`
	LeaseTTLSeconds           int `mapstructure:"lease_ttl_seconds"`
}

// CredentialConfig tunes the credential lease manager.
type CredentialConfig struct {
	LeaseTTLSeconds      int `mapstructure:"lease_ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// ProgressConfig sizes the event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Backend selects the checkpoint/item/seen stores: memory, postgres,
	// or redis (redis keeps items in memory).
	Backend string `mapstructure:"backend"`
	// BlobBackend selects the raw page archive: none, local, or gcs.
	BlobBackend string      `mapstructure:"blob_backend"`
	Postgres    DBConfig    `mapstructure:"postgres"`
	Redis       RedisConfig `mapstructure:"redis"`
	LocalDir    string      `mapstructure:"local_dir"`
	GCSBucket   string      `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER")
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
	v.SetDefault("fetch.user_agent", "smartspider/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.ignore_robots", false)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.cooldown_seconds", 300)
	v.SetDefault("limiter.global_concurrency", 8)
	v.SetDefault("limiter.per_domain_rps", 1.0)
	v.SetDefault("limiter.per_domain_burst", 1)
	v.SetDefault("limiter.max_wait_seconds", 30)
	v.SetDefault("run.checkpoint_interval_seconds", 10)
	v.SetDefault("run.reclaim_interval_seconds", 30)
	v.SetDefault("run.lease_ttl_seconds", 120)
	v.SetDefault("credentials.lease_ttl_seconds", 300)
	v.SetDefault("credentials.sweep_interval_seconds", 30)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.blob_backend", "none")
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.ttl_seconds", 7*24*3600)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	for _, raw := range c.Proxy.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy url %q is not absolute", raw)
		}
	}
	if c.Limiter.GlobalConcurrency <= 0 {
		return fmt.Errorf("limiter.global_concurrency must be > 0")
	}
	if c.Limiter.PerDomainRPS < 0 {
		return fmt.Errorf("limiter.per_domain_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres, redis", c.Storage.Backend)
	}
	switch c.Storage.BlobBackend {
	case "none", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs blob backend")
		}
	default:
		return fmt.Errorf("storage.blob_backend %q is not one of none, local, gcs", c.Storage.BlobBackend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// LimiterMaxWait converts the limiter bounded wait into a duration.
func (c Config) LimiterMaxWait() time.Duration {
	return time.Duration(c.Limiter.MaxWaitSeconds) * time.Second
}
