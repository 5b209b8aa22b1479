// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Splitter  SplitterConfig  `mapstructure:"splitter"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig describes the upstream catalog API.
type APIConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	UserAgent string            `mapstructure:"user_agent"`
	PageSize  int               `mapstructure:"page_size"`
	Currency  string            `mapstructure:"currency"`
	Headers   map[string]string `mapstructure:"headers"`
}

// RateLimitConfig tunes the adaptive per-endpoint limiter.
type RateLimitConfig struct {
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`
	DefaultInterval   time.Duration `mapstructure:"default_interval"`
	FastThreshold     time.Duration `mapstructure:"fast_threshold"`
	DecayFactor       float64       `mapstructure:"decay_factor"`
	RateLimitFactor   float64       `mapstructure:"rate_limit_factor"`
	ServerErrorFactor float64       `mapstructure:"server_error_factor"`
	ErrorThreshold    int           `mapstructure:"error_threshold"`
	GlobalRPS         float64       `mapstructure:"global_rps"`
}

// RetryConfig configures the transport retry layer.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SplitterConfig bounds the result size of a single query.
type SplitterConfig struct {
	Threshold int `mapstructure:"threshold"`
	HardLimit int `mapstructure:"hard_limit"`
	MaxUnits  int `mapstructure:"max_units"`
}

// PoolConfig governs the worker pool.
type PoolConfig struct {
	Workers        int           `mapstructure:"workers"`
	Autostart      bool          `mapstructure:"autostart"`
	IdlePoll       time.Duration `mapstructure:"idle_poll"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	PageDelay      time.Duration `mapstructure:"page_delay"`
	MaxSplitDepth  int           `mapstructure:"max_split_depth"`
	MaxTaskRetries int           `mapstructure:"max_task_retries"`
	DepthInterval  time.Duration `mapstructure:"depth_interval"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig points at the Redis deployment holding the durable queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StorageConfig selects where product records and task logs are written.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MongoConfig names the Mongo deployment used for products.
type MongoConfig struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig selects where raw page bodies are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ProjectID      string `mapstructure:"project_id"`
	TopicName      string `mapstructure:"topic_name"`
	ProgressEvents bool   `mapstructure:"progress_events"`
}

// SyncConfig schedules full catalog syncs.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	OnStart  bool          `mapstructure:"on_start"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Supported backend names.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.user_agent", "catalog-crawler/0.1")
	v.SetDefault("api.page_size", 25)
	v.SetDefault("api.currency", "USD")
	v.SetDefault("ratelimit.min_interval", 500*time.Millisecond)
	v.SetDefault("ratelimit.max_interval", 30*time.Second)
	v.SetDefault("ratelimit.default_interval", 2*time.Second)
	v.SetDefault("ratelimit.fast_threshold", 2*time.Second)
	v.SetDefault("ratelimit.decay_factor", 0.95)
	v.SetDefault("ratelimit.rate_limit_factor", 2.0)
	v.SetDefault("ratelimit.server_error_factor", 1.5)
	v.SetDefault("ratelimit.error_threshold", 3)
	v.SetDefault("ratelimit.global_rps", 0)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("splitter.threshold", 4800)
	v.SetDefault("splitter.hard_limit", 5000)
	v.SetDefault("splitter.max_units", 500)
	v.SetDefault("pool.workers", 2)
	v.SetDefault("pool.autostart", true)
	v.SetDefault("pool.idle_poll", 2*time.Second)
	v.SetDefault("pool.error_backoff", time.Second)
	v.SetDefault("pool.page_delay", 500*time.Millisecond)
	v.SetDefault("pool.max_split_depth", 1)
	v.SetDefault("pool.max_task_retries", 3)
	v.SetDefault("pool.depth_interval", 10*time.Second)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.prefix", "crawl")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.table", "products")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.mongo.database", "catalog")
	v.SetDefault("storage.mongo.collection", "products")
	v.SetDefault("storage.mongo.timeout", 10*time.Second)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.local_dir", "data/raw")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.progress_events", false)
	v.SetDefault("sync.interval", 0)
	v.SetDefault("sync.on_start", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("telemetry.tracing", true)
	v.SetDefault("telemetry.service_name", "catalog-crawler")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.PageSize <= 0 {
		return errors.New("api.page_size must be > 0")
	}
	rl := c.RateLimit
	if rl.MinInterval <= 0 || rl.MaxInterval < rl.MinInterval {
		return errors.New("ratelimit.min_interval must be > 0 and <= ratelimit.max_interval")
	}
	if rl.DefaultInterval < rl.MinInterval || rl.DefaultInterval > rl.MaxInterval {
		return errors.New("ratelimit.default_interval must lie within [min_interval, max_interval]")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	if c.Splitter.Threshold <= 0 || c.Splitter.HardLimit < c.Splitter.Threshold {
		return errors.New("splitter.threshold must be > 0 and <= splitter.hard_limit")
	}
	if c.Pool.Workers <= 0 {
		return errors.New("pool.workers must be > 0")
	}
	if c.Pool.PageDelay < 0 {
		return errors.New("pool.page_delay must be >= 0")
	}
	if err := oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Queue.Backend == BackendRedis && c.Queue.Redis.Addr == "" {
		return errors.New("queue.redis.addr is required for the redis backend")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendPostgres, BackendMongo); err != nil {
		return err
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.Postgres.DSN == "" {
		return errors.New("storage.postgres.dsn is required for the postgres backend")
	}
	if c.Storage.Backend == BackendMongo && c.Storage.Mongo.URI == "" {
		return errors.New("storage.mongo.uri is required for the mongo backend")
	}
	if err := oneOf("archive.backend", c.Archive.Backend, BackendNone, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Archive.Backend == BackendGCS && c.Archive.GCSBucket == "" {
		return errors.New("archive.gcs_bucket is required for the gcs backend")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Sync.Interval < 0 {
		return errors.New("sync.interval must be >= 0")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
