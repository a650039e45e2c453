// Package config loads scanner settings from defaults, an optional YAML
// file and VULNSCAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/checkpoint"
	"github.com/Sternrassler/vulnscan/pkg/client"
	"github.com/Sternrassler/vulnscan/pkg/logging"
	"github.com/Sternrassler/vulnscan/pkg/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. VULNSCAN_BATCH_DEFAULT_SIZE.
const EnvPrefix = "VULNSCAN"

// Config holds all scanner settings.
type Config struct {
	Batch      batch.Config
	RateLimit  RateLimit
	Redis      Redis
	Checkpoint Checkpoint
	Progress   Progress
	Cache      Cache
	OSV        OSV
	Log        Log
	Metrics    Metrics
}

// RateLimit holds pacing settings for the external sources.
type RateLimit struct {
	DefaultInterval time.Duration
	Limits          ratelimit.Limits
}

// Redis is optional. An empty Addr keeps pacing in-process and disables the
// lookup cache.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis server is configured.
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

// Checkpoint holds checkpoint storage settings.
type Checkpoint struct {
	Dir       string
	Retention time.Duration
}

// Progress holds the optional SQLite outcome ledger path.
type Progress struct {
	Ledger string
}

// Cache holds lookup cache settings.
type Cache struct {
	TTL time.Duration
}

// OSV holds the OSV API client settings.
type OSV struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Log holds logger settings.
type Log struct {
	Level  logging.LogLevel
	Pretty bool
}

// Metrics holds the metrics endpoint address. Empty disables it.
type Metrics struct {
	Addr string
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	d := batch.DefaultConfig()

	v.SetDefault("batch.strategy", string(d.Strategy))
	v.SetDefault("batch.default_size", d.DefaultBatchSize)
	v.SetDefault("batch.min_size", d.MinBatchSize)
	v.SetDefault("batch.max_size", d.MaxBatchSize)
	v.SetDefault("batch.checkpoint_frequency", d.CheckpointFrequency)
	v.SetDefault("batch.memory_threshold", d.MemoryThreshold)
	v.SetDefault("batch.time_interval", d.TimeInterval)
	v.SetDefault("batch.max_concurrent_requests_per_resource", d.MaxConcurrentRequestsPerResource)
	v.SetDefault("batch.atomic_operations", d.AtomicOperations)
	v.SetDefault("batch.cleanup_on_success", d.CleanupOnSuccess)
	v.SetDefault("batch.max_retry_attempts", d.MaxRetryAttempts)
	v.SetDefault("batch.retry_initial_backoff", d.RetryInitialBackoff)
	v.SetDefault("batch.retry_max_backoff", d.RetryMaxBackoff)
	v.SetDefault("batch.shutdown_grace", d.ShutdownGrace)

	v.SetDefault("ratelimit.default_interval", ratelimit.DefaultInterval)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("checkpoint.dir", ".vulnscan/checkpoints")
	v.SetDefault("checkpoint.retention", checkpoint.DefaultRetention)

	v.SetDefault("progress.ledger", "")
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("sources.osv.url", client.DefaultBaseURL)
	v.SetDefault("sources.osv.user_agent", "vulnscan/dev")
	v.SetDefault("sources.osv.timeout", 30*time.Second)

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a configuration file into v. An empty path searches
// ./vulnscan.yaml and $HOME/.vulnscan/config.yaml; not finding either is
// not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("vulnscan")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.vulnscan")

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		v.SetConfigName("config")
		err = v.ReadInConfig()
		if errors.As(err, &notFound) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load reads the file at path (or the search paths) and decodes it.
func Load(path string) (*Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode builds a Config from v. Batch values are taken as given;
// batch.Config.Validate replaces out-of-range values later.
func Decode(v *viper.Viper) (*Config, error) {
	level, err := logging.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, err
	}

	limits, err := decodeLimits(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		Batch: batch.Config{
			Strategy:                         batch.StrategyName(v.GetString("batch.strategy")),
			DefaultBatchSize:                 v.GetInt("batch.default_size"),
			MinBatchSize:                     v.GetInt("batch.min_size"),
			MaxBatchSize:                     v.GetInt("batch.max_size"),
			CheckpointFrequency:              v.GetInt("batch.checkpoint_frequency"),
			MemoryThreshold:                  v.GetFloat64("batch.memory_threshold"),
			TimeInterval:                     v.GetDuration("batch.time_interval"),
			MaxConcurrentRequestsPerResource: v.GetInt("batch.max_concurrent_requests_per_resource"),
			AtomicOperations:                 v.GetBool("batch.atomic_operations"),
			CleanupOnSuccess:                 v.GetBool("batch.cleanup_on_success"),
			MaxRetryAttempts:                 v.GetInt("batch.max_retry_attempts"),
			RetryInitialBackoff:              v.GetDuration("batch.retry_initial_backoff"),
			RetryMaxBackoff:                  v.GetDuration("batch.retry_max_backoff"),
			ShutdownGrace:                    v.GetDuration("batch.shutdown_grace"),
		},
		RateLimit: RateLimit{
			DefaultInterval: v.GetDuration("ratelimit.default_interval"),
			Limits:          limits,
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Checkpoint: Checkpoint{
			Dir:       v.GetString("checkpoint.dir"),
			Retention: v.GetDuration("checkpoint.retention"),
		},
		Progress: Progress{Ledger: v.GetString("progress.ledger")},
		Cache:    Cache{TTL: v.GetDuration("cache.ttl")},
		OSV: OSV{
			URL:       v.GetString("sources.osv.url"),
			UserAgent: v.GetString("sources.osv.user_agent"),
			Timeout:   v.GetDuration("sources.osv.timeout"),
		},
		Log:     Log{Level: level, Pretty: v.GetBool("log.pretty")},
		Metrics: Metrics{Addr: v.GetString("metrics.addr")},
	}, nil
}

// decodeLimits merges ratelimit.intervals.<resource> and
// ratelimit.quotas.<resource> ("N/duration") over the built-in limits.
func decodeLimits(v *viper.Viper) (ratelimit.Limits, error) {
	overrides := ratelimit.Limits{}

	for resource, raw := range v.GetStringMapString("ratelimit.intervals") {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("ratelimit.intervals.%s: invalid duration %q", resource, raw)
		}
		limit := ratelimit.DefaultLimits().For(resource, d)
		limit.Interval = d
		overrides[resource] = limit
	}

	for resource, raw := range v.GetStringMapString("ratelimit.quotas") {
		requests, window, err := ratelimit.ParseQuota(raw)
		if err != nil {
			return nil, fmt.Errorf("ratelimit.quotas.%s: %w", resource, err)
		}
		limit, ok := overrides[resource]
		if !ok {
			limit = ratelimit.DefaultLimits().For(resource, v.GetDuration("ratelimit.default_interval"))
		}
		limit.Requests, limit.Window = requests, window
		overrides[resource] = limit
	}

	return ratelimit.DefaultLimits().Merge(overrides), nil
}
