// Package batch partitions a work list into batches and executes one batch
// at a time: every unit is looked up in every source, with per-resource
// concurrency caps, rate-limit pacing on each attempt and bounded retries.
package batch

import (
	"fmt"
	"time"

	"github.com/Sternrassler/vulnscan/pkg/retry"
)

// StrategyName selects how batch boundaries are chosen.
type StrategyName string

// Supported strategies.
const (
	FixedSize      StrategyName = "fixed-size"
	MemoryAdaptive StrategyName = "memory-adaptive"
	TimeBased      StrategyName = "time-based"
)

// Documented defaults. Invalid configuration values fall back to these.
const (
	DefaultStrategy            = FixedSize
	DefaultBatchSize           = 10
	DefaultMinBatchSize        = 1
	DefaultMaxBatchSize        = 100
	DefaultCheckpointFrequency = 5
	DefaultMemoryThreshold     = 0.8
	DefaultTimeInterval        = 5 * time.Minute
	DefaultMaxConcurrent       = 5
	DefaultMaxRetryAttempts    = 3
	DefaultRetryInitialBackoff = 1 * time.Second
	DefaultRetryMaxBackoff     = 30 * time.Second
	DefaultShutdownGrace       = 30 * time.Second
)

// Config is the batch configuration of one scan. It is validated once and
// not modified afterwards.
type Config struct {
	Strategy            StrategyName  `json:"strategy"`
	DefaultBatchSize    int           `json:"default_batch_size"`
	MinBatchSize        int           `json:"min_batch_size"`
	MaxBatchSize        int           `json:"max_batch_size"`
	CheckpointFrequency int           `json:"checkpoint_frequency"`
	MemoryThreshold     float64       `json:"memory_threshold"`
	TimeInterval        time.Duration `json:"time_interval"`

	MaxConcurrentRequestsPerResource int `json:"max_concurrent_requests_per_resource"`

	AtomicOperations bool `json:"atomic_operations"`
	CleanupOnSuccess bool `json:"cleanup_on_success"`

	// MaxRetryAttempts is the number of retries after the first attempt.
	MaxRetryAttempts    int           `json:"max_retry_attempts"`
	RetryInitialBackoff time.Duration `json:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `json:"retry_max_backoff"`

	// ShutdownGrace bounds how long in-flight units may run after a stop signal.
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:                         DefaultStrategy,
		DefaultBatchSize:                 DefaultBatchSize,
		MinBatchSize:                     DefaultMinBatchSize,
		MaxBatchSize:                     DefaultMaxBatchSize,
		CheckpointFrequency:              DefaultCheckpointFrequency,
		MemoryThreshold:                  DefaultMemoryThreshold,
		TimeInterval:                     DefaultTimeInterval,
		MaxConcurrentRequestsPerResource: DefaultMaxConcurrent,
		AtomicOperations:                 true,
		CleanupOnSuccess:                 true,
		MaxRetryAttempts:                 DefaultMaxRetryAttempts,
		RetryInitialBackoff:              DefaultRetryInitialBackoff,
		RetryMaxBackoff:                  DefaultRetryMaxBackoff,
		ShutdownGrace:                    DefaultShutdownGrace,
	}
}

// Validate returns a copy of c in which every invalid value is replaced by
// its default, together with one warning per replacement. It never fails.
func (c Config) Validate() (Config, []string) {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	switch c.Strategy {
	case FixedSize, MemoryAdaptive, TimeBased:
	default:
		warn("unknown strategy %q, using %s", c.Strategy, DefaultStrategy)
		c.Strategy = DefaultStrategy
	}

	if c.MaxBatchSize < 1 || c.MaxBatchSize > DefaultMaxBatchSize {
		warn("max_batch_size %d outside [1, %d], using %d", c.MaxBatchSize, DefaultMaxBatchSize, DefaultMaxBatchSize)
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MinBatchSize < 1 || c.MinBatchSize > c.MaxBatchSize {
		warn("min_batch_size %d outside [1, %d], using %d", c.MinBatchSize, c.MaxBatchSize, DefaultMinBatchSize)
		c.MinBatchSize = DefaultMinBatchSize
	}
	if c.DefaultBatchSize < c.MinBatchSize || c.DefaultBatchSize > c.MaxBatchSize {
		fallback := clamp(DefaultBatchSize, c.MinBatchSize, c.MaxBatchSize)
		warn("default_batch_size %d outside [%d, %d], using %d", c.DefaultBatchSize, c.MinBatchSize, c.MaxBatchSize, fallback)
		c.DefaultBatchSize = fallback
	}

	if c.CheckpointFrequency < 1 {
		warn("checkpoint_frequency %d < 1, using %d", c.CheckpointFrequency, DefaultCheckpointFrequency)
		c.CheckpointFrequency = DefaultCheckpointFrequency
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold >= 1 {
		warn("memory_threshold %v outside (0, 1), using %v", c.MemoryThreshold, DefaultMemoryThreshold)
		c.MemoryThreshold = DefaultMemoryThreshold
	}
	if c.TimeInterval <= 0 {
		warn("time_interval %v not positive, using %v", c.TimeInterval, DefaultTimeInterval)
		c.TimeInterval = DefaultTimeInterval
	}
	if c.MaxConcurrentRequestsPerResource < 1 {
		warn("max_concurrent_requests_per_resource %d < 1, using %d", c.MaxConcurrentRequestsPerResource, DefaultMaxConcurrent)
		c.MaxConcurrentRequestsPerResource = DefaultMaxConcurrent
	}
	if c.MaxRetryAttempts < 0 {
		warn("max_retry_attempts %d < 0, using %d", c.MaxRetryAttempts, DefaultMaxRetryAttempts)
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.RetryInitialBackoff <= 0 {
		warn("retry_initial_backoff %v not positive, using %v", c.RetryInitialBackoff, DefaultRetryInitialBackoff)
		c.RetryInitialBackoff = DefaultRetryInitialBackoff
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		warn("retry_max_backoff %v below retry_initial_backoff, using %v", c.RetryMaxBackoff, c.RetryInitialBackoff)
		c.RetryMaxBackoff = c.RetryInitialBackoff
	}
	if c.ShutdownGrace < 0 {
		warn("shutdown_grace %v negative, using %v", c.ShutdownGrace, DefaultShutdownGrace)
		c.ShutdownGrace = DefaultShutdownGrace
	}

	return c, warnings
}

// RetryPolicy returns the retry policy applied around each lookup call.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxRetryAttempts + 1
	p.InitialBackoff = c.RetryInitialBackoff
	p.MaxBackoff = c.RetryMaxBackoff
	return p
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
