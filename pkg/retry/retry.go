// Package retry provides the bounded-attempt retry policy applied around every
// external lookup call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// ErrRetryExhausted is returned when all attempts failed with retryable errors.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"op"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vulnscan_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"op"})
)

// Policy is an explicit bounded-attempt retry policy with exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first one.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between two attempts.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after every retry.
	Multiplier float64

	// Jitter is the randomization factor applied to each backoff (0.2 = ±20%).
	Jitter float64
}

// DefaultPolicy returns the default retry policy: three retries after the first attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// backOff builds the backoff schedule for one Do call.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Do calls fn until it succeeds, returns an error that retryable rejects, the
// attempts are used up, or ctx is done. fn receives the 1-based attempt number.
// It returns the number of attempts made. Exhaustion wraps ErrRetryExhausted
// together with the last error.
func (p Policy) Do(ctx context.Context, op string, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var (
		attempts  int
		lastErr   error
		permanent bool
	)

	operation := func() error {
		attempts++
		err := fn(attempts)
		if err == nil {
			return nil
		}

		lastErr = err
		if retryable != nil && !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(op).Inc()
		retryBackoffSeconds.WithLabelValues(op).Observe(wait.Seconds())

		log.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("Retrying after backoff")
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	switch {
	case err == nil:
		if attempts > 1 {
			log.Info().
				Str("op", op).
				Int("attempt", attempts).
				Msg("Operation succeeded after retry")
		}
		return attempts, nil

	case permanent:
		return attempts, lastErr

	case ctx.Err() != nil && attempts < p.MaxAttempts:
		log.Warn().
			Str("op", op).
			Int("attempt", attempts).
			Msg("Context cancelled during retry backoff")
		return attempts, fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
	}

	retryExhaustedTotal.WithLabelValues(op).Inc()
	log.Warn().
		Err(lastErr).
		Str("op", op).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}
