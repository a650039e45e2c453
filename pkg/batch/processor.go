package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/retry"
)

// Prometheus metrics for batch execution.
var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnscan_batches_total",
		Help: "Total number of batches executed",
	})

	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_units_total",
		Help: "Total number of processed units by status",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vulnscan_batch_duration_seconds",
		Help:    "Batch execution duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	unitsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vulnscan_units_in_flight",
		Help: "Number of units currently being looked up",
	})
)

// progressEvery controls how often in-batch progress is logged.
const progressEvery = 25

// RateLimiter paces requests per named resource.
// Implemented by ratelimit.Limiter and ratelimit.RedisLimiter.
type RateLimiter interface {
	Acquire(ctx context.Context, resource string) error
}

// Processor runs one batch at a time against a fixed set of sources.
type Processor struct {
	sources []lookup.Source
	limiter RateLimiter
	cfg     Config
	policy  retry.Policy
	clock   clock.Clock
	logger  zerolog.Logger

	// sems caps concurrent requests per resource.
	sems map[string]*semaphore.Weighted
}

// NewProcessor creates a processor. cfg is expected to be validated.
func NewProcessor(sources []lookup.Source, limiter RateLimiter, cfg Config, clk clock.Clock, logger zerolog.Logger) (*Processor, error) {
	if len(sources) == 0 {
		return nil, errors.New("at least one lookup source is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}

	sems := make(map[string]*semaphore.Weighted, len(sources))
	for _, src := range sources {
		if _, dup := sems[src.Name()]; dup {
			return nil, fmt.Errorf("duplicate lookup source %q", src.Name())
		}
		sems[src.Name()] = semaphore.NewWeighted(int64(cfg.MaxConcurrentRequestsPerResource))
	}

	return &Processor{
		sources: sources,
		limiter: limiter,
		cfg:     cfg,
		policy:  cfg.RetryPolicy(),
		clock:   clk,
		logger:  logger,
		sems:    sems,
	}, nil
}

// Sources returns the names of the configured sources in order.
func (p *Processor) Sources() []string {
	names := make([]string, len(p.sources))
	for i, src := range p.sources {
		names[i] = src.Name()
	}
	return names
}

// RunBatch processes units in order through a worker pool. Dispatch stops
// early when ctx is cancelled or plan.Window has elapsed; the result then
// covers only the dispatched prefix. Units already in flight when ctx is
// cancelled get ShutdownGrace to finish before their lookups are cancelled.
// A failing unit never aborts the batch.
func (p *Processor) RunBatch(ctx context.Context, number int, units []WorkUnit, plan Plan) *BatchResult {
	if plan.Size > 0 && plan.Size < len(units) {
		units = units[:plan.Size]
	}

	start := p.clock.Now()
	result := &BatchResult{
		Number:  number,
		Started: start,
		Planned: len(units),
	}

	p.logger.Info().
		Int("batch", number).
		Int("units", len(units)).
		Dur("window", plan.Window).
		Msg("Starting batch")

	// In-flight lookups survive cancellation of ctx for the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	done := make(chan struct{})
	go p.enforceGrace(ctx, done, cancelWork, number)

	outcomes := make([]UnitOutcome, len(units))
	queue := make(chan int)

	var wg sync.WaitGroup
	workers := min(p.cfg.MaxConcurrentRequestsPerResource, len(units))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(workCtx, units, outcomes, queue, &wg, i)
	}

	dispatched := p.dispatch(ctx, queue, len(units), start, plan.Window)

	wg.Wait()
	close(done)

	result.Outcomes = outcomes[:dispatched]
	result.Elapsed = p.clock.Now().Sub(start)

	succeeded, failed, skipped := result.Counts()
	batchesTotal.Inc()
	batchDuration.Observe(result.Elapsed.Seconds())
	unitsTotal.WithLabelValues(string(StatusSucceeded)).Add(float64(succeeded))
	unitsTotal.WithLabelValues(string(StatusFailed)).Add(float64(failed))
	unitsTotal.WithLabelValues(string(StatusSkipped)).Add(float64(skipped))

	event := p.logger.Info()
	if failed > 0 || skipped > 0 {
		event = p.logger.Warn()
	}
	event.
		Int("batch", number).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("skipped", skipped).
		Int("not_dispatched", len(units)-dispatched).
		Dur("duration", result.Elapsed).
		Msg("Batch complete")

	return result
}

// dispatch feeds unit indexes to the workers and returns how many were
// handed out. The queue is unbuffered, so a unit counts as dispatched only
// once a worker has picked it up.
func (p *Processor) dispatch(ctx context.Context, queue chan<- int, n int, start time.Time, window time.Duration) int {
	defer close(queue)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			p.logger.Info().Int("dispatched", i).Int("planned", n).Msg("Stop requested, no further units dispatched")
			return i
		}
		if window > 0 && i > 0 && p.clock.Now().Sub(start) >= window {
			p.logger.Info().Int("dispatched", i).Dur("window", window).Msg("Batch window elapsed")
			return i
		}

		select {
		case queue <- i:
		case <-ctx.Done():
			p.logger.Info().Int("dispatched", i).Int("planned", n).Msg("Stop requested, no further units dispatched")
			return i
		}
	}
	return n
}

// enforceGrace cancels in-flight work ShutdownGrace after ctx is done,
// unless the batch finishes first.
func (p *Processor) enforceGrace(ctx context.Context, done <-chan struct{}, cancelWork context.CancelFunc, number int) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	p.logger.Warn().
		Int("batch", number).
		Dur("grace", p.cfg.ShutdownGrace).
		Msg("Stop requested, waiting for in-flight units")

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn().Int("batch", number).Msg("Shutdown grace elapsed, cancelling in-flight units")
		cancelWork()
	}
}

// worker processes units from the queue.
func (p *Processor) worker(ctx context.Context, units []WorkUnit, outcomes []UnitOutcome, queue <-chan int, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		unitsInFlight.Inc()
		outcomes[idx] = p.processUnit(ctx, units[idx])
		unitsInFlight.Dec()
		processed++

		if processed%progressEvery == 0 {
			p.logger.Debug().
				Int("worker_id", workerID).
				Int("units_processed", processed).
				Msg("Worker progress")
		}
	}

	if processed > 0 {
		p.logger.Debug().
			Int("worker_id", workerID).
			Int("units_processed", processed).
			Msg("Worker completed")
	}
}

// processUnit looks the unit up in every source concurrently.
func (p *Processor) processUnit(ctx context.Context, unit WorkUnit) UnitOutcome {
	start := p.clock.Now()

	results := make([]lookup.Result, len(p.sources))
	attempts := make([]int, len(p.sources))
	errs := make([]error, len(p.sources))

	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			results[i], attempts[i], errs[i] = p.lookup(ctx, src, unit)
			return errs[i]
		})
	}

	outcome := UnitOutcome{
		Unit:    unit,
		Status:  StatusSucceeded,
		Results: results,
	}

	if g.Wait() != nil {
		outcome.Results = nil
		outcome.Err = errors.Join(errs...)
		outcome.Status = StatusFailed
		if ctx.Err() != nil && errors.Is(outcome.Err, ctx.Err()) {
			outcome.Status = StatusSkipped
		}
	} else if err := outcome.Change().Validate(); err != nil {
		// Rows that cannot be merged would fail every later commit.
		outcome.Results = nil
		outcome.Err = lookup.NewPermanent("report", unit.ID, err)
		outcome.Status = StatusFailed
	}

	for _, n := range attempts {
		outcome.Attempts += n
	}
	outcome.Duration = p.clock.Now().Sub(start)

	switch outcome.Status {
	case StatusFailed:
		p.logger.Warn().
			Err(outcome.Err).
			Str("unit", unit.ID).
			Int("ordinal", unit.Ordinal).
			Int("attempts", outcome.Attempts).
			Msg("Unit failed")
	case StatusSkipped:
		p.logger.Debug().Str("unit", unit.ID).Msg("Unit interrupted")
	default:
		p.logger.Debug().
			Str("unit", unit.ID).
			Int("attempts", outcome.Attempts).
			Dur("duration", outcome.Duration).
			Msg("Unit complete")
	}

	return outcome
}

// lookup performs one source call under the per-resource cap, paced by the
// limiter on every attempt and retried on transient failures. Cached
// results bypass both.
func (p *Processor) lookup(ctx context.Context, src lookup.Source, unit WorkUnit) (lookup.Result, int, error) {
	if peeker, ok := src.(lookup.Peeker); ok {
		if res, hit := peeker.Peek(ctx, unit.ID); hit {
			return res, 0, nil
		}
	}

	name := src.Name()
	sem := p.sems[name]
	if err := sem.Acquire(ctx, 1); err != nil {
		return lookup.Result{}, 0, err
	}
	defer sem.Release(1)

	var result lookup.Result
	attempts, err := p.policy.Do(ctx, name, lookup.IsTransient, func(attempt int) error {
		if err := p.limiter.Acquire(ctx, name); err != nil {
			return err
		}
		res, err := src.Lookup(ctx, unit.ID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return lookup.Result{}, attempts, fmt.Errorf("%s: %w", name, err)
	}

	if result.Source == "" {
		result.Source = name
	}
	return result, attempts, nil
}
