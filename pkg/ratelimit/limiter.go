package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/vulnscan/pkg/clock"
)

// Prometheus metrics for request pacing.
var (
	acquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_ratelimit_acquisitions_total",
		Help: "Total number of granted request slots by resource",
	}, []string{"resource"})

	waitSecondsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_ratelimit_wait_seconds_total",
		Help: "Cumulative time callers spent waiting for a request slot by resource",
	}, []string{"resource"})

	cancelledWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_ratelimit_cancelled_waits_total",
		Help: "Total number of acquisitions abandoned because the caller was cancelled",
	}, []string{"resource"})
)

// resource is the serialization point for a single external resource.
// next is the earliest time the following request may be issued; reading and
// advancing it happens under mu in one step, so concurrent callers cannot
// observe the same free slot. last is when the previous request was actually
// let through, which can trail its slot when its holder woke up late.
type resource struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	last     time.Time
	quota    *rate.Limiter
}

// reserve claims the next slot at or after now.
func (r *resource) reserve(now time.Time) (slot time.Time, quota *rate.Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot = now
	if r.quota != nil {
		quota = r.quota.ReserveN(now, 1)
		if quota.OK() {
			slot = now.Add(quota.DelayFrom(now))
		}
	}

	if r.next.After(slot) {
		slot = r.next
	}
	r.next = slot.Add(r.interval)

	return slot, quota
}

// grant lets a woken caller through at now, or returns how much longer it
// must wait to stay one interval behind the previously granted request.
func (r *resource) grant(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.last.IsZero() {
		if wait := r.last.Add(r.interval).Sub(now); wait > 0 {
			return wait
		}
	}
	r.last = now
	if next := now.Add(r.interval); next.After(r.next) {
		r.next = next
	}
	return 0
}

// release gives a slot back when its holder abandoned the wait. Only the most
// recently reserved slot can be returned; earlier ones leave a gap, which is
// always safe.
func (r *resource) release(slot time.Time, quota *rate.Reservation, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next.Equal(slot.Add(r.interval)) {
		r.next = slot
	}
	if quota != nil {
		quota.CancelAt(now)
	}
}

// Limiter is the process-wide pacing capability. One Limiter is created per
// scan and handed explicitly to every component that issues requests.
type Limiter struct {
	mu        sync.Mutex
	resources map[string]*resource
	limits    Limits
	fallback  time.Duration
	clock     clock.Clock
	logger    zerolog.Logger

	// onGrant is invoked with the granted slot of every successful acquisition.
	onGrant func(resource string, slot time.Time)
}

// NewLimiter creates a limiter with per-resource limits. Resources missing
// from limits are paced at DefaultInterval.
func NewLimiter(limits Limits, clk clock.Clock, logger zerolog.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	// SetInterval writes to the table, so keep the caller's map untouched.
	limits = limits.Merge(nil)

	return &Limiter{
		resources: make(map[string]*resource),
		limits:    limits,
		fallback:  DefaultInterval,
		clock:     clk,
		logger:    logger,
	}
}

// SetDefaultInterval changes the interval used for unconfigured resources
// that have not been seen yet.
func (l *Limiter) SetDefaultInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d >= 0 {
		l.fallback = d
	}
}

// SetInterval changes the pacing interval of a resource at runtime.
func (l *Limiter) SetInterval(name string, d time.Duration) {
	r := l.resource(name)

	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()

	l.mu.Lock()
	limit := l.limits.For(name, l.fallback)
	limit.Interval = d
	l.limits[name] = limit
	l.mu.Unlock()
}

// Interval returns the pacing interval currently applied to a resource.
func (l *Limiter) Interval(name string) time.Duration {
	r := l.resource(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// resource returns the serialization point for name, creating it on first use.
func (l *Limiter) resource(name string) *resource {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.resources[name]; ok {
		return r
	}

	limit := l.limits.For(name, l.fallback)
	r := &resource{interval: limit.Interval}
	if limit.HasQuota() {
		r.quota = rate.NewLimiter(rate.Every(limit.Window/time.Duration(limit.Requests)), limit.Requests)
	}
	l.resources[name] = r

	return r
}

// Acquire blocks until one request to the named resource may be issued.
// It never fails on its own; the only error is the caller's context error
// when it gives up waiting, in which case no request slot was consumed.
// Consecutive returns for one resource are at least its interval apart.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	r := l.resource(name)

	now := l.clock.Now()
	slot, quota := r.reserve(now)
	wait := slot.Sub(now)

	if wait > 0 {
		l.logger.Debug().
			Str("resource", name).
			Dur("wait", wait).
			Msg("Waiting for rate limit slot")
	}

	var waited time.Duration
	for {
		if wait > 0 {
			if err := l.clock.Sleep(ctx, wait); err != nil {
				r.release(slot, quota, l.clock.Now())
				cancelledWaitsTotal.WithLabelValues(name).Inc()
				return err
			}
			waited += wait
			now = l.clock.Now()
		}
		if wait = r.grant(now); wait <= 0 {
			break
		}
	}
	if waited > 0 {
		waitSecondsTotal.WithLabelValues(name).Add(waited.Seconds())
	}

	acquisitionsTotal.WithLabelValues(name).Inc()
	if l.onGrant != nil {
		l.onGrant(name, now)
	}

	return nil
}
