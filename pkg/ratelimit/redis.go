package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vulnscan/pkg/clock"
)

var redisFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vulnscan_ratelimit_redis_fallbacks_total",
	Help: "Total number of acquisitions paced locally because Redis was unavailable",
}, []string{"resource"})

// nextSlotScript atomically claims the next request slot for a resource.
// KEYS[1] holds the next free slot and KEYS[2] the quota's theoretical
// arrival time, both in unix micros. ARGV = now, interval, ttl(ms), quota
// emission interval (0 disables the quota), quota burst.
// The script runs as a single Redis command, so the check and the update can
// never be split between two scanner processes.
var nextSlotScript = redis.NewScript(`
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local emission = tonumber(ARGV[4])
local slot = now
if next > slot then
  slot = next
end
if emission > 0 then
  local burst = tonumber(ARGV[5])
  local tat = tonumber(redis.call('GET', KEYS[2]) or '0')
  local base = math.max(tat, slot)
  local earliest = base + emission - burst * emission
  if earliest > slot then
    slot = earliest
  end
  redis.call('SET', KEYS[2], math.max(tat, slot) + emission, 'PX', ARGV[3])
end
redis.call('SET', KEYS[1], slot + interval, 'PX', ARGV[3])
return slot
`)

// minKeyTTL bounds how long an idle resource keeps its pacing key.
const minKeyTTL = time.Minute

// RedisLimiter paces requests across every scanner process sharing one Redis.
// It implements the same contract as Limiter. When Redis cannot be reached the
// acquisition is paced by an in-process Limiter instead and a warning is logged.
type RedisLimiter struct {
	redis    *redis.Client
	mu       sync.RWMutex
	limits   Limits
	fallback time.Duration
	local    *Limiter
	clock    clock.Clock
	logger   zerolog.Logger

	onGrant func(resource string, slot time.Time)
}

// NewRedisLimiter creates a distributed limiter.
func NewRedisLimiter(redisClient *redis.Client, limits Limits, clk clock.Clock, logger zerolog.Logger) *RedisLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisLimiter{
		redis:    redisClient,
		limits:   limits.Merge(nil),
		fallback: DefaultInterval,
		local:    NewLimiter(limits, clk, logger),
		clock:    clk,
		logger:   logger,
	}
}

// SetDefaultInterval changes the interval used for unconfigured resources.
func (l *RedisLimiter) SetDefaultInterval(d time.Duration) {
	if d < 0 {
		return
	}
	l.mu.Lock()
	l.fallback = d
	l.mu.Unlock()
	l.local.SetDefaultInterval(d)
}

// SetInterval changes the pacing interval of a resource at runtime. It only
// affects this process; the slot already stored in Redis keeps the spacing
// of the request that claimed it.
func (l *RedisLimiter) SetInterval(name string, d time.Duration) {
	l.mu.Lock()
	limit := l.limits.For(name, l.fallback)
	limit.Interval = d
	l.limits[name] = limit
	l.mu.Unlock()
	l.local.SetInterval(name, d)
}

// Interval returns the pacing interval currently applied to a resource.
func (l *RedisLimiter) Interval(name string) time.Duration {
	return l.limit(name).Interval
}

func (l *RedisLimiter) limit(name string) Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits.For(name, l.fallback)
}

// quotaKey returns the Redis key holding the quota state of a resource.
func (l *RedisLimiter) quotaKey(name string) string {
	return RedisKeyPrefix + name + ":quota"
}

// key returns the Redis key holding the pacing state of a resource.
func (l *RedisLimiter) key(name string) string {
	return RedisKeyPrefix + name
}

// Acquire blocks until one request to the named resource may be issued.
func (l *RedisLimiter) Acquire(ctx context.Context, name string) error {
	limit := l.limit(name)

	ttl := max(10*limit.Interval, minKeyTTL)
	var emission time.Duration
	burst := 0
	if limit.HasQuota() {
		emission = limit.Window / time.Duration(limit.Requests)
		burst = limit.Requests
		ttl = max(ttl, 2*limit.Window)
	}

	now := l.clock.Now()
	slotMicros, err := nextSlotScript.Run(ctx, l.redis,
		[]string{l.key(name), l.quotaKey(name)},
		now.UnixMicro(), limit.Interval.Microseconds(), ttl.Milliseconds(),
		emission.Microseconds(), burst,
	).Int64()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		l.logger.Warn().
			Err(err).
			Str("resource", name).
			Msg("Redis pacing unavailable, falling back to local rate limiter")
		redisFallbacksTotal.WithLabelValues(name).Inc()

		return l.local.Acquire(ctx, name)
	}

	slot := time.UnixMicro(slotMicros)
	wait := slot.Sub(now)
	if wait > 0 {
		l.logger.Debug().
			Str("resource", name).
			Dur("wait", wait).
			Msg("Waiting for shared rate limit slot")

		if err := l.clock.Sleep(ctx, wait); err != nil {
			cancelledWaitsTotal.WithLabelValues(name).Inc()
			return fmt.Errorf("wait for %s slot: %w", name, err)
		}
		waitSecondsTotal.WithLabelValues(name).Add(wait.Seconds())
	}

	acquisitionsTotal.WithLabelValues(name).Inc()
	if l.onGrant != nil {
		l.onGrant(name, slot)
	}

	return nil
}
