package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/cache"
	"github.com/Sternrassler/vulnscan/pkg/checkpoint"
	"github.com/Sternrassler/vulnscan/pkg/client"
	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/logging"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/progress"
	"github.com/Sternrassler/vulnscan/pkg/ratelimit"
)

// engine holds the collaborators of one scan.
type engine struct {
	sources []lookup.Source
	limiter batch.RateLimiter
	ledger  *progress.SQLiteLedger
	redis   *redis.Client
}

func (e *engine) Close() {
	if e.ledger != nil {
		e.ledger.Close()
	}
	if e.redis != nil {
		e.redis.Close()
	}
}

// buildEngine connects the optional Redis and ledger and builds the lookup
// sources and the rate limiter.
func (a *app) buildEngine(ctx context.Context) (*engine, error) {
	e := &engine{}

	if a.cfg.Redis.Enabled() {
		rc, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		e.redis = rc
	}

	osv, err := client.New(client.Config{
		BaseURL:   a.cfg.OSV.URL,
		UserAgent: a.cfg.OSV.UserAgent,
		Timeout:   a.cfg.OSV.Timeout,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create OSV client: %w", err)
	}

	var source lookup.Source = osv
	if e.redis != nil && a.cfg.Cache.TTL > 0 {
		source = cache.Wrap(osv, cache.NewManager(e.redis), a.cfg.Cache.TTL, logging.NewLogger("cache"))
	}
	e.sources = []lookup.Source{source}
	e.limiter = a.buildLimiter(e.redis)

	if path := a.cfg.Progress.Ledger; path != "" {
		ledger, err := progress.OpenSQLiteLedger(path)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.ledger = ledger
	}

	return e, nil
}

func (a *app) openRedis(ctx context.Context) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}

	a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis")
	return rc, nil
}

// buildLimiter shares pacing through Redis when it is configured.
func (a *app) buildLimiter(rc *redis.Client) batch.RateLimiter {
	logger := logging.NewLogger("ratelimit")
	limits := a.cfg.RateLimit.Limits

	if rc != nil {
		l := ratelimit.NewRedisLimiter(rc, limits, clock.Real{}, logger)
		l.SetDefaultInterval(a.cfg.RateLimit.DefaultInterval)
		return l
	}

	l := ratelimit.NewLimiter(limits, clock.Real{}, logger)
	l.SetDefaultInterval(a.cfg.RateLimit.DefaultInterval)
	return l
}

func (a *app) checkpointManager() (*checkpoint.Manager, error) {
	mgr, err := checkpoint.NewManager(a.cfg.Checkpoint.Dir, nil, clock.Real{}, logging.NewLogger("checkpoint"))
	if err != nil {
		return nil, err
	}
	if a.cfg.Checkpoint.Retention > 0 {
		mgr.Retention = a.cfg.Checkpoint.Retention
	}
	return mgr, nil
}
