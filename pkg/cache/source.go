package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// Source wraps a lookup.Source with a result cache. Only successful results
// are cached; cache failures degrade to a direct lookup.
type Source struct {
	next   lookup.Source
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// Wrap returns next decorated with the cache.
func Wrap(next lookup.Source, store Store, ttl time.Duration, logger zerolog.Logger) *Source {
	return &Source{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "lookup-cache").Str("source", next.Name()).Logger(),
	}
}

// Name implements lookup.Source. The cache is transparent, so the name and
// rate-limited resource are those of the wrapped source.
func (s *Source) Name() string {
	return s.next.Name()
}

// Peek implements lookup.Peeker. A hit needs no request to the source.
func (s *Source) Peek(ctx context.Context, unitID string) (lookup.Result, bool) {
	key := Key{Source: s.next.Name(), Unit: unitID}

	entry, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		CacheHits.WithLabelValues(key.Source).Inc()
		s.logger.Debug().Str("unit", unitID).Time("cached_at", entry.CachedAt).Msg("Cache hit")
		return entry.Result, true
	case errors.Is(err, ErrCacheMiss):
		CacheMisses.WithLabelValues(key.Source).Inc()
	default:
		CacheMisses.WithLabelValues(key.Source).Inc()
		s.logger.Warn().Err(err).Str("unit", unitID).Msg("Cache get error")
	}

	return lookup.Result{}, false
}

// Lookup implements lookup.Source.
func (s *Source) Lookup(ctx context.Context, unitID string) (lookup.Result, error) {
	if result, ok := s.Peek(ctx, unitID); ok {
		return result, nil
	}

	result, err := s.next.Lookup(ctx, unitID)
	if err != nil {
		return result, err
	}

	if s.ttl > 0 {
		key := Key{Source: s.next.Name(), Unit: unitID}
		if err := s.store.Set(ctx, key, NewEntry(result, time.Now(), s.ttl)); err != nil {
			s.logger.Warn().Err(err).Str("unit", unitID).Msg("Failed to cache lookup result")
		}
	}

	return result, nil
}
