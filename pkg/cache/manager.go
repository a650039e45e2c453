package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/vulnscan/pkg/clock"
)

var (
	// ErrCacheMiss is returned when no fresh entry exists for a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry is returned when a stored value cannot be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// purgeBatch is the SCAN page size used by Purge.
const purgeBatch = 200

// Store is the storage behind the lookup cache.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Set(ctx context.Context, key Key, entry *Entry) error
}

// Manager stores lookup results in Redis. Redis expires every key at the
// entry's deadline, the clock only guards against entries read just before
// Redis drops them.
type Manager struct {
	redis *redis.Client
	clock clock.Clock
}

// NewManager creates a Redis-backed cache store.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("cache: nil redis client")
	}
	return &Manager{redis: redisClient, clock: clock.Real{}}
}

// Get returns the fresh entry for key or ErrCacheMiss.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	entry := new(Entry)
	if err := json.Unmarshal(data, entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, key, err)
	}
	if entry.Version != entryVersion || entry.ExpiredAt(m.clock.Now()) {
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// Set stores entry until its deadline. Entries that are already stale are
// not written.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return errors.New("cache: nil entry")
	}

	ttl := entry.RemainingAt(m.clock.Now())
	if ttl <= 0 {
		return nil
	}

	entry.Version = entryVersion
	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := m.redis.SetArgs(ctx, key.String(), data, redis.SetArgs{TTL: ttl}).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("set %s: %w", key, err)
	}

	CacheBytesWritten.Add(float64(len(data)))
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Purge removes every cached result of source and returns how many keys
// were removed. An empty source purges the whole lookup cache.
func (m *Manager) Purge(ctx context.Context, source string) (int, error) {
	pattern := KeyPrefix + ":*"
	if source != "" {
		pattern = Key{Source: source, Unit: "*"}.String()
	}

	removed := 0
	iter := m.redis.Scan(ctx, 0, pattern, purgeBatch).Iterator()
	keys := make([]string, 0, purgeBatch)
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		n, err := m.redis.Unlink(ctx, keys...).Result()
		if err != nil {
			CacheErrors.WithLabelValues("purge").Inc()
			return fmt.Errorf("purge %s: %w", pattern, err)
		}
		removed += int(n)
		keys = keys[:0]
		return nil
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == purgeBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return removed, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return removed, flush()
}
