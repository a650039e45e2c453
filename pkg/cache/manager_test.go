package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// localRedis connects to a Redis on localhost and skips the test when none is
// running. The integration suite starts its own through testcontainers.
func localRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func sampleResult() lookup.Result {
	return lookup.Result{
		Source: "osv",
		Findings: []lookup.Finding{
			{ID: "GHSA-1234", Severity: "HIGH", Summary: "Remote code execution"},
		},
	}
}

func TestNewManager_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil) })
}

func TestManager_RoundTrip(t *testing.T) {
	client := localRedis(t)
	m := NewManager(client)
	ctx := context.Background()

	key := Key{Source: "osv", Unit: "PyPI:requests@2.19.0"}
	require.NoError(t, m.Set(ctx, key, NewEntry(sampleResult(), time.Now(), 5*time.Minute)))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sampleResult().Findings, got.Result.Findings)

	ttl, err := client.TTL(ctx, key.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 5*time.Minute)

	require.NoError(t, m.Delete(ctx, key))
	_, err = m.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, m.Delete(ctx, key), "deleting a missing key")
}

func TestManager_Misses(t *testing.T) {
	client := localRedis(t)
	m := NewManager(client)
	ctx := context.Background()

	t.Run("absent", func(t *testing.T) {
		_, err := m.Get(ctx, Key{Source: "osv", Unit: "PyPI:none@0"})
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("stale entries are not written", func(t *testing.T) {
		key := Key{Source: "osv", Unit: "PyPI:old@1"}
		require.NoError(t, m.Set(ctx, key, NewEntry(sampleResult(), time.Now().Add(-2*time.Hour), time.Hour)))
		assert.Zero(t, client.Exists(ctx, key.String()).Val())
	})

	t.Run("other encoding version", func(t *testing.T) {
		key := Key{Source: "osv", Unit: "PyPI:legacy@1"}
		client.Set(ctx, key.String(), `{"v":0,"result":{"source":"osv"},"expires":"2999-01-01T00:00:00Z"}`, time.Minute)
		_, err := m.Get(ctx, key)
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("expired by the clock before Redis drops it", func(t *testing.T) {
		clk := clock.NewManual(time.Now())
		m := &Manager{redis: client, clock: clk}
		key := Key{Source: "osv", Unit: "PyPI:edge@1"}
		require.NoError(t, m.Set(ctx, key, NewEntry(sampleResult(), clk.Now(), time.Minute)))

		clk.Advance(time.Minute)
		_, err := m.Get(ctx, key)
		assert.ErrorIs(t, err, ErrCacheMiss)
	})
}

func TestManager_InvalidEntry(t *testing.T) {
	client := localRedis(t)
	m := NewManager(client)
	ctx := context.Background()

	key := Key{Source: "osv", Unit: "PyPI:bad@1"}
	client.Set(ctx, key.String(), "not json", time.Minute)

	_, err := m.Get(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.Error(t, m.Set(ctx, key, nil))
}

func TestManager_Purge(t *testing.T) {
	client := localRedis(t)
	m := NewManager(client)
	ctx := context.Background()

	for i := range 250 {
		key := Key{Source: "osv", Unit: fmt.Sprintf("npm:pkg-%03d@1.0.0", i)}
		require.NoError(t, m.Set(ctx, key, NewEntry(sampleResult(), time.Now(), time.Hour)))
	}
	ghsa := Key{Source: "ghsa", Unit: "npm:pkg-000@1.0.0"}
	require.NoError(t, m.Set(ctx, ghsa, NewEntry(sampleResult(), time.Now(), time.Hour)))
	client.Set(ctx, "unrelated", "x", time.Minute)

	n, err := m.Purge(ctx, "osv")
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	_, err = m.Get(ctx, ghsa)
	assert.NoError(t, err, "other sources survive")

	n, err = m.Purge(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), client.Exists(ctx, "unrelated").Val())
}
