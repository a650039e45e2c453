//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/vulnscan/internal/testutil"
	"github.com/Sternrassler/vulnscan/pkg/client"
)

// redisContainer starts a throwaway Redis and returns a client for it.
func redisContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestIntegration_CachedOSVLookup(t *testing.T) {
	rdb := redisContainer(t)

	mock := testutil.NewMockOSV()
	t.Cleanup(mock.Close)
	mock.SetVulns("PyPI:jinja2@2.10", testutil.MockVuln{ID: "GHSA-462w", Severity: "HIGH"})

	cfg := client.DefaultConfig("vulnscan-test/1.0.0 (integration@test.com)")
	cfg.BaseURL = mock.URL()
	osv, err := client.New(cfg)
	require.NoError(t, err)

	src := Wrap(osv, NewManager(rdb), time.Hour, zerolog.Nop())
	ctx := context.Background()

	_, hit := src.Peek(ctx, "PyPI:jinja2@2.10")
	assert.False(t, hit)

	for range 3 {
		result, err := src.Lookup(ctx, "PyPI:jinja2@2.10")
		require.NoError(t, err)
		require.Len(t, result.Findings, 1)
		assert.Equal(t, "HIGH", result.Findings[0].Severity)
	}
	assert.Equal(t, 1, mock.QueryCount("PyPI:jinja2@2.10"))

	_, hit = src.Peek(ctx, "PyPI:jinja2@2.10")
	assert.True(t, hit)
}

func TestIntegration_RedisExpiresEntries(t *testing.T) {
	rdb := redisContainer(t)
	m := NewManager(rdb)
	ctx := context.Background()

	key := Key{Source: "osv", Unit: "PyPI:short@1"}
	require.NoError(t, m.Set(ctx, key, NewEntry(sampleResult(), time.Now(), time.Second)))

	_, err := m.Get(ctx, key)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return rdb.Exists(ctx, key.String()).Val() == 0
	}, 5*time.Second, 100*time.Millisecond)
}
