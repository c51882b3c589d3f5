package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/domain/saga"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisViewCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisViewCache(client, ttl, zap.NewNop()), srv
}

func testView(id saga.SagaID, version uint64) saga.View {
	v := saga.NewView(id)
	v.DefinitionName = "certificate.issue"
	v.Status = saga.StatusRunning
	v.Version = version
	return v
}

func TestRedisViewCache_RoundTrip(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()

	view := testView("saga-1", 3)
	require.NoError(t, c.Set(ctx, view))

	got, ok := c.Get(ctx, "saga-1")
	require.True(t, ok)
	assert.Equal(t, view.SagaID, got.SagaID)
	assert.Equal(t, view.Version, got.Version)
	assert.Equal(t, view.Status, got.Status)
}

func TestRedisViewCache_Miss(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)

	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestRedisViewCache_SetReplaces(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, testView("saga-1", 1)))
	require.NoError(t, c.Set(ctx, testView("saga-1", 2)))

	got, ok := c.Get(ctx, "saga-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Version)
}

func TestRedisViewCache_Invalidate(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, testView("saga-1", 1)))
	require.NoError(t, c.Invalidate(ctx, "saga-1"))

	_, ok := c.Get(ctx, "saga-1")
	assert.False(t, ok)
}

func TestRedisViewCache_Expiry(t *testing.T) {
	c, srv := newRedisCache(t, time.Second)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, testView("saga-1", 1)))
	srv.FastForward(2 * time.Second)

	_, ok := c.Get(ctx, "saga-1")
	assert.False(t, ok)
}

func TestRedisViewCache_CorruptEntryDropped(t *testing.T) {
	c, srv := newRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, srv.Set(viewKeyPrefix+"saga-1", "{not json"))

	_, ok := c.Get(ctx, "saga-1")
	assert.False(t, ok)
	assert.False(t, srv.Exists(viewKeyPrefix+"saga-1"), "corrupt entries are deleted, not retried")
}

func TestMemoryViewCache(t *testing.T) {
	c := NewMemoryViewCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, testView("saga-1", 1)))

	got, ok := c.Get(ctx, "saga-1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Version)

	require.NoError(t, c.Invalidate(ctx, "saga-1"))
	_, ok = c.Get(ctx, "saga-1")
	assert.False(t, ok)
}
