package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowLimiter(t *testing.T) {
	limiter := NewSlidingWindowLimiter(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	t.Run("keys are independent", func(t *testing.T) {
		allowed, err := limiter.Allow(ctx, "other")
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("reset clears the window", func(t *testing.T) {
		require.NoError(t, limiter.Reset(ctx, "k"))
		allowed, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestIPAndSubjectLimiters_SeparateNamespaces(t *testing.T) {
	ctx := context.Background()
	ip := NewIPRateLimiter(1)
	subject := NewSubjectRateLimiter(1)

	allowed, err := ip.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = ip.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// The same string through the subject limiter is a different key.
	allowed, err = subject.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestDistributedRateLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	limiter := NewDistributedRateLimiter(client, 2, time.Minute, "ip")

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	t.Run("limits hold across clients", func(t *testing.T) {
		other := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = other.Close() })

		peer := NewDistributedRateLimiter(other, 2, time.Minute, "ip")
		allowed, err := peer.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, allowed, "the window is shared state, not per process")
	})

	t.Run("reset clears the current window", func(t *testing.T) {
		require.NoError(t, limiter.Reset(ctx, "10.0.0.1"))
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestDistributedRateLimiter_NilClientAllowsAll(t *testing.T) {
	limiter := NewDistributedRateLimiter(nil, 1, time.Minute, "ip")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.NoError(t, limiter.Reset(ctx, "10.0.0.1"))
}
