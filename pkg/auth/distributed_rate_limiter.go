package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedRateLimiter implements fixed-window rate limiting on Redis so
// limits hold across service instances. A nil client degrades to allowing
// everything, which keeps local development working without Redis.
type DistributedRateLimiter struct {
	client    *redis.Client
	limit     int
	window    time.Duration
	keyPrefix string
}

// NewDistributedRateLimiter creates a Redis-backed rate limiter
func NewDistributedRateLimiter(client *redis.Client, limit int, window time.Duration, keyPrefix string) *DistributedRateLimiter {
	return &DistributedRateLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
	}
}

// Allow checks if a request is allowed under the rate limit
func (r *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.client == nil {
		return true, nil
	}

	windowStart := time.Now().Truncate(r.window)
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", r.keyPrefix, key, windowStart.Unix())

	// INCR + first-hit EXPIRE: the window key counts requests and dies with
	// the window.
	pipe := r.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return count.Val() <= int64(r.limit), nil
}

// Reset clears the current window for a key
func (r *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	if r.client == nil {
		return nil
	}

	windowStart := time.Now().Truncate(r.window)
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", r.keyPrefix, key, windowStart.Unix())
	return r.client.Del(ctx, redisKey).Err()
}
