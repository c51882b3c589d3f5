// Package cache provides view-cache adapters. Both are rebuildable caches:
// every entry is recomputable by folding the saga's stream, so a cold or
// flushed cache only costs a replay.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"provisioner/domain/saga"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const viewKeyPrefix = "saga:view:"

// RedisViewCache stores folded views as JSON under a TTL
type RedisViewCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisViewCache creates a view cache. A zero ttl means entries never
// expire and rely on invalidation alone.
func NewRedisViewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisViewCache {
	return &RedisViewCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached view for a saga, if present
func (c *RedisViewCache) Get(ctx context.Context, id saga.SagaID) (saga.View, bool) {
	data, err := c.client.Get(ctx, viewKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("View cache get failed", zap.String("saga_id", id.String()), zap.Error(err))
		}
		return saga.View{}, false
	}

	var view saga.View
	if err := json.Unmarshal(data, &view); err != nil {
		// A corrupt entry is dropped; the caller refolds from the store.
		c.logger.Warn("Dropping corrupt view cache entry", zap.String("saga_id", id.String()), zap.Error(err))
		_ = c.client.Del(ctx, viewKey(id)).Err()
		return saga.View{}, false
	}
	return view, true
}

// Set stores a view, replacing any older cached version
func (c *RedisViewCache) Set(ctx context.Context, v saga.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, viewKey(v.SagaID), data, c.ttl).Err()
}

// Invalidate removes a saga's cached view
func (c *RedisViewCache) Invalidate(ctx context.Context, id saga.SagaID) error {
	return c.client.Del(ctx, viewKey(id)).Err()
}

func viewKey(id saga.SagaID) string {
	return viewKeyPrefix + id.String()
}
