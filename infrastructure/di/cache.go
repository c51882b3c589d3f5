package di

import (
	"provisioner/application/ports"
	"provisioner/infrastructure/cache"
	"provisioner/infrastructure/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProvideRedisClient creates a Redis client, or nil when no address is
// configured. A nil client selects the in-process fallbacks everywhere.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// ProvideViewCache selects the view cache implementation: Redis when
// configured so instances share folded views, in-process otherwise.
func ProvideViewCache(client *redis.Client, cfg *config.Config, logger *zap.Logger) ports.ViewCache {
	if client == nil {
		return cache.NewMemoryViewCache()
	}
	return cache.NewRedisViewCache(client, cfg.ViewCacheTTL, logger)
}
