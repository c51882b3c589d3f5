//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"provisioner/infrastructure/config"

	"github.com/google/wire"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
	ProvideRedisClient,
	ProvideEventStore,
	ProvideEventPublisher,
	ProvideMetrics,
	ProvideTracer,
	ProvideViewCache,
	ProvideDefinitionRegistry,
	ProvideExecutor,
	ProvideSagaStats,
	ProvideProjectionRegistry,
	ProvideEngine,
	ProvideRecoveryService,
	ProvideStartSagaHandler,
	ProvideCommandBus,
	ProvideQueryBus,
	ProvideJWTValidator,
	ProvideIPRateLimiter,
	ProvideSubjectRateLimiter,
	ProvideOutboxRelay,
	ProvideLeaderLock,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container. The returned cleanup
// releases store resources and must run on shutdown.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
