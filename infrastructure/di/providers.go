package di

import (
	"context"
	"fmt"
	"time"

	"provisioner/application/commands"
	"provisioner/application/commands/bus"
	cmdhandlers "provisioner/application/commands/handlers"
	"provisioner/application/ports"
	"provisioner/application/projections"
	"provisioner/application/queries"
	querybus "provisioner/application/queries/bus"
	queryhandlers "provisioner/application/queries/handlers"
	"provisioner/application/recovery"
	"provisioner/application/sagas"
	"provisioner/domain/saga"
	"provisioner/infrastructure/config"
	"provisioner/infrastructure/executor"
	"provisioner/infrastructure/messaging/eventbridge"
	dynamostore "provisioner/infrastructure/persistence/dynamodb"
	memorystore "provisioner/infrastructure/persistence/memory"
	sqlitestore "provisioner/infrastructure/persistence/sqlite"
	"provisioner/interfaces/http/rest"
	"provisioner/pkg/auth"
	"provisioner/pkg/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProvideLogger creates the process logger
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}

	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
		}
		logger = logger.WithOptions(zap.IncreaseLevel(level))
	}
	return logger, nil
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// ProvideEventStore selects the store backend. The returned cleanup closes
// file-backed stores.
func ProvideEventStore(
	client *awsdynamodb.Client,
	cfg *config.Config,
	logger *zap.Logger,
) (ports.EventStore, func(), error) {
	switch cfg.EventStoreBackend {
	case "dynamodb":
		return dynamostore.NewEventStore(client, cfg.DynamoDBTable), func() {}, nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		return memorystore.NewEventStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown event store backend %q", cfg.EventStoreBackend)
	}
}

// ProvideEventPublisher creates the EventBridge publisher
func ProvideEventPublisher(client *awseventbridge.Client, cfg *config.Config, logger *zap.Logger) ports.EventPublisher {
	return eventbridge.NewPublisher(client, cfg.EventBusName, logger)
}

// ProvideMetrics creates the CloudWatch metrics sink. Disabled metrics keep
// the same implementation with a nil client, which turns every call into a
// no-op.
func ProvideMetrics(client *awscloudwatch.Client, cfg *config.Config, logger *zap.Logger) ports.Metrics {
	namespace := fmt.Sprintf("Provisioner/%s", cfg.Environment)
	if !cfg.EnableMetrics {
		return observability.NewCloudWatchMetrics(namespace, nil, logger)
	}
	return observability.NewCloudWatchMetrics(namespace, client, logger)
}

// ProvideTracer creates the X-Ray tracer
func ProvideTracer(cfg *config.Config) *observability.Tracer {
	return observability.NewTracer("provisioner")
}

// ProvideDefinitionRegistry creates the saga definition registry. The host
// binary registers its definitions on it before serving traffic.
func ProvideDefinitionRegistry() *saga.Registry {
	return saga.NewRegistry()
}

// ProvideExecutor creates the circuit-broken HTTP action executor
func ProvideExecutor(cfg *config.Config, logger *zap.Logger) ports.ActionExecutor {
	return executor.NewHTTPClient(executor.ClientConfig{
		BaseURL:        cfg.ExecutorBaseURL,
		RequestTimeout: cfg.ExecutorTimeout,
	}, logger)
}

// ProvideSagaStats creates the statistics projection
func ProvideSagaStats() *projections.SagaStats {
	return projections.NewSagaStats()
}

// ProvideProjectionRegistry creates the projection registry with every
// built-in projection registered
func ProvideProjectionRegistry(stats *projections.SagaStats, logger *zap.Logger) (*projections.Registry, error) {
	registry := projections.NewRegistry(logger)
	if err := registry.Register(stats); err != nil {
		return nil, err
	}
	return registry, nil
}

// ProvideEngine creates the saga engine
func ProvideEngine(
	store ports.EventStore,
	definitions *saga.Registry,
	actionExecutor ports.ActionExecutor,
	viewCache ports.ViewCache,
	metrics ports.Metrics,
	projectionRegistry *projections.Registry,
	cfg *config.Config,
	logger *zap.Logger,
) *sagas.Engine {
	return sagas.NewEngine(
		store,
		definitions,
		actionExecutor,
		viewCache,
		metrics,
		projectionRegistry,
		sagas.CompensationConfig{
			MaxAttempts: cfg.CompensationMaxRetries,
			BaseBackoff: cfg.CompensationBaseBackoff,
		},
		logger,
	)
}

// ProvideRecoveryService creates the recovery subsystem
func ProvideRecoveryService(
	store ports.EventStore,
	engine *sagas.Engine,
	actionExecutor ports.ActionExecutor,
	metrics ports.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *recovery.Service {
	return recovery.NewService(store, engine, actionExecutor, metrics, recovery.Config{
		MaxAttempts:  cfg.RecoveryMaxAttempts,
		ProbeTimeout: cfg.RecoveryProbeTimeout,
	}, logger)
}

// ProvideStartSagaHandler creates the start handler. It sits outside the
// command bus because starting returns the generated saga id.
func ProvideStartSagaHandler(engine *sagas.Engine, logger *zap.Logger) *cmdhandlers.StartSagaHandler {
	return cmdhandlers.NewStartSagaHandler(engine, logger)
}

// ProvideCommandBus creates the command bus with every handler registered
func ProvideCommandBus(engine *sagas.Engine, logger *zap.Logger) (*bus.CommandBus, error) {
	commandBus := bus.NewCommandBus()

	logging := bus.LoggingMiddleware(logger)

	reportHandler := cmdhandlers.NewReportStepResultHandler(engine, logger)
	if err := commandBus.Register(commands.ReportStepResultCommand{}, logging(reportHandler)); err != nil {
		return nil, err
	}

	cancelHandler := cmdhandlers.NewCancelSagaHandler(engine, logger)
	if err := commandBus.Register(commands.CancelSagaCommand{}, logging(cancelHandler)); err != nil {
		return nil, err
	}

	return commandBus, nil
}

// ProvideQueryBus creates the query bus with every handler registered
func ProvideQueryBus(
	store ports.EventStore,
	viewCache ports.ViewCache,
	stats *projections.SagaStats,
	logger *zap.Logger,
) (*querybus.QueryBus, error) {
	queryBus := querybus.NewQueryBus()

	if err := queryBus.Register(queries.GetSagaQuery{}, queryhandlers.NewGetSagaHandler(store, viewCache, logger)); err != nil {
		return nil, err
	}
	if err := queryBus.Register(queries.ListOpenSagasQuery{}, queryhandlers.NewListOpenSagasHandler(store, logger)); err != nil {
		return nil, err
	}
	if err := queryBus.Register(queries.ReadStreamQuery{}, queryhandlers.NewReadStreamHandler(store)); err != nil {
		return nil, err
	}
	if err := queryBus.Register(queries.GetStatsQuery{}, queryhandlers.NewGetStatsHandler(stats)); err != nil {
		return nil, err
	}

	return queryBus, nil
}

// ProvideJWTValidator creates the token validator, or nil when no secret is
// configured. Config validation guarantees a secret in production.
func ProvideJWTValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	return auth.NewJWTValidator(auth.JWTConfig{
		SecretKey: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
	})
}

// ipRequestsPerMinute and subjectRequestsPerMinute bound the API surface.
// Authenticated subjects get more room than raw IPs because NAT pools share
// addresses.
const (
	ipRequestsPerMinute      = 100
	subjectRequestsPerMinute = 200
)

// IPLimiter and SubjectLimiter are distinct types so the injector can tell
// the two rate limiters apart.
type (
	IPLimiter      struct{ auth.RateLimiter }
	SubjectLimiter struct{ auth.RateLimiter }
)

// ProvideIPRateLimiter creates the per-IP limiter, Redis-backed when a
// client is available
func ProvideIPRateLimiter(client *redis.Client) IPLimiter {
	if client != nil {
		return IPLimiter{auth.NewDistributedRateLimiter(client, ipRequestsPerMinute, time.Minute, "ip")}
	}
	return IPLimiter{auth.NewIPRateLimiter(ipRequestsPerMinute)}
}

// ProvideSubjectRateLimiter creates the per-principal limiter
func ProvideSubjectRateLimiter(client *redis.Client) SubjectLimiter {
	if client != nil {
		return SubjectLimiter{auth.NewDistributedRateLimiter(client, subjectRequestsPerMinute, time.Minute, "subject")}
	}
	return SubjectLimiter{auth.NewSubjectRateLimiter(subjectRequestsPerMinute)}
}

// ProvideOutboxRelay creates the relay when the store has an outbox.
// Only the DynamoDB store stamps envelopes with publish status, so other
// backends run without a relay.
func ProvideOutboxRelay(
	store ports.EventStore,
	publisher ports.EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *dynamostore.OutboxRelay {
	dynamo, ok := store.(*dynamostore.EventStore)
	if !ok {
		return nil
	}
	return dynamostore.NewOutboxRelay(dynamo, publisher, logger)
}

// ProvideLeaderLock creates the lease-based leader lock for background
// workers
func ProvideLeaderLock(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *dynamostore.LeaderLock {
	return dynamostore.NewLeaderLock(client, cfg.DynamoDBTable, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(
	cfg *config.Config,
	starter *cmdhandlers.StartSagaHandler,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	validator *auth.JWTValidator,
	ipLimiter IPLimiter,
	subjectLimiter SubjectLimiter,
	tracer *observability.Tracer,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(cfg, starter, commandBus, queryBus, validator, ipLimiter.RateLimiter, subjectLimiter.RateLimiter, tracer, logger)
}
