// Package di wires the application together. The injector is generated by
// google/wire; run `go generate ./infrastructure/di` after changing
// providers.
package di

import (
	"provisioner/application/commands/bus"
	cmdhandlers "provisioner/application/commands/handlers"
	"provisioner/application/ports"
	"provisioner/application/projections"
	querybus "provisioner/application/queries/bus"
	"provisioner/application/recovery"
	"provisioner/application/sagas"
	"provisioner/domain/saga"
	"provisioner/infrastructure/config"
	dynamostore "provisioner/infrastructure/persistence/dynamodb"
	"provisioner/interfaces/http/rest"
	"provisioner/pkg/auth"
	"provisioner/pkg/observability"

	"go.uber.org/zap"
)

// Container holds all application dependencies
type Container struct {
	Config         *config.Config
	Logger         *zap.Logger
	Store          ports.EventStore
	Publisher      ports.EventPublisher
	Metrics        ports.Metrics
	Tracer         *observability.Tracer
	ViewCache      ports.ViewCache
	Definitions    *saga.Registry
	Projections    *projections.Registry
	Stats          *projections.SagaStats
	Engine         *sagas.Engine
	Recovery       *recovery.Service
	Starter        *cmdhandlers.StartSagaHandler
	CommandBus     *bus.CommandBus
	QueryBus       *querybus.QueryBus
	JWTValidator   *auth.JWTValidator
	IPLimiter      IPLimiter
	SubjectLimiter SubjectLimiter
	OutboxRelay    *dynamostore.OutboxRelay
	LeaderLock     *dynamostore.LeaderLock
	Router         *rest.Router
}
