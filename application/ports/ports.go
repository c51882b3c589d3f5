package ports

import (
	"context"

	"provisioner/domain/saga"
)

// EventStore is the port for the durable, append-only, per-saga ordered log
// of immutable facts. Append is the single mutation primitive; every
// higher-level operation is one or more appends guarded by version checks.
// Across different sagas there is no ordering guarantee; within one stream
// ordering is total and gap-free.
type EventStore interface {
	// Append writes one envelope at expectedVersion+1. It fails with
	// saga.ErrConcurrencyConflict when the stored head version differs
	// from expectedVersion, and with saga.ErrStreamClosed when the stream
	// already holds a terminal event.
	Append(ctx context.Context, id saga.SagaID, expectedVersion uint64, env saga.Envelope) (uint64, error)

	// Read returns the ordered envelopes of a stream starting at
	// fromVersion (1-based, inclusive). Reading an absent stream returns
	// saga.ErrStreamNotFound.
	Read(ctx context.Context, id saga.SagaID, fromVersion uint64) ([]saga.Envelope, error)

	// OpenStreams lists sagas whose streams have no terminal event yet,
	// for recovery scanning on startup.
	OpenStreams(ctx context.Context) ([]saga.SagaID, error)

	// OpenByScope returns the open saga holding the given idempotency
	// scope, if any. Closed streams release their scope.
	OpenByScope(ctx context.Context, scopeKey string) (saga.SagaID, bool, error)
}

// EventPublisher is the publish-only message-bus port. Delivery is
// at-least-once; consumers dedupe on the envelope's content address or
// stream version.
type EventPublisher interface {
	Publish(ctx context.Context, env saga.Envelope) error
	PublishBatch(ctx context.Context, envs []saga.Envelope) error
}

// ActionRequest asks the external executor to perform a forward or
// compensating side effect. The executor deduplicates on the idempotency
// key and reports each distinct key's outcome exactly once.
type ActionRequest struct {
	SagaID         saga.SagaID
	CorrelationID  saga.CorrelationID
	StepIndex      int
	ActionName     string
	IdempotencyKey string
	Parameters     []byte
}

// ActionExecutor is the port to the out-of-process action executor.
// Execute and Compensate only request the side effect; outcomes come back
// asynchronously through the report-step-result command.
type ActionExecutor interface {
	Execute(ctx context.Context, req ActionRequest) error
	Compensate(ctx context.Context, req ActionRequest) error

	// Probe asks the executor whether the side effect behind key has
	// already been applied. Recovery uses it to choose between retrying
	// and resuming a step that was in flight during a crash.
	Probe(ctx context.Context, key string) (applied bool, err error)
}

// ViewCache is a rebuildable cache of folded saga views keyed by saga id.
// It is never the source of truth: every entry is recomputable from the
// event store, and writers invalidate after each append.
type ViewCache interface {
	Get(ctx context.Context, id saga.SagaID) (saga.View, bool)
	Set(ctx context.Context, v saga.View) error
	Invalidate(ctx context.Context, id saga.SagaID) error
}

// ProjectionSink receives every successfully appended envelope, in stream
// order, so read models can be maintained synchronously with writes.
// Implementations must never fail the writer.
type ProjectionSink interface {
	Dispatch(env saga.Envelope)
}

// Metrics is the port for operational counters
type Metrics interface {
	IncSagaStarted(definition string)
	IncSagaCompleted(definition string)
	IncSagaFailed(definition string)
	IncSagaCompensated(definition string, outcome saga.CompensationOutcome)
	IncRecoveryAction(action saga.RecoveryAction)
	IncConcurrencyConflict()
}
