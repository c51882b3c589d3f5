// Package sagas contains the engine that drives saga execution: it folds
// streams into views, turns triggers into events, appends them under
// optimistic concurrency and asks the external executor for the next side
// effect. The engine performs no blocking I/O in its decision path; it only
// blocks on the store append.
package sagas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provisioner/application/ports"
	"provisioner/domain/saga"

	"go.uber.org/zap"
)

// maxAppendRetries bounds the reload-and-recompute loop on version
// conflicts. Decisions are pure functions of the view, so retrying after a
// reload is always sound; the bound only guards against livelock.
const maxAppendRetries = 5

// Engine coordinates saga execution over the event store
type Engine struct {
	store        ports.EventStore
	registry     *saga.Registry
	executor     ports.ActionExecutor
	cache        ports.ViewCache
	metrics      ports.Metrics
	projections  ports.ProjectionSink
	compensation CompensationConfig
	logger       *zap.Logger
}

// NewEngine creates a saga engine. Cache, metrics and projections may be nil.
func NewEngine(
	store ports.EventStore,
	registry *saga.Registry,
	executor ports.ActionExecutor,
	cache ports.ViewCache,
	metrics ports.Metrics,
	projections ports.ProjectionSink,
	compensation CompensationConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:        store,
		registry:     registry,
		executor:     executor,
		cache:        cache,
		metrics:      metrics,
		projections:  projections,
		compensation: compensation.withDefaults(),
		logger:       logger,
	}
}

// Registry exposes the definition registry for collaborators that need to
// resolve step metadata (recovery, query handlers).
func (e *Engine) Registry() *saga.Registry {
	return e.registry
}

// Start creates a new stream, appends Started and dispatches the first step.
// It fails with saga.ErrDuplicateSaga when a saga with the same derived
// idempotency scope already has an open stream.
func (e *Engine) Start(ctx context.Context, definitionName string, parameters json.RawMessage, correlationID saga.CorrelationID) (saga.SagaID, error) {
	def, err := e.registry.Resolve(definitionName)
	if err != nil {
		return "", err
	}

	scopeKey, err := def.ScopeKey(parameters)
	if err != nil {
		return "", err
	}

	if holder, open, err := e.store.OpenByScope(ctx, scopeKey); err != nil {
		return "", fmt.Errorf("scope lookup: %w", err)
	} else if open {
		return "", fmt.Errorf("scope %s held by saga %s: %w", scopeKey, holder, saga.ErrDuplicateSaga)
	}

	id := saga.NewSagaID()
	if correlationID == "" {
		correlationID = saga.NewCorrelationID()
	}

	env, err := saga.NewEnvelope(id, 1, saga.NewStarted(def, scopeKey, parameters), correlationID, "", time.Now())
	if err != nil {
		return "", err
	}
	// The store enforces the scope again inside the append, closing the
	// window between the lookup above and the write.
	if _, err := e.store.Append(ctx, id, 0, env); err != nil {
		return "", err
	}
	if e.projections != nil {
		e.projections.Dispatch(env)
	}

	e.logger.Info("Saga started",
		zap.String("saga_id", id.String()),
		zap.String("definition", definitionName),
		zap.String("correlation_id", correlationID.String()),
	)
	if e.metrics != nil {
		e.metrics.IncSagaStarted(definitionName)
	}

	view, err := e.LoadView(ctx, id)
	if err != nil {
		return id, err
	}
	return id, e.Advance(ctx, view)
}

// ReportStepResult applies an executor-reported outcome to the in-flight
// step at the saga's cursor. Late results for superseded steps fail with
// saga.ErrStaleReport and are dropped; replays of an already-applied result
// are no-ops.
func (e *Engine) ReportStepResult(ctx context.Context, id saga.SagaID, stepIndex int, outcome saga.StepOutcome) error {
	view, err := e.LoadView(ctx, id)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		if alreadyApplied(view, stepIndex, outcome) {
			e.logger.Debug("Duplicate step result ignored",
				zap.String("saga_id", id.String()),
				zap.Int("step_index", stepIndex),
			)
			return nil
		}

		event, err := saga.ResolveStep(view, stepIndex, outcome)
		if err != nil {
			if errors.Is(err, saga.ErrStaleReport) {
				e.logger.Warn("Stale step report dropped",
					zap.String("saga_id", id.String()),
					zap.Int("step_index", stepIndex),
					zap.Error(err),
				)
			}
			return err
		}

		next, appendErr := e.Append(ctx, view, event)
		if appendErr == nil {
			return e.Advance(ctx, next)
		}
		if !errors.Is(appendErr, saga.ErrConcurrencyConflict) {
			return appendErr
		}

		// A concurrent writer won the version race; reload and
		// re-evaluate. Duplicate deliveries resolve here as no-ops.
		if e.metrics != nil {
			e.metrics.IncConcurrencyConflict()
		}
		view, err = e.LoadView(ctx, id)
		if err != nil {
			return err
		}
	}

	return fmt.Errorf("saga %s: report for step %d: %w", id, stepIndex, saga.ErrConcurrencyConflict)
}

// Cancel drives a running saga through the normal compensation path by
// issuing a synthetic StepFailed at the current cursor. There is no
// separate abort mechanism.
func (e *Engine) Cancel(ctx context.Context, id saga.SagaID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}

	view, err := e.LoadView(ctx, id)
	if err != nil {
		return err
	}
	if view.Status != saga.StatusRunning {
		return fmt.Errorf("saga %s is %s: %w", id, view.Status, saga.ErrStaleReport)
	}

	stepName := ""
	if rec, ok := view.CurrentStep(); ok {
		stepName = rec.Name
	}
	failed := saga.StepFailed{StepIndex: view.Cursor, StepName: stepName, Reason: reason}

	next, err := e.Append(ctx, view, failed)
	if err != nil {
		return err
	}
	e.logger.Info("Saga cancelled",
		zap.String("saga_id", id.String()),
		zap.Int("step_index", view.Cursor),
	)
	return e.Advance(ctx, next)
}

// NextAction answers what the executor should do next for a saga. Pure
// query; mutates nothing.
func (e *Engine) NextAction(ctx context.Context, id saga.SagaID) (saga.NextAction, error) {
	view, err := e.LoadView(ctx, id)
	if err != nil {
		return saga.NextAction{}, err
	}
	def, err := e.registry.Resolve(view.DefinitionName)
	if err != nil {
		return saga.NextAction{}, err
	}
	return saga.Decide(view, def), nil
}

// LoadView folds a saga's stream into its current view, using the
// rebuildable cache when the cached version matches the stream head.
func (e *Engine) LoadView(ctx context.Context, id saga.SagaID) (saga.View, error) {
	envelopes, err := e.store.Read(ctx, id, 1)
	if err != nil {
		return saga.View{}, err
	}
	if cached, ok := e.cachedView(ctx, id); ok && cached.Version == uint64(len(envelopes)) {
		return cached, nil
	}

	view := saga.FoldStream(id, envelopes)
	if e.cache != nil {
		if err := e.cache.Set(ctx, view); err != nil {
			e.logger.Debug("View cache set failed", zap.Error(err))
		}
	}
	return view, nil
}

// Advance drives a saga until it either waits on an external result or
// reaches a terminal state.
func (e *Engine) Advance(ctx context.Context, view saga.View) error {
	def, err := e.registry.Resolve(view.DefinitionName)
	if err != nil {
		return err
	}

	for {
		switch view.Status {
		case saga.StatusRunning:
			if view.Cursor >= view.StepCount {
				view, err = e.Append(ctx, view, saga.Completed{})
				if err != nil {
					return err
				}
				e.logger.Info("Saga completed", zap.String("saga_id", view.SagaID.String()))
				if e.metrics != nil {
					e.metrics.IncSagaCompleted(view.DefinitionName)
				}
				return nil
			}
			if view.StepInFlight(view.Cursor) {
				// Waiting on the executor's report.
				return nil
			}
			view, err = e.dispatchStep(ctx, view, def)
			if err != nil {
				return err
			}
			return nil

		case saga.StatusCompensating:
			view, err = e.compensate(ctx, view, def)
			if err != nil {
				return err
			}

		default:
			return nil
		}
	}
}

// dispatchStep appends the StepStarted intent, then asks the executor for
// the side effect. The intent goes first: a crash in between leaves an
// unresolved StepStarted tail that recovery knows how to classify.
func (e *Engine) dispatchStep(ctx context.Context, view saga.View, def *saga.Definition) (saga.View, error) {
	started, err := saga.NextStepStarted(view, def)
	if err != nil {
		return view, err
	}

	view, err = e.Append(ctx, view, started)
	if err != nil {
		return view, err
	}

	req := ports.ActionRequest{
		SagaID:         view.SagaID,
		CorrelationID:  view.CorrelationID,
		StepIndex:      started.StepIndex,
		ActionName:     started.StepName,
		IdempotencyKey: started.IdempotencyKey,
		Parameters:     view.Parameters,
	}
	if err := e.executor.Execute(ctx, req); err != nil {
		// The dispatch request failed before any side effect could
		// happen; resolve the step as failed and let compensation run.
		e.logger.Error("Step dispatch failed",
			zap.String("saga_id", view.SagaID.String()),
			zap.Int("step_index", started.StepIndex),
			zap.Error(err),
		)
		failed := saga.StepFailed{
			StepIndex: started.StepIndex,
			StepName:  started.StepName,
			Reason:    fmt.Sprintf("dispatch failed: %v", err),
		}
		view, appendErr := e.Append(ctx, view, failed)
		if appendErr != nil {
			return view, appendErr
		}
		return view, e.Advance(ctx, view)
	}

	e.logger.Debug("Step dispatched",
		zap.String("saga_id", view.SagaID.String()),
		zap.Int("step_index", started.StepIndex),
		zap.String("idempotency_key", started.IdempotencyKey),
	)
	return view, nil
}

// Append seals one event at the view's next version and writes it.
// The caller owns conflict resolution; Append reports conflicts verbatim.
func (e *Engine) Append(ctx context.Context, view saga.View, event saga.Event) (saga.View, error) {
	env, err := saga.NewEnvelope(view.SagaID, view.Version+1, event, view.CorrelationID, "", time.Now())
	if err != nil {
		return view, err
	}
	if _, err := e.store.Append(ctx, view.SagaID, view.Version, env); err != nil {
		return view, err
	}
	if e.projections != nil {
		e.projections.Dispatch(env)
	}

	next := saga.Fold(view, env)
	if e.cache != nil {
		if err := e.cache.Set(ctx, next); err != nil {
			e.logger.Debug("View cache set failed", zap.Error(err))
		}
	}
	return next, nil
}

func (e *Engine) cachedView(ctx context.Context, id saga.SagaID) (saga.View, bool) {
	if e.cache == nil {
		return saga.View{}, false
	}
	return e.cache.Get(ctx, id)
}

// alreadyApplied reports whether the stream already reflects this exact
// resolution for the step, which makes the report a replay.
func alreadyApplied(view saga.View, stepIndex int, outcome saga.StepOutcome) bool {
	if stepIndex < 0 || stepIndex >= len(view.Steps) {
		return false
	}
	rec := view.Steps[stepIndex]
	if outcome.Success {
		return rec.Status == saga.StepDone
	}
	return rec.Status == saga.StepFailedAt
}
