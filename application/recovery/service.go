// Package recovery reconstructs in-flight saga state after a restart. It
// scans the store for open streams, classifies each interruption point from
// the tail of the stream and decides whether to retry, resume, compensate or
// mark the saga permanently failed. Every decision appends exactly one
// Recovered event before normal processing resumes, so recovery itself is
// auditable and replay-safe.
package recovery

import (
	"context"
	"fmt"
	"time"

	"provisioner/application/ports"
	"provisioner/application/sagas"
	"provisioner/domain/saga"

	"go.uber.org/zap"
)

// Config holds the recovery thresholds. Both are deliberately configuration,
// not constants: the right ceiling depends on how noisy the executor is.
type Config struct {
	// MaxAttempts is the number of recovery passes an open stream may go
	// through before it is forcibly marked failed.
	MaxAttempts int

	// ProbeTimeout bounds the "did this already happen?" probe to the
	// executor during classification.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Service is the recovery subsystem
type Service struct {
	store    ports.EventStore
	engine   *sagas.Engine
	executor ports.ActionExecutor
	metrics  ports.Metrics
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a recovery service. Metrics may be nil.
func NewService(
	store ports.EventStore,
	engine *sagas.Engine,
	executor ports.ActionExecutor,
	metrics ports.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		executor: executor,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// RunOnce scans every open stream and recovers each. Individual failures
// are logged and do not stop the sweep.
func (s *Service) RunOnce(ctx context.Context) error {
	open, err := s.store.OpenStreams(ctx)
	if err != nil {
		return fmt.Errorf("scan open streams: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	s.logger.Info("Recovery sweep", zap.Int("open_streams", len(open)))

	for _, id := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		action, err := s.Recover(ctx, id)
		if err != nil {
			s.logger.Error("Recovery failed",
				zap.String("saga_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if action != "" && s.metrics != nil {
			s.metrics.IncRecoveryAction(action)
		}
	}
	return nil
}

// Recover classifies one open stream and applies the chosen action.
// The returned action is empty when the stream turned out not to need
// recovery (already terminal by the time it was read).
func (s *Service) Recover(ctx context.Context, id saga.SagaID) (saga.RecoveryAction, error) {
	view, err := s.engine.LoadView(ctx, id)
	if err != nil {
		return "", err
	}
	if !view.Open() {
		return "", nil
	}

	if view.RecoveryAttempts >= s.cfg.MaxAttempts {
		return s.markFailed(ctx, view)
	}

	switch {
	case view.Status == saga.StatusCompensating:
		return s.resumeCompensation(ctx, view)

	case view.Status == saga.StatusRunning && view.StepInFlight(view.Cursor):
		return s.recoverInFlightStep(ctx, view)

	default:
		// Crash landed between appends: no step in flight, stream not
		// terminal. Resume the normal dispatch loop.
		view, err = s.appendRecovered(ctx, view, saga.RecoveryResumed, "no step in flight")
		if err != nil {
			return "", err
		}
		return saga.RecoveryResumed, s.engine.Advance(ctx, view)
	}
}

// recoverInFlightStep handles the tail-is-StepStarted case. Idempotent
// steps are re-dispatched under the same key; everything else is probed
// first so the side effect never happens twice.
func (s *Service) recoverInFlightStep(ctx context.Context, view saga.View) (saga.RecoveryAction, error) {
	def, err := s.engine.Registry().Resolve(view.DefinitionName)
	if err != nil {
		return "", err
	}
	step, ok := def.Step(view.Cursor)
	if !ok {
		return "", fmt.Errorf("saga %s: in-flight step %d out of range", view.SagaID, view.Cursor)
	}
	rec := view.Steps[view.Cursor]

	if step.Idempotent {
		return s.retryStep(ctx, view, rec)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	applied, err := s.executor.Probe(probeCtx, rec.IdempotencyKey)
	cancel()
	if err != nil {
		// Without a probe answer a non-idempotent step cannot be
		// safely re-executed; leave the stream open for the next
		// sweep.
		return "", fmt.Errorf("probe %s: %w", rec.IdempotencyKey, err)
	}

	if applied {
		view, err = s.appendRecovered(ctx, view, saga.RecoveryResumed, "side effect confirmed by probe")
		if err != nil {
			return "", err
		}
		resumed := saga.Resumed{StepIndex: rec.Index, StepName: rec.Name}
		view, err = s.engine.Append(ctx, view, resumed)
		if err != nil {
			return "", err
		}
		return saga.RecoveryResumed, s.engine.Advance(ctx, view)
	}
	return s.retryStep(ctx, view, rec)
}

// retryStep re-dispatches the in-flight step under its original idempotency
// key. No new StepStarted is appended; the existing intent still stands.
func (s *Service) retryStep(ctx context.Context, view saga.View, rec saga.StepRecord) (saga.RecoveryAction, error) {
	view, err := s.appendRecovered(ctx, view, saga.RecoveryRetried, "re-dispatching in-flight step")
	if err != nil {
		return "", err
	}

	req := ports.ActionRequest{
		SagaID:         view.SagaID,
		CorrelationID:  view.CorrelationID,
		StepIndex:      rec.Index,
		ActionName:     rec.Name,
		IdempotencyKey: rec.IdempotencyKey,
		Parameters:     view.Parameters,
	}
	if err := s.executor.Execute(ctx, req); err != nil {
		return saga.RecoveryRetried, fmt.Errorf("re-dispatch step %d: %w", rec.Index, err)
	}

	s.logger.Info("In-flight step re-dispatched",
		zap.String("saga_id", view.SagaID.String()),
		zap.Int("step_index", rec.Index),
	)
	return saga.RecoveryRetried, nil
}

func (s *Service) resumeCompensation(ctx context.Context, view saga.View) (saga.RecoveryAction, error) {
	view, err := s.appendRecovered(ctx, view, saga.RecoveryCompensated, "resuming reverse walk")
	if err != nil {
		return "", err
	}
	return saga.RecoveryCompensated, s.engine.Advance(ctx, view)
}

// markFailed closes a stream that exceeded the recovery ceiling. Terminal;
// the saga requires operator intervention from here.
func (s *Service) markFailed(ctx context.Context, view saga.View) (saga.RecoveryAction, error) {
	view, err := s.appendRecovered(ctx, view, saga.RecoveryMarkedFailed,
		fmt.Sprintf("recovery ceiling of %d exceeded", s.cfg.MaxAttempts))
	if err != nil {
		return "", err
	}

	reason := fmt.Sprintf("%v after %d attempts", saga.ErrRecoveryCeiling, view.RecoveryAttempts)
	if _, err := s.engine.Append(ctx, view, saga.Failed{Reason: reason}); err != nil {
		return "", err
	}

	s.logger.Error("Saga marked failed by recovery",
		zap.String("saga_id", view.SagaID.String()),
		zap.Int("attempts", view.RecoveryAttempts),
	)
	if s.metrics != nil {
		s.metrics.IncSagaFailed(view.DefinitionName)
	}
	return saga.RecoveryMarkedFailed, nil
}

func (s *Service) appendRecovered(ctx context.Context, view saga.View, action saga.RecoveryAction, reason string) (saga.View, error) {
	return s.engine.Append(ctx, view, saga.Recovered{Action: action, Reason: reason})
}
