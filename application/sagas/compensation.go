package sagas

import (
	"context"
	"time"

	"provisioner/application/ports"
	"provisioner/domain/saga"

	"go.uber.org/zap"
)

// CompensationConfig bounds the retry behavior of compensating actions.
// Exhausting the attempt budget records that step's outcome as Failed but
// never halts the reverse walk; every queued step is attempted.
type CompensationConfig struct {
	// MaxAttempts is the total number of invocations per compensating
	// action, including the first.
	MaxAttempts int

	// BaseBackoff is the delay before the second attempt; it doubles per
	// attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c CompensationConfig) withDefaults() CompensationConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// compensate runs the reverse walk for a saga in Compensating until the
// stream reaches its terminal CompensationCompleted. The walk resumes
// cleanly mid-queue, which is exactly what recovery needs after a crash.
func (e *Engine) compensate(ctx context.Context, view saga.View, def *saga.Definition) (saga.View, error) {
	var err error

	if view.Compensation == nil {
		started := saga.BeginCompensation(view)
		view, err = e.Append(ctx, view, started)
		if err != nil {
			return view, err
		}
		e.logger.Info("Compensation started",
			zap.String("saga_id", view.SagaID.String()),
			zap.Int("failed_step", started.FailedStep),
			zap.Ints("queue", started.Queue),
		)
	}

	for len(view.Compensation.Queue) > 0 {
		idx := view.Compensation.Queue[0]
		result := e.compensateStep(ctx, view, def, idx)

		view, err = e.Append(ctx, view, result)
		if err != nil {
			return view, err
		}
	}

	outcome := saga.AggregateCompensationOutcome(view)
	view, err = e.Append(ctx, view, saga.CompensationCompleted{Outcome: outcome})
	if err != nil {
		return view, err
	}

	e.logger.Info("Compensation completed",
		zap.String("saga_id", view.SagaID.String()),
		zap.String("outcome", string(outcome)),
	)
	if e.metrics != nil {
		e.metrics.IncSagaCompensated(view.DefinitionName, outcome)
		// A failed walk terminates the saga as Failed, not Compensated.
		if outcome == saga.CompensationFailed {
			e.metrics.IncSagaFailed(view.DefinitionName)
		}
	}
	return view, nil
}

// compensateStep invokes one compensating action with bounded retries and
// exponential backoff, and reports the per-step outcome event.
func (e *Engine) compensateStep(ctx context.Context, view saga.View, def *saga.Definition, idx int) saga.CompensationStepCompleted {
	step, ok := def.Step(idx)
	if !ok || !step.HasCompensation() {
		return saga.CompensationStepCompleted{
			StepIndex: idx,
			Outcome:   saga.CompStepSkipped,
		}
	}

	req := ports.ActionRequest{
		SagaID:         view.SagaID,
		CorrelationID:  view.CorrelationID,
		StepIndex:      idx,
		ActionName:     step.CompensationName,
		IdempotencyKey: def.CompensationKey(view.ScopeKey, idx),
		Parameters:     view.Parameters,
	}

	var lastErr error
	backoff := e.compensation.BaseBackoff
	for attempt := 1; attempt <= e.compensation.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				return saga.CompensationStepCompleted{
					StepIndex: idx,
					Outcome:   saga.CompStepFailed,
					Attempts:  attempt - 1,
					Reason:    lastErr.Error(),
				}
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > e.compensation.MaxBackoff {
				backoff = e.compensation.MaxBackoff
			}
		}

		if lastErr = e.executor.Compensate(ctx, req); lastErr == nil {
			return saga.CompensationStepCompleted{
				StepIndex: idx,
				Outcome:   saga.CompStepSucceeded,
				Attempts:  attempt,
			}
		}

		e.logger.Warn("Compensating action failed",
			zap.String("saga_id", view.SagaID.String()),
			zap.Int("step_index", idx),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}

	return saga.CompensationStepCompleted{
		StepIndex: idx,
		Outcome:   saga.CompStepFailed,
		Attempts:  e.compensation.MaxAttempts,
		Reason:    lastErr.Error(),
	}
}
