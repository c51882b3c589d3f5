package saga

import (
	"encoding/json"
	"fmt"
)

// ActionType tags what the executor should do next for a saga
type ActionType string

const (
	ActionExecute    ActionType = "execute"
	ActionCompensate ActionType = "compensate"
	ActionNone       ActionType = "none"
)

// NextAction is the engine's answer to "what should the executor do now".
// It is a pure query over the current view and mutates nothing; state only
// changes when results are reported back, which keeps every decision
// replayable and side-effect-free.
type NextAction struct {
	Type           ActionType
	StepIndex      int
	StepName       string
	IdempotencyKey string
}

// Decide computes the next action for a view under its definition
func Decide(v View, def *Definition) NextAction {
	switch v.Status {
	case StatusRunning:
		if v.Cursor >= v.StepCount {
			// All steps resolved; the engine owes the stream a Completed.
			return NextAction{Type: ActionNone}
		}
		if v.StepInFlight(v.Cursor) {
			return NextAction{Type: ActionNone}
		}
		step, ok := def.Step(v.Cursor)
		if !ok {
			return NextAction{Type: ActionNone}
		}
		return NextAction{
			Type:           ActionExecute,
			StepIndex:      v.Cursor,
			StepName:       step.Name,
			IdempotencyKey: def.StepKey(v.ScopeKey, v.Cursor),
		}

	case StatusCompensating:
		if v.Compensation == nil || len(v.Compensation.Queue) == 0 {
			return NextAction{Type: ActionNone}
		}
		idx := v.Compensation.Queue[0]
		step, ok := def.Step(idx)
		if !ok {
			return NextAction{Type: ActionNone}
		}
		return NextAction{
			Type:           ActionCompensate,
			StepIndex:      idx,
			StepName:       step.CompensationName,
			IdempotencyKey: def.CompensationKey(v.ScopeKey, idx),
		}
	}

	return NextAction{Type: ActionNone}
}

// StepOutcome is a reported step result from the external executor
type StepOutcome struct {
	Success bool
	Output  json.RawMessage
	Reason  string
}

// NewStarted builds the stream-opening event for a definition
func NewStarted(def *Definition, scopeKey string, parameters json.RawMessage) Started {
	return Started{
		DefinitionName: def.Name(),
		ScopeKey:       scopeKey,
		Parameters:     parameters,
		StepCount:      def.StepCount(),
	}
}

// NextStepStarted builds the dispatch event for the step at the cursor
func NextStepStarted(v View, def *Definition) (StepStarted, error) {
	step, ok := def.Step(v.Cursor)
	if !ok {
		return StepStarted{}, fmt.Errorf("cursor %d out of range for %s", v.Cursor, def.Name())
	}
	attempt := 1
	if rec, ok := v.CurrentStep(); ok {
		attempt = rec.Attempts + 1
	}
	return StepStarted{
		StepIndex:      v.Cursor,
		StepName:       step.Name,
		IdempotencyKey: def.StepKey(v.ScopeKey, v.Cursor),
		Attempt:        attempt,
	}, nil
}

// ResolveStep turns a reported outcome into the event that resolves the
// in-flight step. A report for anything other than the current, in-flight
// step is stale: the caller drops and logs it, never retries it.
func ResolveStep(v View, stepIndex int, outcome StepOutcome) (Event, error) {
	if v.Status != StatusRunning {
		return nil, fmt.Errorf("%w: saga is %s", ErrStaleReport, v.Status)
	}
	if stepIndex != v.Cursor {
		return nil, fmt.Errorf("%w: report for step %d, cursor at %d", ErrStaleReport, stepIndex, v.Cursor)
	}
	if !v.StepInFlight(stepIndex) {
		return nil, fmt.Errorf("%w: step %d not in flight", ErrStaleReport, stepIndex)
	}

	name := v.Steps[stepIndex].Name
	if outcome.Success {
		return StepCompleted{StepIndex: stepIndex, StepName: name, Output: outcome.Output}, nil
	}
	return StepFailed{StepIndex: stepIndex, StepName: name, Reason: outcome.Reason}, nil
}

// BeginCompensation builds the event that opens the reverse walk over the
// steps that completed before the failure, newest first.
func BeginCompensation(v View) CompensationStarted {
	queue := make([]int, 0, len(v.CompletionOrder))
	for i := len(v.CompletionOrder) - 1; i >= 0; i-- {
		queue = append(queue, v.CompletionOrder[i])
	}
	return CompensationStarted{FailedStep: v.FailedStep, Queue: queue}
}

// AggregateCompensationOutcome computes the saga-level outcome once the
// reverse walk has visited every queued step.
func AggregateCompensationOutcome(v View) CompensationOutcome {
	if v.Compensation == nil || len(v.Compensation.Results) == 0 {
		// Failure before any step produced a compensable side effect.
		return CompensationNotNeeded
	}
	failed := 0
	for _, r := range v.Compensation.Results {
		if r.Outcome == CompStepFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return FullyCompensated
	case failed == len(v.Compensation.Results):
		return CompensationFailed
	default:
		return PartiallyCompensated
	}
}
