package saga

import (
	"encoding/json"
	"fmt"
)

// EventKind tags the variant of a saga event. The set is open-ended: events
// written by newer processes may carry kinds this process does not know, and
// every consumer must keep an explicit unknown-variant arm (see UnknownEvent).
type EventKind string

const (
	KindStarted                   EventKind = "saga.started"
	KindStepStarted               EventKind = "saga.step.started"
	KindStepCompleted             EventKind = "saga.step.completed"
	KindStepFailed                EventKind = "saga.step.failed"
	KindCompleted                 EventKind = "saga.completed"
	KindFailed                    EventKind = "saga.failed"
	KindCompensationStarted       EventKind = "saga.compensation.started"
	KindCompensationStepCompleted EventKind = "saga.compensation.step.completed"
	KindCompensationCompleted     EventKind = "saga.compensation.completed"
	KindResumed                   EventKind = "saga.resumed"
	KindRecovered                 EventKind = "saga.recovered"
)

// terminalKinds close a stream; nothing may be appended after one of these.
var terminalKinds = map[EventKind]bool{
	KindCompleted:             true,
	KindFailed:                true,
	KindCompensationCompleted: true,
}

// IsTerminal reports whether kind closes a stream
func (k EventKind) IsTerminal() bool {
	return terminalKinds[k]
}

// Event is an immutable, typed fact about a saga's progress
type Event interface {
	Kind() EventKind
}

// CompensationOutcome is the aggregate result of a compensation walk,
// recorded once per saga when compensation concludes.
type CompensationOutcome string

const (
	FullyCompensated      CompensationOutcome = "fully_compensated"
	PartiallyCompensated  CompensationOutcome = "partially_compensated"
	CompensationNotNeeded CompensationOutcome = "not_needed"
	CompensationFailed    CompensationOutcome = "failed"
)

// StepCompensationOutcome is the per-step result of a compensating action
type StepCompensationOutcome string

const (
	CompStepSucceeded StepCompensationOutcome = "succeeded"
	CompStepFailed    StepCompensationOutcome = "failed"
	CompStepSkipped   StepCompensationOutcome = "skipped"
)

// RecoveryAction records what the recovery subsystem decided for an
// interrupted saga. Recorded once per recovery attempt.
type RecoveryAction string

const (
	RecoveryResumed      RecoveryAction = "resumed"
	RecoveryCompensated  RecoveryAction = "compensated"
	RecoveryMarkedFailed RecoveryAction = "marked_failed"
	RecoveryRetried      RecoveryAction = "retried"
)

// Started opens a stream. Exactly one exists per stream, always first.
type Started struct {
	DefinitionName string          `json:"definition_name"`
	ScopeKey       string          `json:"scope_key"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	StepCount      int             `json:"step_count"`
}

func (Started) Kind() EventKind { return KindStarted }

// StepStarted records that a step was dispatched to the executor
type StepStarted struct {
	StepIndex      int    `json:"step_index"`
	StepName       string `json:"step_name"`
	IdempotencyKey string `json:"idempotency_key"`
	Attempt        int    `json:"attempt"`
}

func (StepStarted) Kind() EventKind { return KindStepStarted }

// StepCompleted resolves an in-flight step successfully and advances the cursor
type StepCompleted struct {
	StepIndex int             `json:"step_index"`
	StepName  string          `json:"step_name"`
	Output    json.RawMessage `json:"output,omitempty"`
}

func (StepCompleted) Kind() EventKind { return KindStepCompleted }

// StepFailed resolves an in-flight step with a failure and transitions the
// saga to Compensating. Cancellations and executor timeouts surface as
// StepFailed too; the engine treats them identically.
type StepFailed struct {
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
	Reason    string `json:"reason"`
}

func (StepFailed) Kind() EventKind { return KindStepFailed }

// Completed is the terminal event of a fully successful saga
type Completed struct{}

func (Completed) Kind() EventKind { return KindCompleted }

// Failed is the terminal event of a saga that cannot be salvaged
type Failed struct {
	Reason string `json:"reason"`
}

func (Failed) Kind() EventKind { return KindFailed }

// CompensationStarted records the reverse walk about to happen. Queue holds
// the step indexes in reverse completion order (not reverse definition
// order: steps that never executed are not in it).
type CompensationStarted struct {
	FailedStep int   `json:"failed_step"`
	Queue      []int `json:"queue"`
}

func (CompensationStarted) Kind() EventKind { return KindCompensationStarted }

// CompensationStepCompleted records the per-step outcome of a compensating
// action. A Failed outcome does not halt the walk.
type CompensationStepCompleted struct {
	StepIndex int                     `json:"step_index"`
	Outcome   StepCompensationOutcome `json:"outcome"`
	Attempts  int                     `json:"attempts"`
	Reason    string                  `json:"reason,omitempty"`
}

func (CompensationStepCompleted) Kind() EventKind { return KindCompensationStepCompleted }

// CompensationCompleted is the terminal event of a compensated saga
type CompensationCompleted struct {
	Outcome CompensationOutcome `json:"outcome"`
}

func (CompensationCompleted) Kind() EventKind { return KindCompensationCompleted }

// Resumed resolves an in-flight step whose side effect the executor confirmed
// already happened; the step is counted as completed without re-execution.
type Resumed struct {
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
}

func (Resumed) Kind() EventKind { return KindResumed }

// Recovered is appended exactly once per recovery attempt, before normal
// processing resumes, so recovery itself is auditable and replay-safe.
type Recovered struct {
	Action RecoveryAction `json:"action"`
	Reason string         `json:"reason,omitempty"`
}

func (Recovered) Kind() EventKind { return KindRecovered }

// UnknownEvent is the fallback arm for event kinds written by a newer
// process. Folding ignores it; it must never be treated as an error.
type UnknownEvent struct {
	RawKind EventKind
	Payload json.RawMessage
}

func (e UnknownEvent) Kind() EventKind { return e.RawKind }

// DecodeEvent turns a kind and payload back into a typed event. Unrecognized
// kinds decode to UnknownEvent so old readers tolerate new variants.
func DecodeEvent(kind EventKind, payload json.RawMessage) (Event, error) {
	var target Event
	switch kind {
	case KindStarted:
		target = &Started{}
	case KindStepStarted:
		target = &StepStarted{}
	case KindStepCompleted:
		target = &StepCompleted{}
	case KindStepFailed:
		target = &StepFailed{}
	case KindCompleted:
		target = &Completed{}
	case KindFailed:
		target = &Failed{}
	case KindCompensationStarted:
		target = &CompensationStarted{}
	case KindCompensationStepCompleted:
		target = &CompensationStepCompleted{}
	case KindCompensationCompleted:
		target = &CompensationCompleted{}
	case KindResumed:
		target = &Resumed{}
	case KindRecovered:
		target = &Recovered{}
	default:
		return UnknownEvent{RawKind: kind, Payload: payload}, nil
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}

	// Return by value to keep events immutable once decoded
	switch e := target.(type) {
	case *Started:
		return *e, nil
	case *StepStarted:
		return *e, nil
	case *StepCompleted:
		return *e, nil
	case *StepFailed:
		return *e, nil
	case *Completed:
		return *e, nil
	case *Failed:
		return *e, nil
	case *CompensationStarted:
		return *e, nil
	case *CompensationStepCompleted:
		return *e, nil
	case *CompensationCompleted:
		return *e, nil
	case *Resumed:
		return *e, nil
	case *Recovered:
		return *e, nil
	}
	return target, nil
}
