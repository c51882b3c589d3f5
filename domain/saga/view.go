package saga

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a saga execution
type Status string

const (
	StatusNotStarted   Status = "not_started"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// IsTerminal reports whether the saga has reached a final state
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// StepStatus is the lifecycle state of a single step
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepInFlight StepStatus = "in_flight"
	StepDone     StepStatus = "completed"
	StepFailedAt StepStatus = "failed"
)

// StepRecord is the per-step outcome history inside a view
type StepRecord struct {
	Index           int             `json:"index"`
	Name            string          `json:"name"`
	Status          StepStatus      `json:"status"`
	Attempts        int             `json:"attempts"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ResolvedByProbe bool            `json:"resolved_by_probe,omitempty"`
}

// CompensationStepRecord is the recorded outcome of one compensating action
type CompensationStepRecord struct {
	StepIndex int                     `json:"step_index"`
	Outcome   StepCompensationOutcome `json:"outcome"`
	Attempts  int                     `json:"attempts"`
	Reason    string                  `json:"reason,omitempty"`
}

// CompensationProgress tracks an in-flight reverse walk
type CompensationProgress struct {
	FailedStep int                      `json:"failed_step"`
	Queue      []int                    `json:"queue"` // remaining step indexes, reverse completion order
	Results    []CompensationStepRecord `json:"results"`
}

// View is the derived, read-only projection of a saga's current state.
// It is recomputable at any time by folding the stream from the beginning
// and is never hand-mutated outside the fold.
type View struct {
	SagaID         SagaID          `json:"saga_id"`
	DefinitionName string          `json:"definition_name"`
	ScopeKey       string          `json:"scope_key"`
	CorrelationID  CorrelationID   `json:"correlation_id"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`

	Status Status `json:"status"`

	// Cursor is the index of the next step to execute while Running
	Cursor    int          `json:"cursor"`
	StepCount int          `json:"step_count"`
	Steps     []StepRecord `json:"steps"`

	// CompletionOrder holds step indexes in the order they completed,
	// which is what the reverse compensation walk follows.
	CompletionOrder []int `json:"completion_order"`

	FailedStep    int    `json:"failed_step"` // -1 until a step fails
	FailureReason string `json:"failure_reason,omitempty"`

	Compensation        *CompensationProgress `json:"compensation,omitempty"`
	CompensationOutcome CompensationOutcome   `json:"compensation_outcome,omitempty"`

	RecoveryAttempts   int            `json:"recovery_attempts"`
	LastRecoveryAction RecoveryAction `json:"last_recovery_action,omitempty"`

	// Version is the stream version of the last folded envelope; it is the
	// expected version for the next append.
	Version   uint64    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewView returns the seed state folded over by the first envelope
func NewView(id SagaID) View {
	return View{
		SagaID:     id,
		Status:     StatusNotStarted,
		FailedStep: -1,
	}
}

// CurrentStep returns the record at the cursor, or false when the cursor is
// past the last step.
func (v View) CurrentStep() (StepRecord, bool) {
	if v.Cursor < 0 || v.Cursor >= len(v.Steps) {
		return StepRecord{}, false
	}
	return v.Steps[v.Cursor], true
}

// StepInFlight reports whether the step at index is dispatched but unresolved
func (v View) StepInFlight(index int) bool {
	if index < 0 || index >= len(v.Steps) {
		return false
	}
	return v.Steps[index].Status == StepInFlight
}

// CompletedSteps returns the records of steps that completed, in completion order
func (v View) CompletedSteps() []StepRecord {
	out := make([]StepRecord, 0, len(v.CompletionOrder))
	for _, idx := range v.CompletionOrder {
		out = append(out, v.Steps[idx])
	}
	return out
}

// Open reports whether the stream is a candidate for recovery: started but
// without a terminal event.
func (v View) Open() bool {
	return v.Status != StatusNotStarted && !v.Status.IsTerminal()
}
