package saga

import "github.com/google/uuid"

// SagaID uniquely identifies one workflow execution.
// Assigned at start, immutable, never reused.
type SagaID string

// NewSagaID creates a new random SagaID
func NewSagaID() SagaID {
	return SagaID(uuid.New().String())
}

// String returns the string representation
func (id SagaID) String() string {
	return string(id)
}

// IsZero reports whether the id is unset
func (id SagaID) IsZero() bool {
	return id == ""
}

// CorrelationID is shared by every event and command belonging to one
// logical business operation. It may span multiple sagas and is used for
// cross-cutting observability, never for ordering.
type CorrelationID string

// NewCorrelationID creates a new random CorrelationID
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

// String returns the string representation
func (id CorrelationID) String() string {
	return string(id)
}

// newEventID assigns the store-level identity of a single envelope
func newEventID() string {
	return uuid.New().String()
}

// CausationID identifies the event or command that directly produced the
// current event. Causation ids form a directed acyclic causal graph, not a
// total order.
type CausationID string

// String returns the string representation
func (id CausationID) String() string {
	return string(id)
}
