package saga

import "errors"

var (
	// ErrConcurrencyConflict is returned by the event store when the
	// expected stream version does not match the stored version. Callers
	// resolve it by reloading the view and recomputing their decision.
	ErrConcurrencyConflict = errors.New("concurrency conflict: expected version mismatch")

	// ErrStreamClosed is returned when appending to a stream that already
	// has a terminal event.
	ErrStreamClosed = errors.New("stream closed: terminal event already appended")

	// ErrStreamNotFound is returned when reading a stream that has no events.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStaleReport is returned when a step result arrives for a step that
	// has already been superseded. Stale reports are dropped and logged,
	// never retried.
	ErrStaleReport = errors.New("stale report: step already superseded")

	// ErrDuplicateSaga is returned when a saga with the same derived
	// idempotency scope already has an open stream.
	ErrDuplicateSaga = errors.New("duplicate saga: idempotency scope already open")

	// ErrUnknownDefinition is returned when a saga references a definition
	// that is not registered.
	ErrUnknownDefinition = errors.New("unknown saga definition")

	// ErrRecoveryCeiling is returned when an open stream has been through
	// more recovery attempts than the configured ceiling. The saga is marked
	// failed and requires operator intervention.
	ErrRecoveryCeiling = errors.New("recovery attempt ceiling exceeded")
)
