// Package queries defines the read-side requests over saga streams and the
// projections derived from them.
package queries

import (
	"errors"
	"fmt"

	"provisioner/domain/saga"
)

// GetSagaQuery fetches the current view of one saga
type GetSagaQuery struct {
	SagaID string
}

// Validate implements bus.Query
func (q GetSagaQuery) Validate() error {
	if q.SagaID == "" {
		return errors.New("saga_id is required")
	}
	return nil
}

// ListOpenSagasQuery lists the views of every open stream, for dashboards
// and recovery tooling. Status narrows the listing to "running" or
// "compensating"; empty means both.
type ListOpenSagasQuery struct {
	Status string
	Limit  int
}

// Validate implements bus.Query
func (q ListOpenSagasQuery) Validate() error {
	if q.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	switch q.Status {
	case "", string(saga.StatusRunning), string(saga.StatusCompensating):
		return nil
	default:
		return fmt.Errorf("status %q is not an open saga status", q.Status)
	}
}

// ReadStreamQuery returns the raw envelopes of a stream from a version
// onward. External read-models use it to catch up after reconnecting.
type ReadStreamQuery struct {
	SagaID      string
	FromVersion uint64
}

// Validate implements bus.Query
func (q ReadStreamQuery) Validate() error {
	if q.SagaID == "" {
		return errors.New("saga_id is required")
	}
	return nil
}

// GetStatsQuery returns the saga statistics projection snapshot
type GetStatsQuery struct{}

// Validate implements bus.Query
func (q GetStatsQuery) Validate() error { return nil }
