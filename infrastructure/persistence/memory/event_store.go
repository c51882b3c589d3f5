// Package memory provides an in-process event store with the same append
// semantics as the DynamoDB store. Used by tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"provisioner/domain/saga"
)

// EventStore keeps per-saga streams in memory behind one mutex.
// Semantics match the durable stores: version-checked appends, terminal
// guard, scope index released on close.
type EventStore struct {
	mu      sync.RWMutex
	streams map[saga.SagaID][]saga.Envelope
	closed  map[saga.SagaID]bool
	scopes  map[string]saga.SagaID // scope key -> open saga
}

// NewEventStore creates an empty in-memory event store
func NewEventStore() *EventStore {
	return &EventStore{
		streams: make(map[saga.SagaID][]saga.Envelope),
		closed:  make(map[saga.SagaID]bool),
		scopes:  make(map[string]saga.SagaID),
	}
}

// Append writes one envelope guarded by the expected-version check
func (s *EventStore) Append(ctx context.Context, id saga.SagaID, expectedVersion uint64, env saga.Envelope) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[id]
	current := uint64(len(stream))

	if s.closed[id] {
		return 0, fmt.Errorf("saga %s: %w", id, saga.ErrStreamClosed)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("saga %s: have %d, expected %d: %w", id, current, expectedVersion, saga.ErrConcurrencyConflict)
	}
	if env.Version != expectedVersion+1 {
		return 0, fmt.Errorf("saga %s: envelope version %d, want %d: %w", id, env.Version, expectedVersion+1, saga.ErrConcurrencyConflict)
	}

	if env.EventKind == saga.KindStarted {
		if scope := startedScope(env); scope != "" {
			if holder, open := s.scopes[scope]; open && holder != id {
				return 0, fmt.Errorf("scope %s held by %s: %w", scope, holder, saga.ErrDuplicateSaga)
			}
			s.scopes[scope] = id
		}
	}

	s.streams[id] = append(stream, env)

	if env.IsTerminal() {
		s.closed[id] = true
		for scope, holder := range s.scopes {
			if holder == id {
				delete(s.scopes, scope)
			}
		}
	}

	return env.Version, nil
}

// Read returns the ordered envelopes from fromVersion (1-based, inclusive)
func (s *EventStore) Read(ctx context.Context, id saga.SagaID, fromVersion uint64) ([]saga.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, saga.ErrStreamNotFound)
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > uint64(len(stream)) {
		return []saga.Envelope{}, nil
	}

	out := make([]saga.Envelope, len(stream)-int(fromVersion)+1)
	copy(out, stream[fromVersion-1:])
	return out, nil
}

// OpenStreams lists sagas without a terminal event
func (s *EventStore) OpenStreams(ctx context.Context) ([]saga.SagaID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []saga.SagaID
	for id := range s.streams {
		if !s.closed[id] {
			open = append(open, id)
		}
	}
	return open, nil
}

// OpenByScope returns the open saga holding an idempotency scope
func (s *EventStore) OpenByScope(ctx context.Context, scopeKey string) (saga.SagaID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.scopes[scopeKey]
	return id, ok, nil
}

func startedScope(env saga.Envelope) string {
	event, err := env.Event()
	if err != nil {
		return ""
	}
	started, ok := event.(saga.Started)
	if !ok {
		return ""
	}
	return started.ScopeKey
}
