package projections

import (
	"sync"
	"time"

	"provisioner/domain/saga"
)

// StatsSnapshot is an immutable copy of the statistics read model.
type StatsSnapshot struct {
	SagasStarted        int64            `json:"sagas_started"`
	SagasCompleted      int64            `json:"sagas_completed"`
	SagasFailed         int64            `json:"sagas_failed"`
	SagasCompensated    int64            `json:"sagas_compensated"`
	StepsCompleted      int64            `json:"steps_completed"`
	StepsFailed         int64            `json:"steps_failed"`
	CompensationsByKind map[string]int64 `json:"compensations_by_kind"`
	RecoveriesByAction  map[string]int64 `json:"recoveries_by_action"`
	LastEventAt         time.Time        `json:"last_event_at"`
}

// SagaStats maintains aggregate counters across every saga stream.
// It is rebuilt by replaying all streams through Apply in order.
type SagaStats struct {
	mu    sync.RWMutex
	snap  StatsSnapshot
	dirty bool
}

// NewSagaStats creates an empty statistics projection
func NewSagaStats() *SagaStats {
	return &SagaStats{
		snap: StatsSnapshot{
			CompensationsByKind: make(map[string]int64),
			RecoveriesByAction:  make(map[string]int64),
		},
	}
}

// Name implements Projection
func (s *SagaStats) Name() string {
	return "saga_stats"
}

// Apply implements Projection
func (s *SagaStats) Apply(env saga.Envelope) error {
	event, err := env.Event()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := event.(type) {
	case saga.Started:
		s.snap.SagasStarted++
	case saga.StepCompleted:
		s.snap.StepsCompleted++
	case saga.StepFailed:
		s.snap.StepsFailed++
	case saga.Completed:
		s.snap.SagasCompleted++
	case saga.Failed:
		s.snap.SagasFailed++
	case saga.CompensationCompleted:
		s.snap.CompensationsByKind[string(e.Outcome)]++
		if e.Outcome != saga.CompensationFailed {
			s.snap.SagasCompensated++
		}
	case saga.Recovered:
		s.snap.RecoveriesByAction[string(e.Action)]++
	case saga.UnknownEvent:
		// Forward compatibility: count nothing, never fail.
	}

	s.snap.LastEventAt = env.Timestamp
	s.dirty = true
	return nil
}

// Snapshot returns a copy of the current counters
func (s *SagaStats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	out.CompensationsByKind = copyCounts(s.snap.CompensationsByKind)
	out.RecoveriesByAction = copyCounts(s.snap.RecoveriesByAction)
	return out
}

// Reset clears all counters before a rebuild
func (s *SagaStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = StatsSnapshot{
		CompensationsByKind: make(map[string]int64),
		RecoveriesByAction:  make(map[string]int64),
	}
	s.dirty = false
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
