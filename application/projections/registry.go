// Package projections contains in-process read models built by folding
// envelopes as they are appended. Every projection is rebuildable from the
// event store and is never the source of truth.
package projections

import (
	"fmt"
	"sync"

	"provisioner/domain/saga"

	"go.uber.org/zap"
)

// Projection consumes envelopes to maintain a derived read model.
// Apply must tolerate unknown event kinds (forward compatibility) and must
// never fail a writer: errors are reported to the registry's error handler,
// not returned up the append path.
type Projection interface {
	Name() string
	Apply(env saga.Envelope) error
}

// Registry fans appended envelopes out to registered projections.
// It implements the engine's projection sink port.
type Registry struct {
	mu          sync.RWMutex
	projections map[string]Projection
	logger      *zap.Logger
}

// NewRegistry creates an empty projection registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		projections: make(map[string]Projection),
		logger:      logger,
	}
}

// Register adds a projection
func (r *Registry) Register(p Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projections[p.Name()]; exists {
		return fmt.Errorf("projection %q already registered", p.Name())
	}
	r.projections[p.Name()] = p

	r.logger.Info("Registered projection", zap.String("name", p.Name()))
	return nil
}

// Dispatch routes one envelope to every projection. Projection errors are
// logged and swallowed; a read model must never fail a write.
func (r *Registry) Dispatch(env saga.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.projections {
		if err := p.Apply(env); err != nil {
			r.logger.Error("Projection apply failed",
				zap.String("projection", p.Name()),
				zap.String("saga_id", env.SagaID.String()),
				zap.String("kind", string(env.EventKind)),
				zap.Error(err),
			)
		}
	}
}
