package cache

import (
	"context"
	"sync"

	"provisioner/domain/saga"
)

// MemoryViewCache is a process-local view cache for tests and single-node
// deployments.
type MemoryViewCache struct {
	mu    sync.RWMutex
	views map[saga.SagaID]saga.View
}

// NewMemoryViewCache creates an empty in-memory view cache
func NewMemoryViewCache() *MemoryViewCache {
	return &MemoryViewCache{views: make(map[saga.SagaID]saga.View)}
}

// Get returns the cached view for a saga, if present
func (c *MemoryViewCache) Get(_ context.Context, id saga.SagaID) (saga.View, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view, ok := c.views[id]
	return view, ok
}

// Set stores a view, replacing any older cached version
func (c *MemoryViewCache) Set(_ context.Context, v saga.View) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.views[v.SagaID] = v
	return nil
}

// Invalidate removes a saga's cached view
func (c *MemoryViewCache) Invalidate(_ context.Context, id saga.SagaID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.views, id)
	return nil
}
