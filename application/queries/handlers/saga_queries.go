package handlers

import (
	"context"
	"fmt"

	"provisioner/application/ports"
	"provisioner/application/projections"
	"provisioner/application/queries"
	"provisioner/application/queries/bus"
	"provisioner/domain/saga"

	"go.uber.org/zap"
)

// GetSagaHandler folds a stream into its current view. The cache is
// consulted first but the stream head always wins; the cache is never the
// source of truth.
type GetSagaHandler struct {
	store  ports.EventStore
	cache  ports.ViewCache
	logger *zap.Logger
}

// NewGetSagaHandler creates the handler. Cache may be nil.
func NewGetSagaHandler(store ports.EventStore, cache ports.ViewCache, logger *zap.Logger) *GetSagaHandler {
	return &GetSagaHandler{store: store, cache: cache, logger: logger}
}

// Handle implements bus.QueryHandler
func (h *GetSagaHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetSagaQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected query type %T", query)
	}

	id := saga.SagaID(q.SagaID)
	envelopes, err := h.store.Read(ctx, id, 1)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if cached, ok := h.cache.Get(ctx, id); ok && cached.Version == uint64(len(envelopes)) {
			return cached, nil
		}
	}

	view := saga.FoldStream(id, envelopes)
	if h.cache != nil {
		if err := h.cache.Set(ctx, view); err != nil {
			h.logger.Debug("View cache set failed", zap.Error(err))
		}
	}
	return view, nil
}

// ListOpenSagasHandler folds every open stream. Folding is safe to run
// concurrently with writers because it never mutates the store.
type ListOpenSagasHandler struct {
	store  ports.EventStore
	logger *zap.Logger
}

// NewListOpenSagasHandler creates the handler
func NewListOpenSagasHandler(store ports.EventStore, logger *zap.Logger) *ListOpenSagasHandler {
	return &ListOpenSagasHandler{store: store, logger: logger}
}

// Handle implements bus.QueryHandler
func (h *ListOpenSagasHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.ListOpenSagasQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected query type %T", query)
	}

	ids, err := h.store.OpenStreams(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]saga.View, 0, len(ids))
	for _, id := range ids {
		if q.Limit > 0 && len(views) == q.Limit {
			break
		}
		envelopes, err := h.store.Read(ctx, id, 1)
		if err != nil {
			h.logger.Warn("Skipping unreadable stream",
				zap.String("saga_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		view := saga.FoldStream(id, envelopes)
		if q.Status != "" && string(view.Status) != q.Status {
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

// ReadStreamHandler serves the replay interface
type ReadStreamHandler struct {
	store ports.EventStore
}

// NewReadStreamHandler creates the handler
func NewReadStreamHandler(store ports.EventStore) *ReadStreamHandler {
	return &ReadStreamHandler{store: store}
}

// Handle implements bus.QueryHandler
func (h *ReadStreamHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.ReadStreamQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected query type %T", query)
	}

	from := q.FromVersion
	if from < 1 {
		from = 1
	}
	return h.store.Read(ctx, saga.SagaID(q.SagaID), from)
}

// GetStatsHandler serves the statistics projection snapshot
type GetStatsHandler struct {
	stats *projections.SagaStats
}

// NewGetStatsHandler creates the handler
func NewGetStatsHandler(stats *projections.SagaStats) *GetStatsHandler {
	return &GetStatsHandler{stats: stats}
}

// Handle implements bus.QueryHandler
func (h *GetStatsHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	if _, ok := query.(queries.GetStatsQuery); !ok {
		return nil, fmt.Errorf("unexpected query type %T", query)
	}
	return h.stats.Snapshot(), nil
}
