package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nervomem/corebrain/internal/causal"
	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

// AddCausal stores a new typed, strength-weighted hyperedge and refreshes
// the in-memory causal mirror so subsequent traversals observe it
// immediately (spec §4.4, §4.8 `add_causal`).
func (e *Engine) AddCausal(ctx context.Context, sources, targets []types.EntryID, relType types.RelationType, strength float64, ttl *time.Duration) (*types.CausalEdge, error) {
	if e.readOnly {
		return nil, types.ErrInvalidArgument
	}
	if len(sources) == 0 || len(targets) == 0 {
		return nil, types.ErrInvalidArgument
	}

	now := time.Now()
	edge := &types.CausalEdge{
		ID:        types.CausalEdgeID(uuid.NewString()),
		Type:      relType,
		SourceIDs: sources,
		TargetIDs: targets,
		Strength:  strength,
		CreatedAt: now,
		TTL:       ttl,
	}
	if ttl != nil {
		expires := now.Add(*ttl)
		edge.ExpiresAt = &expires
	}

	if err := e.store.StoreCausal(ctx, edge); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	graph, err := causal.Load(ctx, e.store)
	if err != nil {
		return nil, fmt.Errorf("engine: refreshing causal graph: %w", err)
	}
	e.causalGraph = graph

	return edge, nil
}

// FindPaths restricts causal traversal to paths ending at target (spec
// §4.4 `findPaths`).
func (e *Engine) FindPaths(source, target types.EntryID, opts causal.TraversalOptions) []causal.Path {
	e.mu.Lock()
	graph := e.causalGraph
	e.mu.Unlock()
	return graph.FindPaths(source, target, opts)
}

// Reachable performs an open-ended causal traversal from source.
func (e *Engine) Reachable(source types.EntryID, opts causal.TraversalOptions) []causal.Path {
	e.mu.Lock()
	graph := e.causalGraph
	e.mu.Unlock()
	return graph.Reachable(source, opts)
}

// CleanupExpiredCausal removes expired hyperedges from storage and
// refreshes the in-memory mirror, returning the count removed (spec
// §4.4 `cleanup_expired`).
func (e *Engine) CleanupExpiredCausal(ctx context.Context) (int, error) {
	if e.readOnly {
		return 0, types.ErrInvalidArgument
	}
	n, err := e.store.DeleteExpiredCausal(ctx)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	graph, err := causal.Load(ctx, e.store)
	if err != nil {
		return n, fmt.Errorf("engine: refreshing causal graph: %w", err)
	}
	e.causalGraph = graph
	return n, nil
}

// TraceLineage returns every ancestor of id up to maxDepth, via a single
// recursive lineage query (spec §4.1 `get_lineage_entry_ids`, §4.8
// `trace_lineage`).
func (e *Engine) TraceLineage(ctx context.Context, id types.EntryID, maxDepth int) ([]*types.Entry, error) {
	ids, err := storage.GetLineageEntryIDs(ctx, e.store, id, maxDepth)
	if err != nil {
		return nil, err
	}
	byID, err := e.store.GetBatchEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := byID[id]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}
