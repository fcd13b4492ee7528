package engine

import (
	"context"
	"fmt"

	"github.com/nervomem/corebrain/internal/causal"
	"github.com/nervomem/corebrain/internal/types"
)

// Edit applies a partial update to an existing entry (spec §4.8 `edit`).
// Content changes leave the stored embedding in place; callers that need
// a re-embed should delete and re-store.
func (e *Engine) Edit(ctx context.Context, id types.EntryID, patch types.EditPatch) (*types.Entry, error) {
	if e.readOnly {
		return nil, types.ErrInvalidArgument
	}

	entry, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Content != nil {
		entry.Content = *patch.Content
	}
	if patch.Tags != nil {
		entry.Tags = *patch.Tags
	}
	if patch.Importance != nil {
		entry.Importance = types.Clamp01(*patch.Importance)
	}
	if patch.Confidence != nil {
		entry.Confidence = types.Clamp01(*patch.Confidence)
	}

	meta := types.EntryMeta{Source: entry.Source, SessionID: entry.SessionID, AgentID: entry.AgentID, Tags: entry.Tags}
	if err := types.ValidateMeta(meta); err != nil {
		return nil, err
	}

	if err := e.store.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes an entry and cascades to every dependent subsystem
// named by the entry lifecycle (spec.md §3): its vector mapping (and
// index node), its provenance edges (any children are re-parented to a
// null root rather than deleted — DeleteEntry itself does the
// re-parenting), every causal hyperedge touching it, and every
// trajectory reference to it.
func (e *Engine) Delete(ctx context.Context, id types.EntryID) error {
	if e.readOnly {
		return types.ErrInvalidArgument
	}

	mapping, err := e.store.GetVectorMapping(ctx, id)
	if err == nil {
		e.mu.Lock()
		_ = e.vecIdx.Delete(mapping.Label)
		e.mu.Unlock()
		if err := e.store.DeleteVectorMapping(ctx, id); err != nil {
			return err
		}
	} else if err != types.ErrNotFound {
		return err
	}

	if err := e.store.DeleteCausalEdgesTouching(ctx, id); err != nil {
		return err
	}

	if err := e.store.PruneTrajectoriesReferencing(ctx, id); err != nil {
		return err
	}

	if err := e.store.DeleteEntry(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	graph, err := causal.Load(ctx, e.store)
	if err != nil {
		return fmt.Errorf("engine: refreshing causal graph: %w", err)
	}
	e.causalGraph = graph
	return nil
}
