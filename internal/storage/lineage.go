package storage

import (
	"context"

	"github.com/nervomem/corebrain/internal/types"
)

// GetLineageEntryIDs walks the provenance parent graph upward from root
// breadth-first, batching one GetBatchProvenance call per frontier level
// instead of issuing a GetParentIDs call per visited node. maxDepth bounds
// how many levels are walked: 0 returns nothing, 1 returns just root's
// direct parents, and a negative maxDepth walks without bound.
//
// The returned slice is ordered by discovery (root's parents first, then
// grandparents, ...) and contains no duplicates even across diamond-shaped
// lineages.
func GetLineageEntryIDs(ctx context.Context, eng Engine, root types.EntryID, maxDepth int) ([]types.EntryID, error) {
	visited := map[types.EntryID]struct{}{root: {}}
	var order []types.EntryID

	frontier := []types.EntryID{root}
	for level := 0; len(frontier) > 0; level++ {
		if maxDepth >= 0 && level >= maxDepth {
			break
		}

		provByID, err := eng.GetBatchProvenance(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []types.EntryID
		for _, id := range frontier {
			prov, ok := provByID[id]
			if !ok {
				continue
			}
			for _, pid := range prov.ParentIDs {
				if _, seen := visited[pid]; seen {
					continue
				}
				visited[pid] = struct{}{}
				order = append(order, pid)
				next = append(next, pid)
			}
		}
		frontier = next
	}
	return order, nil
}
