// Package causal builds an in-memory hypergraph over an entry store's
// active causal edges and answers directed, strength-weighted traversal
// and path-finding queries against it (spec §4.4).
//
// A Graph is a snapshot loaded from storage.Engine.GetActiveCausal and does
// not see edges written after Load returns; callers that keep one resident
// reload it after writes. This is the same load-then-traverse shape the teacher uses
// for its topology-based link prediction graph, adapted here from an
// undirected adjacency set to a directed, typed, strength-weighted
// hyperedge index with source/target arenas.
package causal

import (
	"context"
	"sort"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

// Direction constrains which hyperedges a traversal may follow relative to
// the current entry.
type Direction string

const (
	DirectionForward  Direction = "forward"  // follow edges where the current entry is a source
	DirectionBackward Direction = "backward" // follow edges where the current entry is a target
	DirectionBoth     Direction = "both"
)

// TraversalOptions bounds a graph walk (spec §4.4).
type TraversalOptions struct {
	Direction     Direction
	MaxDepth      int
	MinStrength   float64
	RelationTypes []types.RelationType // empty means all types pass
}

func (o TraversalOptions) allowsType(t types.RelationType) bool {
	if len(o.RelationTypes) == 0 {
		return true
	}
	for _, rt := range o.RelationTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Path is one traversal result: the entries visited in order, the edges
// that connected them, and the multiplicatively-accumulated strength.
type Path struct {
	EntryIDs      []types.EntryID
	EdgeIDs       []types.CausalEdgeID
	TotalStrength float64
}

// Graph is an arena of active hyperedges plus source/target adjacency
// indexes, built by Load from storage and then traversed entirely in
// memory.
type Graph struct {
	edges    map[types.CausalEdgeID]*types.CausalEdge
	bySource map[types.EntryID][]types.CausalEdgeID
	byTarget map[types.EntryID][]types.CausalEdgeID
}

// Load builds a Graph from every currently active (non-expired) hyperedge.
func Load(ctx context.Context, eng storage.Engine) (*Graph, error) {
	active, err := eng.GetActiveCausal(ctx)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		edges:    make(map[types.CausalEdgeID]*types.CausalEdge, len(active)),
		bySource: make(map[types.EntryID][]types.CausalEdgeID),
		byTarget: make(map[types.EntryID][]types.CausalEdgeID),
	}
	for _, e := range active {
		g.edges[e.ID] = e
		for _, sid := range e.SourceIDs {
			g.bySource[sid] = append(g.bySource[sid], e.ID)
		}
		for _, tid := range e.TargetIDs {
			g.byTarget[tid] = append(g.byTarget[tid], e.ID)
		}
	}
	return g, nil
}

// outgoing returns the (edge, neighbor) pairs reachable from entry under
// the given direction, respecting type and strength filters.
func (g *Graph) outgoing(entry types.EntryID, opts TraversalOptions) []struct {
	edge     *types.CausalEdge
	neighbor types.EntryID
} {
	var out []struct {
		edge     *types.CausalEdge
		neighbor types.EntryID
	}

	visit := func(edgeIDs []types.CausalEdgeID, neighborsOf func(*types.CausalEdge) []types.EntryID) {
		for _, eid := range edgeIDs {
			e := g.edges[eid]
			if e == nil || e.Strength < opts.MinStrength || !opts.allowsType(e.Type) {
				continue
			}
			for _, n := range neighborsOf(e) {
				out = append(out, struct {
					edge     *types.CausalEdge
					neighbor types.EntryID
				}{e, n})
			}
		}
	}

	if opts.Direction == DirectionForward || opts.Direction == DirectionBoth {
		visit(g.bySource[entry], func(e *types.CausalEdge) []types.EntryID { return e.TargetIDs })
	}
	if opts.Direction == DirectionBackward || opts.Direction == DirectionBoth {
		visit(g.byTarget[entry], func(e *types.CausalEdge) []types.EntryID { return e.SourceIDs })
	}
	return out
}

// FindPaths enumerates every simple path (no revisited entry) from source
// to target within opts.MaxDepth hops, depth-first, accumulating strength
// multiplicatively across hops. Results are sorted by descending total
// strength, then by ascending path length (spec §4.4).
func (g *Graph) FindPaths(source, target types.EntryID, opts TraversalOptions) []Path {
	var results []Path
	visited := map[types.EntryID]bool{source: true}
	entries := []types.EntryID{source}
	var edgeIDs []types.CausalEdgeID

	var walk func(current types.EntryID, depth int, strength float64)
	walk = func(current types.EntryID, depth int, strength float64) {
		if current == target && depth > 0 {
			results = append(results, Path{
				EntryIDs:      append([]types.EntryID(nil), entries...),
				EdgeIDs:       append([]types.CausalEdgeID(nil), edgeIDs...),
				TotalStrength: strength,
			})
			return
		}
		if depth >= opts.MaxDepth {
			return
		}
		for _, step := range g.outgoing(current, opts) {
			if visited[step.neighbor] {
				continue // cycle guard: never revisit an entry already in the path
			}
			visited[step.neighbor] = true
			entries = append(entries, step.neighbor)
			edgeIDs = append(edgeIDs, step.edge.ID)

			walk(step.neighbor, depth+1, strength*step.edge.Strength)

			edgeIDs = edgeIDs[:len(edgeIDs)-1]
			entries = entries[:len(entries)-1]
			visited[step.neighbor] = false
		}
	}
	walk(source, 0, 1.0)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].TotalStrength != results[j].TotalStrength {
			return results[i].TotalStrength > results[j].TotalStrength
		}
		return len(results[i].EntryIDs) < len(results[j].EntryIDs)
	})
	return results
}

// Reachable performs an open-ended traversal from source (no fixed
// target), returning one Path per distinct entry reached, keeping the
// strongest route found to each.
func (g *Graph) Reachable(source types.EntryID, opts TraversalOptions) []Path {
	best := map[types.EntryID]Path{}
	visited := map[types.EntryID]bool{source: true}
	entries := []types.EntryID{source}
	var edgeIDs []types.CausalEdgeID

	var walk func(current types.EntryID, depth int, strength float64)
	walk = func(current types.EntryID, depth int, strength float64) {
		if depth >= opts.MaxDepth {
			return
		}
		for _, step := range g.outgoing(current, opts) {
			if visited[step.neighbor] {
				continue
			}
			nextStrength := strength * step.edge.Strength
			visited[step.neighbor] = true
			entries = append(entries, step.neighbor)
			edgeIDs = append(edgeIDs, step.edge.ID)

			if existing, ok := best[step.neighbor]; !ok || nextStrength > existing.TotalStrength {
				best[step.neighbor] = Path{
					EntryIDs:      append([]types.EntryID(nil), entries...),
					EdgeIDs:       append([]types.CausalEdgeID(nil), edgeIDs...),
					TotalStrength: nextStrength,
				}
			}

			walk(step.neighbor, depth+1, nextStrength)

			edgeIDs = edgeIDs[:len(edgeIDs)-1]
			entries = entries[:len(entries)-1]
			visited[step.neighbor] = false
		}
	}
	walk(source, 0, 1.0)

	out := make([]Path, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalStrength != out[j].TotalStrength {
			return out[i].TotalStrength > out[j].TotalStrength
		}
		return len(out[i].EntryIDs) < len(out[j].EntryIDs)
	})
	return out
}

// CleanupExpired deletes every hyperedge past its TTL, returning the count
// removed. Callers should reload the Graph afterward if they hold one.
func CleanupExpired(ctx context.Context, eng storage.Engine) (int, error) {
	return eng.DeleteExpiredCausal(ctx)
}
