// Package provenance computes and propagates L-Score, the lineage-aggregated
// reliability score every entry's provenance record carries.
//
// The shape mirrors the teacher's decay package: components are combined
// multiplicatively, the result is clamped to [0,1], and named reliability
// tiers bucket the outcome. Where the teacher's decay.CalculateScore blends
// recency/frequency/importance, L-Score blends per-link confidence and
// relevance across an entry's ancestry, attenuated by depth.
package provenance

import (
	"context"
	"math"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

// DefaultDecayBase is the default per-depth-level attenuation factor
// (spec §4.3). Each additional hop of lineage multiplies the aggregate
// score by this factor.
const DefaultDecayBase = 0.9

// Config holds the tunable parameters of the L-Score computation.
type Config struct {
	DecayBase float64 // in (0, 1), default 0.9
	MaxDepth  int      // bound on propagate_l_score_update's descendant walk
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{DecayBase: DefaultDecayBase, MaxDepth: 64}
}

// Compute derives entry's L-Score from its own provenance link and every
// ancestor's link, per spec §4.3:
//
//	f_i = confidence_i * relevance_i for each ancestor link i
//	l_score = clamp(geometric_mean(f_i) * decay_base^depth, 0, 1)
//
// Roots (depth 0) always score 1.0.
func Compute(ctx context.Context, eng storage.Engine, entryID types.EntryID, cfg Config) (float64, error) {
	prov, err := eng.GetProvenance(ctx, entryID)
	if err != nil {
		return 0, err
	}
	if prov.Depth == 0 {
		return 1.0, nil
	}

	ancestors, err := storage.GetLineageEntryIDs(ctx, eng, entryID, cfg.MaxDepth)
	if err != nil {
		return 0, err
	}

	ids := make([]types.EntryID, 0, len(ancestors)+1)
	ids = append(ids, entryID)
	ids = append(ids, ancestors...)

	provByID, err := eng.GetBatchProvenance(ctx, ids)
	if err != nil {
		return 0, err
	}

	product := 1.0
	n := 0
	for _, id := range ids {
		p, ok := provByID[id]
		if !ok || p.Depth == 0 {
			continue // roots carry no confidence/relevance link of their own
		}
		product *= p.Confidence * p.Relevance
		n++
	}
	if n == 0 {
		return 1.0, nil
	}

	geoMean := math.Pow(product, 1.0/float64(n))
	decay := math.Pow(cfg.DecayBase, float64(prov.Depth))
	return types.Clamp01(geoMean * decay), nil
}

// PropagateUpdate recomputes entryID's L-Score, persists it, then walks its
// descendants breadth-first (bounded by cfg.MaxDepth) recomputing each in
// turn. Recomputation is idempotent: re-running against an unchanged graph
// always converges to the same scores.
func PropagateUpdate(ctx context.Context, eng storage.Engine, entryID types.EntryID, cfg Config) error {
	visited := map[types.EntryID]struct{}{}
	frontier := []types.EntryID{entryID}

	for level := 0; len(frontier) > 0; level++ {
		if cfg.MaxDepth >= 0 && level > cfg.MaxDepth {
			break
		}
		var next []types.EntryID
		for _, id := range frontier {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}

			score, err := Compute(ctx, eng, id, cfg)
			if err != nil {
				return err
			}
			if err := eng.UpdateLScore(ctx, id, score); err != nil {
				return err
			}

			children, err := eng.GetChildIDs(ctx, id)
			if err != nil {
				return err
			}
			next = append(next, children...)
		}
		frontier = next
	}
	return nil
}

// Tier classifies an L-Score into the named reliability bands (spec §4.3).
func Tier(lscore float64) types.ReliabilityTier { return types.Tier(lscore) }
