package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nervomem/corebrain/internal/learning/memrl"
	"github.com/nervomem/corebrain/internal/learning/sona"
	"github.com/nervomem/corebrain/internal/router"
	"github.com/nervomem/corebrain/internal/types"
	"github.com/nervomem/corebrain/internal/vector"
)

// Query retrieves and ranks entries for text, following the facade's
// five-step pipeline (spec §4.8 `query`):
//
//  1. Ask the router for a strategy.
//  2. Embed, normalize, search the vector index with k' = max(topK*3, 30).
//  3. Apply tag/importance filters.
//  4. Rank with MemRL if enabled, else with learned pattern weights.
//  5. Open a trajectory recording the final ranked ids and scores.
//
// Query never returns an error for a degraded ranking subsystem — per
// spec §7, learning and shadow-search failures are demoted to warnings
// and never fail a user-level query. It still returns an error for
// persistence or cancellation failures, since those leave the caller with
// no results to act on at all.
func (e *Engine) Query(ctx context.Context, text string, opts QueryOptions) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	route := e.selectRoute(opts)
	if !e.router.Allow(route) {
		route = router.RouteDirectRetrieval
	}

	if e.embedder == nil {
		e.router.RecordResult(route, types.ErrProviderUnavailable)
		return nil, nil
	}

	vec, err := e.embedder.Embed(ctx, truncate(text, e.cfg.Embedding.MaxChars))
	if err != nil {
		e.router.RecordResult(route, err)
		return nil, nil // degraded: query always returns a (possibly empty) list
	}
	vec = vector.Normalize(vec)

	kPrime := opts.TopK * 3
	if kPrime < 30 {
		kPrime = 30
	}

	e.mu.Lock()
	hits, err := e.vecIdx.Search(vec, kPrime)
	e.mu.Unlock()
	if err != nil {
		e.router.RecordResult(route, err)
		return nil, fmt.Errorf("engine: vector search: %w", err)
	}

	entries, filtered, err := e.resolveAndFilter(ctx, hits, opts)
	if err != nil {
		e.router.RecordResult(route, err)
		return nil, err
	}
	if len(filtered) == 0 {
		e.router.RecordResult(route, nil)
		return nil, nil
	}

	rankedIDs, rankedScores, memrlQueryID := e.rank(ctx, text, filtered, opts, route, entries)

	if len(rankedIDs) > opts.TopK {
		rankedIDs = rankedIDs[:opts.TopK]
		rankedScores = rankedScores[:opts.TopK]
	}

	traj := &types.Trajectory{
		ID:             types.TrajectoryID(uuid.NewString()),
		QueryText:      text,
		MatchedEntries: rankedIDs,
		MatchScores:    rankedScores,
		Embedding:      vec,
		Route:          string(route),
		CreatedAt:      time.Now(),
	}
	if !e.readOnly {
		if err := e.store.StoreTrajectory(ctx, traj); err != nil {
			e.router.RecordResult(route, err)
			return nil, fmt.Errorf("engine: storing trajectory: %w", err)
		}
	}

	e.router.RecordResult(route, nil)

	results := make([]SearchResult, len(rankedIDs))
	for i, id := range rankedIDs {
		results[i] = SearchResult{Entry: entries[id], Score: rankedScores[i], TrajectoryID: traj.ID, MemRLQueryID: memrlQueryID}
	}
	return results, nil
}

// selectRoute asks the router for a strategy. CoreBrain always prefers
// hybrid ranking first, falling back through pattern-matching and plain
// vector retrieval. The adversarial and causal routes are never offered to
// the router here, and no other facade method selects them either.
func (e *Engine) selectRoute(opts QueryOptions) router.Route {
	preferred := []router.Route{router.RouteHybrid, router.RoutePatternMatch, router.RouteDirectRetrieval}
	if opts.UseMemRL {
		preferred = []router.Route{router.RouteHybrid, router.RouteDirectRetrieval}
	}
	return e.router.Select(preferred)
}

// resolveAndFilter resolves each candidate vector label to an entry,
// applies the caller's tag/importance filters, and returns both the
// loaded entries (by id) and the surviving candidates in descending
// similarity order.
func (e *Engine) resolveAndFilter(ctx context.Context, hits []vector.SearchResult, opts QueryOptions) (map[types.EntryID]*types.Entry, []memrl.Candidate, error) {
	entries := make(map[types.EntryID]*types.Entry)
	candidates := make([]memrl.Candidate, 0, len(hits))

	for _, h := range hits {
		mapping, err := e.store.GetVectorMappingByLabel(ctx, h.Label)
		if err != nil {
			continue
		}
		entry, err := e.store.GetEntry(ctx, mapping.EntryID)
		if err != nil {
			continue
		}
		if entry.PendingEmbedding {
			continue
		}
		if entry.Importance < opts.MinImportance {
			continue
		}
		if !hasAllTags(entry, opts.RequiredTags) {
			continue
		}
		entries[entry.ID] = entry
		candidates = append(candidates, memrl.Candidate{Label: h.Label, Similarity: h.Score})
	}
	return entries, candidates, nil
}

func hasAllTags(entry *types.Entry, required []string) bool {
	for _, tag := range required {
		if !entry.ContainsTag(tag) {
			return false
		}
	}
	return true
}

// rank applies MemRL composite reranking when enabled, otherwise Sona's
// pattern-weight multiplier, returning entry ids, final scores, and (when
// MemRL ran) the persisted memrl_query id feedback must reference later.
func (e *Engine) rank(ctx context.Context, text string, candidates []memrl.Candidate, opts QueryOptions, route router.Route, entries map[types.EntryID]*types.Entry) ([]types.EntryID, []float64, types.MemRLQueryID) {
	if opts.UseMemRL {
		query, ranked, err := memrl.Rank(ctx, e.store, text, candidates, opts.TopK, e.memrlCfg)
		if err == nil {
			ids := make([]types.EntryID, len(ranked))
			scores := make([]float64, len(ranked))
			for i, r := range ranked {
				ids[i] = r.EntryID
				scores[i] = r.Composite
			}
			return ids, scores, query.ID
		}
		// demoted to a warning (spec §7): fall through to pattern-weight ranking.
		e.log.Printf("memrl rerank failed, falling back to pattern weights: %v", err)
	}

	ids, scores := e.applyPatternWeights(ctx, candidates, route, entries)
	return ids, scores, ""
}

// applyPatternWeights resolves labels to entries, looks up the single
// pattern weight associated with the selected route (CoreBrain treats the
// chosen route name as the matched pattern id for ranking purposes — see
// DESIGN.md), and resorts via sona.Apply.
func (e *Engine) applyPatternWeights(ctx context.Context, candidates []memrl.Candidate, route router.Route, entries map[types.EntryID]*types.Entry) ([]types.EntryID, []float64) {
	weight := 0.5
	if pw, err := e.store.GetPatternWeight(ctx, string(route)); err == nil && pw != nil {
		weight = pw.Weight
	}

	scores := make(map[string]float64, len(candidates))
	byLabel := make(map[string]types.EntryID, len(candidates))
	for _, c := range candidates {
		mapping, err := e.store.GetVectorMappingByLabel(ctx, c.Label)
		if err != nil {
			continue
		}
		scores[string(mapping.EntryID)] = c.Similarity
		byLabel[string(mapping.EntryID)] = mapping.EntryID
	}
	weights := make(map[string]float64, len(scores))
	for id := range scores {
		weights[id] = weight
	}

	ordered := sona.Apply(scores, weights)
	ids := make([]types.EntryID, 0, len(ordered))
	finalScores := make([]float64, 0, len(ordered))
	for _, idStr := range ordered {
		id := byLabel[idStr]
		if _, ok := entries[id]; !ok {
			continue
		}
		ids = append(ids, id)
		finalScores = append(finalScores, scores[idStr]*(0.5+weight))
	}
	return ids, finalScores
}
