// Package shadow implements adversarial contradiction search: querying the
// vector index with a negated embedding to surface entries that plausibly
// oppose the original query, then weighing supports against contradictions
// into a single credibility score (spec §4.6).
package shadow

import (
	"context"
	"sort"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
	"github.com/nervomem/corebrain/internal/vector"
)

// Classification buckets a contradiction by how strongly it opposes the
// original query.
type Classification string

const (
	DirectNegation Classification = "direct_negation" // strength >= 0.8
	Counterargument Classification = "counterargument" // strength >= 0.6
	Alternative     Classification = "alternative"      // strength >= 0.5
	Exception       Classification = "exception"        // strength < 0.5
)

// Classify buckets a contradiction's opposing-search score into one of the
// four named bands.
func Classify(strength float64) Classification {
	switch {
	case strength >= 0.8:
		return DirectNegation
	case strength >= 0.6:
		return Counterargument
	case strength >= 0.5:
		return Alternative
	default:
		return Exception
	}
}

// Support is one entry retrieved searching with the original query vector.
type Support struct {
	EntryID types.EntryID
	Score   float64
	LScore  float64
}

// Contradiction is one entry retrieved searching with the negated query
// vector.
type Contradiction struct {
	EntryID        types.EntryID
	Strength       float64
	LScore         float64
	Classification Classification
}

// Result is the full outcome of a shadow search.
type Result struct {
	Supports      []Support
	Contradictions []Contradiction
	Credibility   float64
}

// negate returns the element-wise negation of v: shadow = -v.
func negate(v []float32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}

// Search runs the original query vector for supports and its negation for
// contradictions, classifies each contradiction, and computes an overall
// credibility score.
func Search(ctx context.Context, eng storage.Engine, idx *vector.Index, queryVec []float32, k int) (*Result, error) {
	supportHits, err := idx.Search(queryVec, k)
	if err != nil {
		return nil, err
	}
	contradictionHits, err := idx.Search(negate(queryVec), k)
	if err != nil {
		return nil, err
	}

	supports, err := resolveSupports(ctx, eng, supportHits)
	if err != nil {
		return nil, err
	}
	contradictions, err := resolveContradictions(ctx, eng, contradictionHits)
	if err != nil {
		return nil, err
	}

	var s, c float64
	for _, sup := range supports {
		s += sup.Score * sup.LScore
	}
	for _, con := range contradictions {
		c += con.Strength * con.LScore
	}

	credibility := 0.5
	if s+c > 0 {
		credibility = types.Clamp01(s / (s + c))
	}

	return &Result{Supports: supports, Contradictions: contradictions, Credibility: credibility}, nil
}

func resolveSupports(ctx context.Context, eng storage.Engine, hits []vector.SearchResult) ([]Support, error) {
	entryIDs, lookup, err := resolveEntryIDs(ctx, eng, hits)
	if err != nil {
		return nil, err
	}
	lscores, err := eng.GetBatchProvenance(ctx, entryIDs)
	if err != nil {
		return nil, err
	}

	out := make([]Support, 0, len(hits))
	for _, hit := range hits {
		entryID, ok := lookup[hit.Label]
		if !ok {
			continue
		}
		out = append(out, Support{EntryID: entryID, Score: hit.Score, LScore: lscoreOf(lscores, entryID)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func resolveContradictions(ctx context.Context, eng storage.Engine, hits []vector.SearchResult) ([]Contradiction, error) {
	entryIDs, lookup, err := resolveEntryIDs(ctx, eng, hits)
	if err != nil {
		return nil, err
	}
	lscores, err := eng.GetBatchProvenance(ctx, entryIDs)
	if err != nil {
		return nil, err
	}

	out := make([]Contradiction, 0, len(hits))
	for _, hit := range hits {
		entryID, ok := lookup[hit.Label]
		if !ok {
			continue
		}
		out = append(out, Contradiction{
			EntryID:        entryID,
			Strength:       hit.Score,
			LScore:         lscoreOf(lscores, entryID),
			Classification: Classify(hit.Score),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out, nil
}

func resolveEntryIDs(ctx context.Context, eng storage.Engine, hits []vector.SearchResult) ([]types.EntryID, map[int64]types.EntryID, error) {
	entryIDs := make([]types.EntryID, 0, len(hits))
	lookup := make(map[int64]types.EntryID, len(hits))
	for _, hit := range hits {
		mapping, err := eng.GetVectorMappingByLabel(ctx, hit.Label)
		if err == types.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		entryIDs = append(entryIDs, mapping.EntryID)
		lookup[hit.Label] = mapping.EntryID
	}
	return entryIDs, lookup, nil
}

func lscoreOf(provByID map[types.EntryID]*types.Provenance, id types.EntryID) float64 {
	p, ok := provByID[id]
	if !ok {
		return 1.0
	}
	return p.LScore
}
