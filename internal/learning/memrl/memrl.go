// Package memrl implements the entry-level Q-learning reranker: a
// two-phase retrieval pass that blends vector similarity with each
// candidate's learned Q-value, and an idempotent feedback step that nudges
// those Q-values toward an observed reward (spec §4.5.2).
package memrl

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

// Config holds the tunables from spec §6 (memrl.*).
type Config struct {
	Delta float64 // δ, similarity floor for Phase A, default 0.3
	Lambda float64 // λ, composite blend weight, default 0.3
	Alpha  float64 // α, Q-value feedback learning rate, default 0.1
	MinQ   float64 // default 0.1
	MaxQ   float64 // default 1.0
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{Delta: 0.3, Lambda: 0.3, Alpha: 0.1, MinQ: 0.1, MaxQ: 1.0}
}

func (c Config) clampQ(q float64) float64 {
	if q < c.MinQ {
		return c.MinQ
	}
	if q > c.MaxQ {
		return c.MaxQ
	}
	return q
}

// Candidate is one raw vector-search hit: an index label and its cosine
// similarity to the query.
type Candidate struct {
	Label      int64
	Similarity float64
}

// Ranked is one reranked result.
type Ranked struct {
	EntryID    types.EntryID
	Similarity float64
	QValue     float64
	Composite  float64
}

// Rank runs the two-phase MemRL retrieval over a set of vector-search
// candidates, persists a memrl_query row capturing the candidate set, and
// returns the top-k results by composite score. When no candidate survives
// Phase A, the returned query is not persisted and no results are returned.
//
// Phase A drops candidates below cfg.Delta similarity and resolves labels
// to entry ids. Phase B z-score normalizes similarity and Q-value across
// the surviving candidates and blends them via cfg.Lambda.
func Rank(ctx context.Context, eng storage.Engine, queryText string, candidates []Candidate, topK int, cfg Config) (*types.MemRLQuery, []Ranked, error) {
	type resolved struct {
		entryID    types.EntryID
		similarity float64
	}

	var survivors []resolved
	for _, c := range candidates {
		if c.Similarity < cfg.Delta {
			continue
		}
		mapping, err := eng.GetVectorMappingByLabel(ctx, c.Label)
		if err == types.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		survivors = append(survivors, resolved{mapping.EntryID, c.Similarity})
	}

	if len(survivors) == 0 {
		return &types.MemRLQuery{
			ID:        types.MemRLQueryID(uuid.NewString()),
			QueryText: queryText,
			Delta:     cfg.Delta,
			Lambda:    cfg.Lambda,
		}, nil, nil
	}

	entryIDs := make([]types.EntryID, len(survivors))
	for i, s := range survivors {
		entryIDs[i] = s.entryID
	}
	qByID, err := eng.GetQValuesBatch(ctx, entryIDs)
	if err != nil {
		return nil, nil, err
	}

	similarities := make([]float64, len(survivors))
	qValues := make([]float64, len(survivors))
	for i, s := range survivors {
		similarities[i] = s.similarity
		q, ok := qByID[s.entryID]
		if !ok {
			q = 0.5
		}
		qValues[i] = q
	}

	simZ := zScore(similarities)
	qZ := zScore(qValues)

	ranked := make([]Ranked, len(survivors))
	for i, s := range survivors {
		ranked[i] = Ranked{
			EntryID:    s.entryID,
			Similarity: s.similarity,
			QValue:     qValues[i],
			Composite:  (1-cfg.Lambda)*simZ[i] + cfg.Lambda*qZ[i],
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Composite > ranked[j].Composite })
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	query := &types.MemRLQuery{
		ID:           types.MemRLQueryID(uuid.NewString()),
		QueryText:    queryText,
		EntryIDs:     entryIDs,
		Similarities: similarities,
		QValues:      qValues,
		Delta:        cfg.Delta,
		Lambda:       cfg.Lambda,
	}
	if err := eng.StoreMemRLQuery(ctx, query); err != nil {
		return nil, nil, err
	}
	return query, ranked, nil
}

// zScore returns (x - mean) / stddev for every value, or all zeros when
// the sample has zero variance (every candidate tied).
func zScore(values []float64) []float64 {
	n := float64(len(values))
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= n

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n
	std := math.Sqrt(variance)

	out := make([]float64, len(values))
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// ApplyFeedback nudges the Q-value of every entry in the query's candidate
// set toward reward r: q_new = q_old + α(r - q_old), clamped to
// [cfg.MinQ, cfg.MaxQ]. A query may receive feedback at most once.
func ApplyFeedback(ctx context.Context, eng storage.Engine, queryID types.MemRLQueryID, reward float64, cfg Config) error {
	query, err := eng.GetMemRLQuery(ctx, queryID)
	if err != nil {
		return err
	}
	if query.FeedbackApplied {
		return types.ErrAlreadyApplied
	}

	updates := make(map[types.EntryID]float64, len(query.EntryIDs))
	if len(query.EntryIDs) > 0 {
		current, err := eng.GetQValuesBatch(ctx, query.EntryIDs)
		if err != nil {
			return err
		}
		for _, id := range query.EntryIDs {
			qOld, ok := current[id]
			if !ok {
				qOld = 0.5
			}
			updates[id] = cfg.clampQ(qOld + cfg.Alpha*(reward-qOld))
		}
	}

	if _, err := eng.UpdateQValuesBatch(ctx, updates); err != nil {
		return err
	}
	return eng.MarkMemRLQueryFeedback(ctx, queryID)
}
