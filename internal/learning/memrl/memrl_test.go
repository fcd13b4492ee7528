package memrl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

func mustEntryWithLabel(t *testing.T, ctx context.Context, eng storage.Engine, id types.EntryID, label int64, qValue float64) {
	t.Helper()
	e := &types.Entry{ID: id, Content: string(id), CreatedAt: time.Now(), UpdatedAt: time.Now(), QValue: qValue}
	require.NoError(t, eng.StoreEntry(ctx, e, nil, 1, 1))
	require.NoError(t, eng.StoreVectorMapping(ctx, id, label))
}

func TestRank_DropsCandidatesBelowDelta(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.5)
	mustEntryWithLabel(t, ctx, eng, "b", 2, 0.5)

	cfg := DefaultConfig()
	candidates := []Candidate{{Label: 1, Similarity: 0.9}, {Label: 2, Similarity: 0.1}}

	query, ranked, err := Rank(ctx, eng, "q", candidates, 10, cfg)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, types.EntryID("a"), ranked[0].EntryID)
	assert.Len(t, query.EntryIDs, 1)
}

func TestRank_CompositeBlendsSimilarityAndQValue(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "low-sim-high-q", 1, 0.95)
	mustEntryWithLabel(t, ctx, eng, "high-sim-low-q", 2, 0.05)

	cfg := DefaultConfig()
	cfg.Lambda = 0.9 // weight Q-value heavily
	candidates := []Candidate{
		{Label: 1, Similarity: 0.4},
		{Label: 2, Similarity: 0.95},
	}

	_, ranked, err := Rank(ctx, eng, "q", candidates, 10, cfg)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, types.EntryID("low-sim-high-q"), ranked[0].EntryID)
}

func TestRank_TopKTruncates(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.5)
	mustEntryWithLabel(t, ctx, eng, "b", 2, 0.5)
	mustEntryWithLabel(t, ctx, eng, "c", 3, 0.5)

	cfg := DefaultConfig()
	candidates := []Candidate{
		{Label: 1, Similarity: 0.9},
		{Label: 2, Similarity: 0.8},
		{Label: 3, Similarity: 0.7},
	}

	_, ranked, err := Rank(ctx, eng, "q", candidates, 2, cfg)
	require.NoError(t, err)
	assert.Len(t, ranked, 2)
}

func TestRank_TiedValuesGiveZeroStddevWithoutPanic(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.5)
	mustEntryWithLabel(t, ctx, eng, "b", 2, 0.5)

	cfg := DefaultConfig()
	candidates := []Candidate{
		{Label: 1, Similarity: 0.6},
		{Label: 2, Similarity: 0.6},
	}

	_, ranked, err := Rank(ctx, eng, "q", candidates, 10, cfg)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, 0.0, ranked[0].Composite)
	assert.Equal(t, 0.0, ranked[1].Composite)
}

func TestRank_PersistsMemRLQuery(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.5)

	cfg := DefaultConfig()
	query, _, err := Rank(ctx, eng, "hello", []Candidate{{Label: 1, Similarity: 0.9}}, 10, cfg)
	require.NoError(t, err)

	stored, err := eng.GetMemRLQuery(ctx, query.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.QueryText)
	assert.Equal(t, []types.EntryID{"a"}, stored.EntryIDs)
	assert.False(t, stored.FeedbackApplied)
}

func TestApplyFeedback_UpdatesQValueTowardReward(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.5)

	cfg := DefaultConfig()
	query, _, err := Rank(ctx, eng, "q", []Candidate{{Label: 1, Similarity: 0.9}}, 10, cfg)
	require.NoError(t, err)

	require.NoError(t, ApplyFeedback(ctx, eng, query.ID, 1.0, cfg))

	qs, err := eng.GetQValuesBatch(ctx, []types.EntryID{"a"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5+0.1*(1.0-0.5), qs["a"], 1e-9)
}

func TestApplyFeedback_ClampsToConfiguredBounds(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.05)

	cfg := DefaultConfig()
	query, _, err := Rank(ctx, eng, "q", []Candidate{{Label: 1, Similarity: 0.9}}, 10, cfg)
	require.NoError(t, err)

	require.NoError(t, ApplyFeedback(ctx, eng, query.ID, 0.0, cfg))

	qs, err := eng.GetQValuesBatch(ctx, []types.EntryID{"a"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, qs["a"], cfg.MinQ)
}

func TestApplyFeedback_RejectsSecondApplication(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	mustEntryWithLabel(t, ctx, eng, "a", 1, 0.5)

	cfg := DefaultConfig()
	query, _, err := Rank(ctx, eng, "q", []Candidate{{Label: 1, Similarity: 0.9}}, 10, cfg)
	require.NoError(t, err)

	require.NoError(t, ApplyFeedback(ctx, eng, query.ID, 1.0, cfg))
	err = ApplyFeedback(ctx, eng, query.ID, 1.0, cfg)
	assert.ErrorIs(t, err, types.ErrAlreadyApplied)
}
