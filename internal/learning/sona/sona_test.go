package sona

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
)

func patternWeight(id string, weight, importance float64, useCount, successCount int64) *types.PatternWeight {
	return &types.PatternWeight{
		PatternID:    id,
		Weight:       weight,
		Importance:   importance,
		UseCount:     useCount,
		SuccessCount: successCount,
		LastUpdate:   time.Now(),
	}
}

func TestApplyFeedback_PositiveQualityRaisesWeight(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	m := NewManager(eng, DefaultConfig())
	require.NoError(t, m.RecalibrateBaseline(ctx))

	result, err := m.ApplyFeedback(ctx, "pattern-a", 1.0, 1.0)
	require.NoError(t, err)
	assert.Greater(t, result.NewWeight, 0.5)
	assert.False(t, result.RolledBack)
}

func TestApplyFeedback_NegativeQualityLowersWeight(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	m := NewManager(eng, DefaultConfig())
	require.NoError(t, m.RecalibrateBaseline(ctx))

	result, err := m.ApplyFeedback(ctx, "pattern-a", 1.0, 0.0)
	require.NoError(t, err)
	assert.Less(t, result.NewWeight, 0.5)
}

func TestApplyFeedback_WeightStaysClamped(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	m := NewManager(eng, DefaultConfig())
	require.NoError(t, m.RecalibrateBaseline(ctx))

	for i := 0; i < 500; i++ {
		result, err := m.ApplyFeedback(ctx, "pattern-a", 1.0, 1.0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, result.NewWeight, 0.0)
		assert.LessOrEqual(t, result.NewWeight, 1.0)
		assert.GreaterOrEqual(t, result.Importance, 0.0)
	}
}

func TestApplyFeedback_UseAndSuccessCounters(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	m := NewManager(eng, DefaultConfig())
	require.NoError(t, m.RecalibrateBaseline(ctx))

	_, err := m.ApplyFeedback(ctx, "pattern-a", 1.0, 1.0)
	require.NoError(t, err)
	_, err = m.ApplyFeedback(ctx, "pattern-a", 1.0, 0.0)
	require.NoError(t, err)

	pw, err := eng.GetPatternWeight(ctx, "pattern-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, pw.UseCount)
	assert.EqualValues(t, 1, pw.SuccessCount)
}

// TestDrift_AlertChecksThenCriticalRollsBack drives the drift vector
// through the alert and critical bands by directly engineering the
// underlying pattern-weight population (several patterns parked at the
// opposite extreme from the baseline's neutral 0.5), since reaching those
// bands through the tiny per-feedback gradient alone would take an
// unrealistic number of steps. This exercises the checkpoint-on-alert and
// restore-on-critical mechanics with precomputed, exact cosine-drift values.
func TestDrift_AlertChecksThenCriticalRollsBack(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	m := NewManager(eng, DefaultConfig())
	require.NoError(t, m.RecalibrateBaseline(ctx)) // baseline: no patterns yet, all pad to 0.5

	require.NoError(t, eng.StorePatternWeight(ctx, patternWeight("bg1", 0, 0, 1, 0)))
	require.NoError(t, eng.StorePatternWeight(ctx, patternWeight("bg2", 0, 0, 1, 0)))
	require.NoError(t, eng.StorePatternWeight(ctx, patternWeight("p1", 1.0, 0, 1, 1)))

	// current=(1,0,0) vs baseline=(0.5,0.5,0.5): cos = 0.5/sqrt(0.75) ≈
	// 0.5774, drift ≈ 0.4226 — inside the alert band.
	result, err := m.ApplyFeedback(ctx, "p1", 1.0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, DriftAlert, result.Status)
	assert.False(t, result.RolledBack)

	cp, err := eng.GetLatestWeightCheckpoint(ctx)
	require.NoError(t, err, "a checkpoint should have been written at the alert crossing")
	assert.InDelta(t, 0.4226, cp.Drift, 0.001)

	require.NoError(t, eng.StorePatternWeight(ctx, patternWeight("bg3", 0, 0, 1, 0)))

	// current=(1,0,0,0) vs baseline=(0.5,0.5,0.5,0.5): cos = 0.5, drift = 0.5
	// — exactly the critical threshold.
	result, err = m.ApplyFeedback(ctx, "p1", 1.0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, DriftCritical, result.Status)
	assert.True(t, result.RolledBack)

	p1, err := eng.GetPatternWeight(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p1.Weight, "rollback should restore p1's checkpointed weight")
}

func TestMaintain_PrunesLowSuccessRatePatterns(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.StorePatternWeight(ctx, patternWeight("weak", 0.5, 0, 200, 10)))
	require.NoError(t, eng.StorePatternWeight(ctx, patternWeight("strong", 0.5, 0, 10, 9)))

	m := NewManager(eng, DefaultConfig())
	require.NoError(t, m.Maintain(ctx))

	_, err := eng.GetPatternWeight(ctx, "weak")
	require.Error(t, err)

	strong, err := eng.GetPatternWeight(ctx, "strong")
	require.NoError(t, err)
	assert.Greater(t, strong.Weight, 0.5, "high performer should be boosted")
}

func TestApply_WeightsReshapeOrdering(t *testing.T) {
	scores := map[string]float64{"low": 0.9, "high": 0.8}
	weights := map[string]float64{"low": 0.1, "high": 0.9}

	ordered := Apply(scores, weights)
	require.Len(t, ordered, 2)
	assert.Equal(t, "high", ordered[0])
}
