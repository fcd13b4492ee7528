package shadow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
	"github.com/nervomem/corebrain/internal/vector"
)

func mustRootEntry(t *testing.T, ctx context.Context, eng storage.Engine, id types.EntryID, label int64, vec []float32, index *vector.Index) {
	t.Helper()
	e := &types.Entry{ID: id, Content: string(id), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, eng.StoreEntry(ctx, e, nil, 1, 1))
	require.NoError(t, eng.StoreVectorMapping(ctx, id, label))
	require.NoError(t, index.Add(label, vec))
}

func TestClassify_Bands(t *testing.T) {
	assert.Equal(t, DirectNegation, Classify(0.9))
	assert.Equal(t, DirectNegation, Classify(0.8))
	assert.Equal(t, Counterargument, Classify(0.7))
	assert.Equal(t, Alternative, Classify(0.5))
	assert.Equal(t, Exception, Classify(0.4))
}

func TestSearch_DirectOppositeIsClassifiedAndLowersCredibility(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	idx := vector.NewIndex(4, vector.DefaultConfig())
	mustRootEntry(t, ctx, eng, "a", 1, []float32{1, 0, 0, 0}, idx)
	mustRootEntry(t, ctx, eng, "b", 2, []float32{-1, 0, 0, 0}, idx)

	result, err := Search(ctx, eng, idx, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)

	require.NotEmpty(t, result.Supports)
	assert.Equal(t, types.EntryID("a"), result.Supports[0].EntryID)

	require.NotEmpty(t, result.Contradictions)
	assert.Equal(t, types.EntryID("b"), result.Contradictions[0].EntryID)
	assert.Equal(t, DirectNegation, result.Contradictions[0].Classification)

	assert.Less(t, result.Credibility, 0.5)
}

func TestSearch_NoContradictionsYieldsHighCredibility(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	idx := vector.NewIndex(4, vector.DefaultConfig())
	mustRootEntry(t, ctx, eng, "a", 1, []float32{1, 0, 0, 0}, idx)

	result, err := Search(ctx, eng, idx, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Credibility)
}

func TestSearch_EmptyIndexGivesNeutralCredibility(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	idx := vector.NewIndex(4, vector.DefaultConfig())

	result, err := Search(ctx, eng, idx, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Credibility)
	assert.Empty(t, result.Supports)
	assert.Empty(t, result.Contradictions)
}
