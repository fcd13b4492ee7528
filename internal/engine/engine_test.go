package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervomem/corebrain/internal/causal"
	"github.com/nervomem/corebrain/internal/config"
	"github.com/nervomem/corebrain/internal/types"
)

// fakeEmbedder returns a fixed vector per text, looked up by exact match,
// falling back to a stable hash-free default so unseen text never errors.
type fakeEmbedder struct {
	vectors map[string][]float32
	dims    int
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}, dims: dims}
}

func (f *fakeEmbedder) set(text string, vec []float32) { f.vectors[text] = vec }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	vec := make([]float32, f.dims)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(context.Background(), t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) Model() string   { return "fake" }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Vector.Dimensions = 3
	cfg.Embedding.Dimensions = 3
	cfg.Embedding.Provider = "ollama"
	return cfg
}

func TestStore_EmbedsAndClearsPending(t *testing.T) {
	ctx := context.Background()
	embedder := newFakeEmbedder(3)
	embedder.set("apples are red", []float32{1, 0, 0})

	e, err := Open(ctx, "", testConfig(), embedder)
	require.NoError(t, err)
	defer e.Close()

	entry, err := e.Store(ctx, "apples are red", types.EntryMeta{Tags: []string{"fruit"}}, nil, 0.9, 0.8)
	require.NoError(t, err)
	assert.False(t, entry.PendingEmbedding)
	assert.Equal(t, 1.0, entryLScore(t, e, entry.ID))
}

func entryLScore(t *testing.T, e *Engine, id types.EntryID) float64 {
	t.Helper()
	prov, err := e.store.GetProvenance(context.Background(), id)
	require.NoError(t, err)
	return prov.LScore
}

func TestStore_LeavesPendingWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	entry, err := e.Store(ctx, "no embedder configured", types.EntryMeta{}, nil, 0.5, 0.5)
	require.NoError(t, err)
	assert.True(t, entry.PendingEmbedding)
}

func TestStore_DefaultsSourceToUserButHonorsExplicitSource(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	withDefault, err := e.Store(ctx, "default source", types.EntryMeta{}, nil, 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, types.SourceUser, withDefault.Source)

	withAgent, err := e.Store(ctx, "agent source", types.EntryMeta{Source: types.SourceAgent}, nil, 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, types.SourceAgent, withAgent.Source)

	_, err = e.Store(ctx, "bad source", types.EntryMeta{Source: "carrier-pigeon"}, nil, 0.5, 0.5)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestQuery_ReturnsStoredEntryByPlainSimilarity(t *testing.T) {
	ctx := context.Background()
	embedder := newFakeEmbedder(3)
	embedder.set("cats purr", []float32{1, 0, 0})
	embedder.set("find something about cats", []float32{1, 0, 0})

	e, err := Open(ctx, "", testConfig(), embedder)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Store(ctx, "cats purr", types.EntryMeta{}, nil, 0.9, 0.9)
	require.NoError(t, err)

	results, err := e.Query(ctx, "find something about cats", QueryOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cats purr", results[0].Entry.Content)
	assert.NotEmpty(t, results[0].TrajectoryID)
}

func TestQuery_UsesMemRLWhenEnabled(t *testing.T) {
	ctx := context.Background()
	embedder := newFakeEmbedder(3)
	embedder.set("dogs bark", []float32{1, 0, 0})
	embedder.set("find something about dogs", []float32{1, 0, 0})

	e, err := Open(ctx, "", testConfig(), embedder)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Store(ctx, "dogs bark", types.EntryMeta{}, nil, 0.9, 0.9)
	require.NoError(t, err)

	results, err := e.Query(ctx, "find something about dogs", QueryOptions{TopK: 5, UseMemRL: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestTraceLineage_ReturnsAncestorChain(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	root, err := e.Store(ctx, "root fact", types.EntryMeta{}, nil, 1, 1)
	require.NoError(t, err)
	child, err := e.Store(ctx, "derived fact", types.EntryMeta{}, []types.EntryID{root.ID}, 0.8, 0.8)
	require.NoError(t, err)

	lineage, err := e.TraceLineage(ctx, child.ID, 10)
	require.NoError(t, err)
	ids := make([]types.EntryID, len(lineage))
	for i, entry := range lineage {
		ids[i] = entry.ID
	}
	assert.Contains(t, ids, root.ID)
}

func TestAddCausalAndFindPaths(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	a, err := e.Store(ctx, "rain falls", types.EntryMeta{}, nil, 1, 1)
	require.NoError(t, err)
	b, err := e.Store(ctx, "ground gets wet", types.EntryMeta{}, nil, 1, 1)
	require.NoError(t, err)

	_, err = e.AddCausal(ctx, []types.EntryID{a.ID}, []types.EntryID{b.ID}, types.RelationCauses, 0.9, nil)
	require.NoError(t, err)

	paths := e.FindPaths(a.ID, b.ID, causal.TraversalOptions{Direction: causal.DirectionForward, MaxDepth: 5})
	require.Len(t, paths, 1)
	assert.Equal(t, 0.9, paths[0].TotalStrength)
}

func TestAddCausal_RejectsEmptySourcesOrTargets(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.AddCausal(ctx, nil, []types.EntryID{"x"}, types.RelationCauses, 1, nil)
	assert.Equal(t, types.ErrInvalidArgument, err)
}

func TestShadowSearch_ReturnsNeutralCredibilityWithNoEmbedder(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	result, err := e.ShadowSearch(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Credibility)
}

func TestLearn_AppliesPatternFeedbackAndRejectsDoubleApplication(t *testing.T) {
	ctx := context.Background()
	embedder := newFakeEmbedder(3)
	embedder.set("seed content", []float32{1, 0, 0})
	embedder.set("seed query", []float32{1, 0, 0})

	e, err := Open(ctx, "", testConfig(), embedder)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Store(ctx, "seed content", types.EntryMeta{}, nil, 0.9, 0.9)
	require.NoError(t, err)
	results, err := e.Query(ctx, "seed query", QueryOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	res, err := e.Learn(ctx, results[0].TrajectoryID, 0.9)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res2, err := e.Learn(ctx, results[0].TrajectoryID, 0.9)
	require.NoError(t, err)
	assert.False(t, res2.Success)
}

func TestProvideMemRLFeedback_RejectsDoubleApplication(t *testing.T) {
	ctx := context.Background()
	embedder := newFakeEmbedder(3)
	embedder.set("memrl content", []float32{1, 0, 0})
	embedder.set("memrl query", []float32{1, 0, 0})

	e, err := Open(ctx, "", testConfig(), embedder)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Store(ctx, "memrl content", types.EntryMeta{}, nil, 0.9, 0.9)
	require.NoError(t, err)
	results, err := e.Query(ctx, "memrl query", QueryOptions{TopK: 5, UseMemRL: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.NotEmpty(t, results[0].MemRLQueryID)

	res, err := e.ProvideMemRLFeedback(ctx, results[0].MemRLQueryID, 0.5)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res2, err := e.ProvideMemRLFeedback(ctx, results[0].MemRLQueryID, 0.5)
	require.NoError(t, err)
	assert.False(t, res2.Success)
}

func TestEditAndDelete(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, "", testConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	entry, err := e.Store(ctx, "mutable content", types.EntryMeta{}, nil, 0.5, 0.5)
	require.NoError(t, err)

	newContent := "edited content"
	edited, err := e.Edit(ctx, entry.ID, types.EditPatch{Content: &newContent})
	require.NoError(t, err)
	assert.Equal(t, newContent, edited.Content)

	require.NoError(t, e.Delete(ctx, entry.ID))

	_, err = e.store.GetEntry(ctx, entry.ID)
	assert.Equal(t, types.ErrNotFound, err)
}

func TestOpenReadOnly_RejectsWrites(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	_, err := OpenReadOnly(ctx, "", cfg)
	require.NoError(t, err)

	e, err := OpenReadOnly(ctx, "", cfg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Store(ctx, "blocked", types.EntryMeta{}, nil, 0.5, 0.5)
	assert.Equal(t, types.ErrInvalidArgument, err)
}
