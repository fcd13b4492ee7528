package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
	"github.com/nervomem/corebrain/internal/vector"
)

func TestOllamaEmbedder_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Prompt)
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	cfg := DefaultOllamaConfig()
	cfg.APIURL = srv.URL
	e := NewOllama(cfg)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbedder_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	cfg := DefaultOllamaConfig()
	cfg.APIURL = srv.URL
	e := NewOllama(cfg)

	_, err := e.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestOpenAIEmbedder_BatchPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := openAIResponse{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(len(text))}, Index: len(req.Input) - 1 - i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := DefaultOpenAIConfig("test-key")
	cfg.APIURL = srv.URL
	e := NewOpenAI(cfg)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(3), vecs[0][0]) // reversed by the fake server, EmbedBatch restores order by Index
}

func TestNew_UnknownProviderErrors(t *testing.T) {
	_, err := New(&Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNew_OpenAIWithoutKeyErrors(t *testing.T) {
	_, err := New(&Config{Provider: "openai"})
	assert.Error(t, err)
}

type fakeEmbedder struct {
	vec   []float32
	failN int // number of calls that should fail before succeeding
	calls int
}

var errFakeProviderDown = errors.New("embedding provider unavailable")

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, errFakeProviderDown
	}
	return f.vec, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }
func (f *fakeEmbedder) Model() string   { return "fake" }

func TestReconciler_EmbedsPendingEntryAndClearsFlag(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	e := &types.Entry{ID: "a", Content: "hello", CreatedAt: time.Now(), UpdatedAt: time.Now(), PendingEmbedding: true}
	require.NoError(t, eng.StoreEntry(ctx, e, nil, 1, 1))

	idx := vector.NewIndex(3, vector.DefaultConfig())
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	cfg := DefaultReconcilerConfig()
	cfg.ScanInterval = time.Hour
	cfg.BatchDelay = 0
	r := NewReconciler(embedder, eng, idx, cfg, nil)
	defer r.Close()

	require.Eventually(t, func() bool {
		got, err := eng.GetEntry(ctx, "a")
		require.NoError(t, err)
		return !got.PendingEmbedding
	}, time.Second, 5*time.Millisecond)

	mapping, err := eng.GetVectorMapping(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Size())
	assert.GreaterOrEqual(t, mapping.Label, int64(0))
}

func TestReconciler_RetriesWithinASweepBeforeGivingUp(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()
	ctx := context.Background()

	e := &types.Entry{ID: "a", Content: "hello", CreatedAt: time.Now(), UpdatedAt: time.Now(), PendingEmbedding: true}
	require.NoError(t, eng.StoreEntry(ctx, e, nil, 1, 1))

	idx := vector.NewIndex(3, vector.DefaultConfig())
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}, failN: 2} // fails twice, succeeds on 3rd (within MaxRetries=3)

	cfg := DefaultReconcilerConfig()
	cfg.ScanInterval = time.Hour
	cfg.BatchDelay = 0
	cfg.MaxRetries = 3
	cfg.RetryBackoff = 2 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	r := NewReconciler(embedder, eng, idx, cfg, nil)
	defer r.Close()

	require.Eventually(t, func() bool {
		got, err := eng.GetEntry(ctx, "a")
		require.NoError(t, err)
		return !got.PendingEmbedding
	}, time.Second, 5*time.Millisecond)
}

func TestReconciler_Stats(t *testing.T) {
	eng := storage.NewMemoryEngine()
	defer eng.Close()

	idx := vector.NewIndex(3, vector.DefaultConfig())
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	cfg := DefaultReconcilerConfig()
	cfg.ScanInterval = time.Hour
	r := NewReconciler(embedder, eng, idx, cfg, nil)
	defer r.Close()

	stats := r.Stats()
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, 0, stats.Failed)
}
