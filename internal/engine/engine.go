// Package engine is the memory engine facade: it orchestrates the
// persistence layer, vector index, causal graph, learning subsystems,
// shadow search and router into the single entry point the rest of the
// system calls (spec §4.8), the same role the teacher's nornicdb.DB plays
// over its own storage/decay/inference/search collaborators.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nervomem/corebrain/internal/causal"
	"github.com/nervomem/corebrain/internal/config"
	"github.com/nervomem/corebrain/internal/embedding"
	"github.com/nervomem/corebrain/internal/learning/memrl"
	"github.com/nervomem/corebrain/internal/learning/sona"
	"github.com/nervomem/corebrain/internal/provenance"
	"github.com/nervomem/corebrain/internal/router"
	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
	"github.com/nervomem/corebrain/internal/vector"

	"github.com/google/uuid"
)

// defaultQueryTimeout and defaultEmbedTimeout are the spec's default operation budgets
// (§5): a query times out after 30s; a store's embedding phase times out
// after 60s, independent of the rest of the store path.
const (
	defaultQueryTimeout = 30 * time.Second
	defaultEmbedTimeout = 60 * time.Second
)

// SearchResult is one ranked hit returned by Query. MemRLQueryID is set
// only when the query ran with QueryOptions.UseMemRL, and is the id
// ProvideMemRLFeedback expects.
type SearchResult struct {
	Entry        *types.Entry
	Score        float64
	TrajectoryID types.TrajectoryID
	MemRLQueryID types.MemRLQueryID
}

// Engine is the facade over every CoreBrain subsystem. All write
// operations serialize through the underlying storage.Engine's own
// single-writer model (spec §5); the vector index additionally holds its
// own RWMutex for concurrent search during writes.
type Engine struct {
	mu sync.Mutex // guards vecIdx + causalGraph swap-in, matching the teacher's single facade mutex

	cfg    *config.Config
	store  storage.Engine
	vecIdx *vector.Index

	causalGraph *causal.Graph

	sonaMgr    *sona.Manager
	memrlCfg   memrl.Config
	router     *router.Router
	embedder   embedding.Embedder
	reconciler *embedding.Reconciler

	log *log.Logger

	readOnly bool
}

// QueryOptions narrows a Query call beyond the raw top-k ranking.
type QueryOptions struct {
	TopK          int
	RequiredTags  []string
	MinImportance float64
	UseMemRL      bool // if false, pattern weights are applied instead
}

// Open opens or creates a CoreBrain store at dataDir (empty means
// in-memory), wires every subsystem against it, and starts the background
// embedding reconciler. Mirrors the teacher's Open: config defaulted if
// nil, storage opened, collaborators initialized in dependency order,
// background work kicked off last.
func Open(ctx context.Context, dataDir string, cfg *config.Config, embedder embedding.Embedder) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	store, err := openStorage(dataDir, false)
	if err != nil {
		return nil, err
	}

	return newEngine(ctx, store, cfg, embedder, false)
}

// OpenReadOnly opens another engine's persistence directory read-only,
// exposing only the read half of the facade (spec §3c). Grounded on the
// teacher's NewBadgerEngine, parameterized for badger's native read-only
// mode.
func OpenReadOnly(ctx context.Context, dataDir string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	store, err := openStorage(dataDir, true)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, store, cfg, nil, true)
}

func openStorage(dataDir string, readOnly bool) (storage.Engine, error) {
	if dataDir == "" {
		return storage.NewMemoryEngine(), nil
	}
	if readOnly {
		return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{DataDir: dataDir, ReadOnly: true})
	}
	return storage.NewBadgerEngine(dataDir)
}

func newEngine(ctx context.Context, store storage.Engine, cfg *config.Config, embedder embedding.Embedder, readOnly bool) (*Engine, error) {
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: reading schema version: %w", err)
	}
	if version > storage.CurrentSchemaVersion {
		store.Close()
		return nil, storage.ErrSchemaTooNew
	}

	idx := vector.NewIndex(cfg.Vector.Dimensions, cfg.Vector.ToHNSWConfig())

	graph, err := causal.Load(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("engine: loading causal graph: %w", err)
	}

	sonaMgr := sona.NewManager(store, cfg.Sona)
	if !readOnly {
		if err := sonaMgr.RecalibrateBaseline(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("engine: initializing pattern-weight baseline: %w", err)
		}
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		vecIdx:      idx,
		causalGraph: graph,
		sonaMgr:     sonaMgr,
		memrlCfg:    cfg.MemRL,
		router:      router.New(),
		embedder:    embedder,
		log:         log.New(os.Stderr, "[corebrain] ", log.LstdFlags),
		readOnly:    readOnly,
	}

	if !readOnly && embedder != nil {
		reconcilerLog := log.New(os.Stderr, "[corebrain] [reconciler] ", log.LstdFlags)
		e.reconciler = embedding.NewReconciler(embedder, store, idx, cfg.Embedding.ToReconcilerConfig(), reconcilerLog)
	}

	return e, nil
}

// Close releases the background reconciler and the underlying store.
func (e *Engine) Close() error {
	if e.reconciler != nil {
		e.reconciler.Close()
	}
	return e.store.Close()
}

// Store persists a new entry, computes its provenance, and embeds it
// (spec §4.8 `store`).
//
//  1. Persist entry and tags inside a transaction; compute provenance
//     depth/L-Score.
//  2. Request embedding; if the provider fails, leave pending_embedding
//     true and return (the background reconciler retries later).
//  3. Normalize the embedding, insert it under a fresh label, write the
//     vector mapping, clear the pending flag.
func (e *Engine) Store(ctx context.Context, content string, meta types.EntryMeta, parentIDs []types.EntryID, confidence, relevance float64) (*types.Entry, error) {
	if e.readOnly {
		return nil, types.ErrInvalidArgument
	}
	if err := types.ValidateMeta(meta); err != nil {
		return nil, err
	}

	source := meta.Source
	if source == "" {
		source = types.SourceUser
	}

	now := time.Now()
	entry := &types.Entry{
		ID:               types.EntryID(uuid.NewString()),
		Content:          content,
		Source:           source,
		Importance:       relevance,
		Confidence:       confidence,
		Tags:             meta.Tags,
		SessionID:        meta.SessionID,
		AgentID:          meta.AgentID,
		CreatedAt:        now,
		UpdatedAt:        now,
		QValue:           0.5,
		PendingEmbedding: true,
	}

	if err := e.store.StoreEntry(ctx, entry, parentIDs, confidence, relevance); err != nil {
		return nil, err
	}

	lscore, err := provenance.Compute(ctx, e.store, entry.ID, e.cfg.Provenance)
	if err != nil {
		return nil, fmt.Errorf("engine: computing provenance: %w", err)
	}
	if err := e.store.UpdateLScore(ctx, entry.ID, lscore); err != nil {
		return nil, fmt.Errorf("engine: persisting l-score: %w", err)
	}

	if e.embedder == nil {
		return entry, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, defaultEmbedTimeout)
	defer cancel()

	vec, err := e.embedder.Embed(embedCtx, truncate(content, e.cfg.Embedding.MaxChars))
	if err != nil {
		// provider_unavailable: leave pending_embedding=true, reconciler retries later.
		if e.reconciler != nil {
			e.reconciler.Trigger()
		}
		return entry, nil
	}

	if err := e.insertEmbedding(ctx, entry, vec); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) insertEmbedding(ctx context.Context, entry *types.Entry, vec []float32) error {
	vec = vector.Normalize(vec)

	label, err := e.store.NextVectorLabel(ctx)
	if err != nil {
		return fmt.Errorf("engine: allocating vector label: %w", err)
	}

	e.mu.Lock()
	err = e.vecIdx.Add(label, vec)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: inserting vector: %w", err)
	}

	if err := e.store.StoreVectorMapping(ctx, entry.ID, label); err != nil {
		return fmt.Errorf("engine: storing vector mapping: %w", err)
	}

	entry.PendingEmbedding = false
	return e.store.UpdateEntry(ctx, entry)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
