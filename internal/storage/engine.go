// Package storage provides durable, transactional storage for every entity
// CoreBrain tracks: entries, tags, provenance, causal hyperedges, vector
// label mappings, trajectories, feedback, pattern weights, weight
// checkpoints and MemRL queries.
//
// Engine is implemented by BadgerEngine (an embedded, WAL-backed,
// ACID-transactional store built on github.com/dgraph-io/badger/v4) and by
// MemoryEngine (an in-memory twin used by tests and as a zero-dependency
// fallback). Both satisfy the same contract from spec §4.1.
package storage

import (
	"context"
	"errors"

	"github.com/nervomem/corebrain/internal/types"
)

// Engine is the storage contract every CoreBrain subsystem relies on.
// Implementations must be safe for concurrent use; write paths that touch
// more than one row (StoreEntry, DeleteEntry, StoreCausal,
// UpdateQValuesBatch) are atomic.
type Engine interface {
	// Entries and provenance.
	StoreEntry(ctx context.Context, entry *types.Entry, parentIDs []types.EntryID, confidence, relevance float64) error
	GetEntry(ctx context.Context, id types.EntryID) (*types.Entry, error)
	GetBatchEntries(ctx context.Context, ids []types.EntryID) (map[types.EntryID]*types.Entry, error)
	UpdateEntry(ctx context.Context, entry *types.Entry) error
	DeleteEntry(ctx context.Context, id types.EntryID) error
	ListPendingEmbedding(ctx context.Context, limit int) ([]*types.Entry, error)

	GetProvenance(ctx context.Context, id types.EntryID) (*types.Provenance, error)
	GetBatchProvenance(ctx context.Context, ids []types.EntryID) (map[types.EntryID]*types.Provenance, error)
	GetParentIDs(ctx context.Context, id types.EntryID) ([]types.EntryID, error)
	GetChildIDs(ctx context.Context, id types.EntryID) ([]types.EntryID, error)
	UpdateLScore(ctx context.Context, id types.EntryID, value float64) error

	// Vector label mapping.
	StoreVectorMapping(ctx context.Context, entryID types.EntryID, label int64) error
	GetVectorMapping(ctx context.Context, entryID types.EntryID) (*types.VectorMapping, error)
	GetVectorMappingByLabel(ctx context.Context, label int64) (*types.VectorMapping, error)
	DeleteVectorMapping(ctx context.Context, entryID types.EntryID) error
	NextVectorLabel(ctx context.Context) (int64, error)

	// Causal hyperedges.
	StoreCausal(ctx context.Context, edge *types.CausalEdge) error
	GetCausal(ctx context.Context, id types.CausalEdgeID) (*types.CausalEdge, error)
	GetActiveCausal(ctx context.Context) ([]*types.CausalEdge, error)
	GetExpiredCausal(ctx context.Context) ([]*types.CausalEdge, error)
	DeleteExpiredCausal(ctx context.Context) (int, error)
	DeleteCausalEdgesTouching(ctx context.Context, id types.EntryID) error

	// Trajectories and feedback.
	StoreTrajectory(ctx context.Context, tr *types.Trajectory) error
	GetTrajectory(ctx context.Context, id types.TrajectoryID) (*types.Trajectory, error)
	StoreFeedback(ctx context.Context, id types.TrajectoryID, fb *types.TrajectoryFeedback) error
	GetPendingFeedback(ctx context.Context, limit int) ([]*types.Trajectory, error)
	PruneTrajectoriesReferencing(ctx context.Context, id types.EntryID) error

	// MemRL Q-values.
	GetQValuesBatch(ctx context.Context, ids []types.EntryID) (map[types.EntryID]float64, error)
	UpdateQValuesBatch(ctx context.Context, updates map[types.EntryID]float64) (int, error)
	StoreMemRLQuery(ctx context.Context, q *types.MemRLQuery) error
	GetMemRLQuery(ctx context.Context, id types.MemRLQueryID) (*types.MemRLQuery, error)
	MarkMemRLQueryFeedback(ctx context.Context, id types.MemRLQueryID) error

	// Sona pattern weights.
	GetPatternWeight(ctx context.Context, patternID string) (*types.PatternWeight, error)
	ListPatternWeights(ctx context.Context) ([]*types.PatternWeight, error)
	StorePatternWeight(ctx context.Context, w *types.PatternWeight) error
	DeletePatternWeight(ctx context.Context, patternID string) error
	StoreWeightCheckpoint(ctx context.Context, c *types.WeightCheckpoint) error
	GetLatestWeightCheckpoint(ctx context.Context) (*types.WeightCheckpoint, error)

	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// CurrentSchemaVersion is the schema version this build understands. Open()
// refuses to operate against a store whose persisted version is newer.
const CurrentSchemaVersion = 1

// ErrSchemaTooNew is returned by Open when the on-disk schema version
// exceeds CurrentSchemaVersion.
var ErrSchemaTooNew = errors.New("corebrain/storage: schema version newer than this build understands")
