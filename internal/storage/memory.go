package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nervomem/corebrain/internal/types"
)

// MemoryEngine is a mutex-guarded, map-based twin of Engine used by tests
// and any caller that wants CoreBrain semantics without touching disk. It
// implements the exact same contract as BadgerEngine, minus durability.
type MemoryEngine struct {
	mu sync.RWMutex

	entries    map[types.EntryID]*types.Entry
	provenance map[types.EntryID]*types.Provenance
	children   map[types.EntryID]map[types.EntryID]struct{}

	vecFwd map[types.EntryID]int64
	vecRev map[int64]types.EntryID
	nextLabel int64

	causal map[types.CausalEdgeID]*types.CausalEdge

	trajectories map[types.TrajectoryID]*types.Trajectory
	pending      map[types.TrajectoryID]struct{}

	memrlQueries map[types.MemRLQueryID]*types.MemRLQuery

	patternWeights map[string]*types.PatternWeight
	checkpoints    map[types.WeightCheckpointID]*types.WeightCheckpoint

	closed bool
}

// NewMemoryEngine constructs an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		entries:        make(map[types.EntryID]*types.Entry),
		provenance:     make(map[types.EntryID]*types.Provenance),
		children:       make(map[types.EntryID]map[types.EntryID]struct{}),
		vecFwd:         make(map[types.EntryID]int64),
		vecRev:         make(map[int64]types.EntryID),
		causal:         make(map[types.CausalEdgeID]*types.CausalEdge),
		trajectories:   make(map[types.TrajectoryID]*types.Trajectory),
		pending:        make(map[types.TrajectoryID]struct{}),
		memrlQueries:   make(map[types.MemRLQueryID]*types.MemRLQuery),
		patternWeights: make(map[string]*types.PatternWeight),
		checkpoints:    make(map[types.WeightCheckpointID]*types.WeightCheckpoint),
	}
}

func (m *MemoryEngine) checkOpen() error {
	if m.closed {
		return types.ErrClosed
	}
	return nil
}

// Close marks the engine unusable; state is discarded.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SchemaVersion always reports CurrentSchemaVersion; there is no on-disk
// format to drift from.
func (m *MemoryEngine) SchemaVersion(ctx context.Context) (int, error) {
	return CurrentSchemaVersion, nil
}

func cloneEntry(e *types.Entry) *types.Entry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}

func cloneProvenance(p *types.Provenance) *types.Provenance {
	c := *p
	c.ParentIDs = append([]types.EntryID(nil), p.ParentIDs...)
	return &c
}

// StoreEntry mirrors BadgerEngine.StoreEntry's depth/provenance semantics.
func (m *MemoryEngine) StoreEntry(ctx context.Context, entry *types.Entry, parentIDs []types.EntryID, confidence, relevance float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return types.ErrInvalidArgument
	}
	if _, exists := m.entries[entry.ID]; exists {
		return types.ErrConstraintViolation
	}

	depth := 0
	maxParentDepth := -1
	for _, pid := range parentIDs {
		parentProv, ok := m.provenance[pid]
		if !ok {
			return types.ErrInvalidArgument
		}
		if parentProv.Depth > maxParentDepth {
			maxParentDepth = parentProv.Depth
		}
	}
	for _, pid := range parentIDs {
		if m.children[pid] == nil {
			m.children[pid] = make(map[types.EntryID]struct{})
		}
		m.children[pid][entry.ID] = struct{}{}
	}
	if len(parentIDs) > 0 {
		depth = maxParentDepth + 1
	}

	lscore := 1.0
	if len(parentIDs) > 0 {
		lscore = 0
	}

	m.provenance[entry.ID] = &types.Provenance{
		EntryID:    entry.ID,
		ParentIDs:  append([]types.EntryID(nil), parentIDs...),
		Confidence: confidence,
		Relevance:  relevance,
		Depth:      depth,
		LScore:     lscore,
	}
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// GetEntry fetches a single entry by id.
func (m *MemoryEngine) GetEntry(ctx context.Context, id types.EntryID) (*types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cloneEntry(e), nil
}

// GetBatchEntries fetches multiple entries, skipping ids that don't exist.
func (m *MemoryEngine) GetBatchEntries(ctx context.Context, ids []types.EntryID) (map[types.EntryID]*types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.EntryID]*types.Entry, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			out[id] = cloneEntry(e)
		}
	}
	return out, nil
}

// UpdateEntry overwrites an entry's stored fields.
func (m *MemoryEngine) UpdateEntry(ctx context.Context, entry *types.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; !ok {
		return types.ErrNotFound
	}
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// DeleteEntry removes an entry, re-parenting its children to root.
func (m *MemoryEngine) DeleteEntry(ctx context.Context, id types.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return types.ErrNotFound
	}

	for cid := range m.children[id] {
		cp, ok := m.provenance[cid]
		if !ok {
			continue
		}
		newParents := make([]types.EntryID, 0, len(cp.ParentIDs))
		for _, pid := range cp.ParentIDs {
			if pid != id {
				newParents = append(newParents, pid)
			}
		}
		cp.ParentIDs = newParents
		if len(newParents) == 0 {
			cp.Depth = 0
			cp.LScore = 1.0
		}
	}
	delete(m.children, id)

	if prov, ok := m.provenance[id]; ok {
		for _, pid := range prov.ParentIDs {
			delete(m.children[pid], id)
		}
	}

	delete(m.provenance, id)
	delete(m.entries, id)
	return nil
}

// ListPendingEmbedding returns up to limit entries still awaiting embedding
// (limit <= 0 means unbounded), for the background reconciler to retry.
func (m *MemoryEngine) ListPendingEmbedding(ctx context.Context, limit int) ([]*types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Entry
	for _, e := range m.entries {
		if !e.PendingEmbedding {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// GetProvenance fetches a single entry's provenance row.
func (m *MemoryEngine) GetProvenance(ctx context.Context, id types.EntryID) (*types.Provenance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.provenance[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cloneProvenance(p), nil
}

// GetBatchProvenance fetches multiple provenance rows, skipping missing ids.
func (m *MemoryEngine) GetBatchProvenance(ctx context.Context, ids []types.EntryID) (map[types.EntryID]*types.Provenance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.EntryID]*types.Provenance, len(ids))
	for _, id := range ids {
		if p, ok := m.provenance[id]; ok {
			out[id] = cloneProvenance(p)
		}
	}
	return out, nil
}

// GetParentIDs returns the ordered parent id list from the provenance row.
func (m *MemoryEngine) GetParentIDs(ctx context.Context, id types.EntryID) ([]types.EntryID, error) {
	prov, err := m.GetProvenance(ctx, id)
	if err != nil {
		return nil, err
	}
	return prov.ParentIDs, nil
}

// GetChildIDs returns all entries whose provenance lists id as a parent.
func (m *MemoryEngine) GetChildIDs(ctx context.Context, id types.EntryID) ([]types.EntryID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.EntryID
	for cid := range m.children[id] {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// UpdateLScore persists the recomputed L-Score for an entry.
func (m *MemoryEngine) UpdateLScore(ctx context.Context, id types.EntryID, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.provenance[id]
	if !ok {
		return types.ErrNotFound
	}
	p.LScore = types.Clamp01(value)
	return nil
}

// NextVectorLabel atomically allocates and returns the next unused label.
func (m *MemoryEngine) NextVectorLabel(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextLabel
	m.nextLabel++
	return next, nil
}

// StoreVectorMapping records the entry_id <-> label bijection.
func (m *MemoryEngine) StoreVectorMapping(ctx context.Context, entryID types.EntryID, label int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vecFwd[entryID] = label
	m.vecRev[label] = entryID
	return nil
}

// GetVectorMapping looks up a label by entry id.
func (m *MemoryEngine) GetVectorMapping(ctx context.Context, entryID types.EntryID) (*types.VectorMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	label, ok := m.vecFwd[entryID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &types.VectorMapping{EntryID: entryID, Label: label}, nil
}

// GetVectorMappingByLabel looks up an entry id by label.
func (m *MemoryEngine) GetVectorMappingByLabel(ctx context.Context, label int64) (*types.VectorMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entryID, ok := m.vecRev[label]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &types.VectorMapping{EntryID: entryID, Label: label}, nil
}

// DeleteVectorMapping removes both directions of the bijection.
func (m *MemoryEngine) DeleteVectorMapping(ctx context.Context, entryID types.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	label, ok := m.vecFwd[entryID]
	if !ok {
		return nil
	}
	delete(m.vecRev, label)
	delete(m.vecFwd, entryID)
	return nil
}

// StoreCausal persists a hyperedge, validating that every endpoint exists.
func (m *MemoryEngine) StoreCausal(ctx context.Context, edge *types.CausalEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(edge.SourceIDs) == 0 || len(edge.TargetIDs) == 0 {
		return types.ErrInvalidArgument
	}
	for _, sid := range edge.SourceIDs {
		if _, ok := m.entries[sid]; !ok {
			return types.ErrInvalidArgument
		}
	}
	for _, tid := range edge.TargetIDs {
		if _, ok := m.entries[tid]; !ok {
			return types.ErrInvalidArgument
		}
	}
	cp := *edge
	m.causal[edge.ID] = &cp
	return nil
}

// GetCausal fetches a single hyperedge by id.
func (m *MemoryEngine) GetCausal(ctx context.Context, id types.CausalEdgeID) (*types.CausalEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.causal[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// GetActiveCausal returns all non-expired hyperedges.
func (m *MemoryEngine) GetActiveCausal(ctx context.Context) ([]*types.CausalEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []*types.CausalEdge
	for _, e := range m.causal {
		if !e.Expired(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetExpiredCausal returns all hyperedges past their TTL.
func (m *MemoryEngine) GetExpiredCausal(ctx context.Context) ([]*types.CausalEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []*types.CausalEdge
	for _, e := range m.causal {
		if e.Expired(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteExpiredCausal removes every expired hyperedge and returns the count.
func (m *MemoryEngine) DeleteExpiredCausal(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for id, e := range m.causal {
		if e.Expired(now) {
			delete(m.causal, id)
			n++
		}
	}
	return n, nil
}

// DeleteCausalEdgesTouching removes every hyperedge referencing id.
func (m *MemoryEngine) DeleteCausalEdgesTouching(ctx context.Context, id types.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for eid, e := range m.causal {
		touches := false
		for _, sid := range e.SourceIDs {
			if sid == id {
				touches = true
				break
			}
		}
		if !touches {
			for _, tid := range e.TargetIDs {
				if tid == id {
					touches = true
					break
				}
			}
		}
		if touches {
			delete(m.causal, eid)
		}
	}
	return nil
}

// StoreTrajectory persists a query trajectory and marks it pending feedback.
func (m *MemoryEngine) StoreTrajectory(ctx context.Context, tr *types.Trajectory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tr
	m.trajectories[tr.ID] = &cp
	m.pending[tr.ID] = struct{}{}
	return nil
}

// GetTrajectory fetches a trajectory by id.
func (m *MemoryEngine) GetTrajectory(ctx context.Context, id types.TrajectoryID) (*types.Trajectory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.trajectories[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

// StoreFeedback attaches feedback to a trajectory, at most once.
func (m *MemoryEngine) StoreFeedback(ctx context.Context, id types.TrajectoryID, fb *types.TrajectoryFeedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trajectories[id]
	if !ok {
		return types.ErrNotFound
	}
	if tr.Feedback != nil {
		return types.ErrAlreadyApplied
	}
	tr.Feedback = fb
	delete(m.pending, id)
	return nil
}

// GetPendingFeedback returns up to limit trajectories awaiting feedback.
func (m *MemoryEngine) GetPendingFeedback(ctx context.Context, limit int) ([]*types.Trajectory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Trajectory
	for id := range m.pending {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *m.trajectories[id]
		out = append(out, &cp)
	}
	return out, nil
}

// PruneTrajectoriesReferencing strips id out of every trajectory's
// MatchedEntries/MatchScores (used by entry deletion cascade).
func (m *MemoryEngine) PruneTrajectoriesReferencing(ctx context.Context, id types.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.trajectories {
		prunedTrajectory(tr, id)
	}
	return nil
}

// GetQValuesBatch returns the Q-value of every entry found.
func (m *MemoryEngine) GetQValuesBatch(ctx context.Context, ids []types.EntryID) (map[types.EntryID]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.EntryID]float64, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			out[id] = e.QValue
		}
	}
	return out, nil
}

// UpdateQValuesBatch writes new Q-values for every entry in updates.
func (m *MemoryEngine) UpdateQValuesBatch(ctx context.Context, updates map[types.EntryID]float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range updates {
		if e, ok := m.entries[id]; ok {
			e.QValue = types.Clamp01(q)
			n++
		}
	}
	return n, nil
}

// StoreMemRLQuery persists the candidate set of a two-phase retrieval.
func (m *MemoryEngine) StoreMemRLQuery(ctx context.Context, q *types.MemRLQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.memrlQueries[q.ID] = &cp
	return nil
}

// GetMemRLQuery fetches a MemRL query by id.
func (m *MemoryEngine) GetMemRLQuery(ctx context.Context, id types.MemRLQueryID) (*types.MemRLQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.memrlQueries[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// MarkMemRLQueryFeedback flags a MemRL query as having received feedback.
func (m *MemoryEngine) MarkMemRLQueryFeedback(ctx context.Context, id types.MemRLQueryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.memrlQueries[id]
	if !ok {
		return types.ErrNotFound
	}
	q.FeedbackApplied = true
	return nil
}

// GetPatternWeight fetches a pattern's weight row.
func (m *MemoryEngine) GetPatternWeight(ctx context.Context, patternID string) (*types.PatternWeight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.patternWeights[patternID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// ListPatternWeights returns every known pattern weight.
func (m *MemoryEngine) ListPatternWeights(ctx context.Context) ([]*types.PatternWeight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.PatternWeight, 0, len(m.patternWeights))
	for _, w := range m.patternWeights {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

// StorePatternWeight upserts a pattern's weight row.
func (m *MemoryEngine) StorePatternWeight(ctx context.Context, w *types.PatternWeight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.patternWeights[w.PatternID] = &cp
	return nil
}

// DeletePatternWeight removes a pattern's weight row (auto-prune).
func (m *MemoryEngine) DeletePatternWeight(ctx context.Context, patternID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patternWeights, patternID)
	return nil
}

// StoreWeightCheckpoint writes an immutable weight snapshot.
func (m *MemoryEngine) StoreWeightCheckpoint(ctx context.Context, c *types.WeightCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.checkpoints[c.ID] = &cp
	return nil
}

// GetLatestWeightCheckpoint returns the most recently created checkpoint.
func (m *MemoryEngine) GetLatestWeightCheckpoint(ctx context.Context) (*types.WeightCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *types.WeightCheckpoint
	for _, c := range m.checkpoints {
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			cp := *c
			latest = &cp
		}
	}
	if latest == nil {
		return nil, types.ErrNotFound
	}
	return latest, nil
}
