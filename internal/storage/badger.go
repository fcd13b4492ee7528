package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nervomem/corebrain/internal/types"
)

// BadgerOptions configures the BadgerDB-backed engine.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	ReadOnly   bool
}

// BadgerEngine provides persistent, ACID-transactional storage for CoreBrain
// using BadgerDB's embedded LSM tree and write-ahead log.
//
// Key structure (single-byte prefixes, mirroring the teacher's node/edge
// prefix scheme):
//
//	0x01 entryID              -> Entry
//	0x02 entryID              -> Provenance
//	0x03 entryID\0order       -> parentID   (ordered provenance parent list)
//	0x04 parentID\0entryID    -> ""         (reverse child index)
//	0x05 edgeID               -> CausalEdge
//	0x06 entryID\0edgeID      -> ""         (causal source index)
//	0x07 entryID\0edgeID      -> ""         (causal target index)
//	0x08 entryID              -> label (8B) (vector mapping, forward)
//	0x09 label (8B)           -> entryID    (vector mapping, reverse)
//	0x0A trajID               -> Trajectory
//	0x0B trajID               -> ""         (pending-feedback index)
//	0x0C patternID            -> PatternWeight
//	0x0D checkpointID         -> WeightCheckpoint
//	0x0E queryID              -> MemRLQuery
//	0x0F (singleton)          -> schema version
//	0x10 (singleton)          -> next vector label counter
type BadgerEngine struct {
	db       *badger.DB
	mu       sync.RWMutex
	closed   bool
	readOnly bool
}

// NewBadgerEngine opens (creating if necessary) a persistent store at dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory opens an in-memory BadgerDB instance, useful for
// tests that want ACID semantics without touching disk.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a BadgerEngine with full control,
// including read-only mode for the cross-instance collaborator (spec §4.8).
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.ReadOnly {
		badgerOpts = badgerOpts.WithReadOnly(true)
	}
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", types.ErrIOFailure, err)
	}

	eng := &BadgerEngine{db: db, readOnly: opts.ReadOnly}
	if !opts.ReadOnly {
		if err := eng.ensureSchemaVersion(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return eng, nil
}

func (b *BadgerEngine) ensureSchemaVersion() error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaVersionKey)
		if err == badger.ErrKeyNotFound {
			return txn.Set(schemaVersionKey, binary.BigEndian.AppendUint32(nil, uint32(CurrentSchemaVersion)))
		}
		if err != nil {
			return err
		}
		var v uint32
		if err := item.Value(func(val []byte) error {
			v = binary.BigEndian.Uint32(val)
			return nil
		}); err != nil {
			return err
		}
		if int(v) > CurrentSchemaVersion {
			return ErrSchemaTooNew
		}
		return nil
	})
}

// SchemaVersion returns the schema version recorded in the store.
func (b *BadgerEngine) SchemaVersion(ctx context.Context) (int, error) {
	var v uint32
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaVersionKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = binary.BigEndian.Uint32(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrIOFailure, err)
	}
	return int(v), nil
}

// Close releases the underlying BadgerDB handle.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return types.ErrClosed
	}
	return nil
}

// ---- entries & provenance -------------------------------------------------

// StoreEntry persists an entry and its provenance row inside one
// transaction. Depth is 1 + max(parent depth), or 0 for roots. The entry is
// marked PendingEmbedding until the vector index confirms insertion
// (callers set that before invoking StoreEntry).
func (b *BadgerEngine) StoreEntry(ctx context.Context, entry *types.Entry, parentIDs []types.EntryID, confidence, relevance float64) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return types.ErrInvalidArgument
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(entry.ID)); err == nil {
			return fmt.Errorf("%w: entry %s already exists", types.ErrConstraintViolation, entry.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		depth := 0
		maxParentDepth := -1
		for i, pid := range parentIDs {
			parentProv, err := getProvenanceTxn(txn, pid)
			if err != nil {
				return fmt.Errorf("%w: parent %s: %v", types.ErrInvalidArgument, pid, err)
			}
			if parentProv.Depth > maxParentDepth {
				maxParentDepth = parentProv.Depth
			}
			if err := txn.Set(provParentKey(entry.ID, i), []byte(pid)); err != nil {
				return err
			}
			if err := txn.Set(childIdxKey(pid, entry.ID), []byte{}); err != nil {
				return err
			}
		}
		if len(parentIDs) > 0 {
			depth = maxParentDepth + 1
		}

		lscore := 1.0
		if len(parentIDs) > 0 {
			lscore = 0 // computed by internal/provenance and persisted via UpdateLScore
		}

		prov := &types.Provenance{
			EntryID:    entry.ID,
			ParentIDs:  parentIDs,
			Confidence: confidence,
			Relevance:  relevance,
			Depth:      depth,
			LScore:     lscore,
		}
		if err := putJSON(txn, provenanceKey(entry.ID), prov); err != nil {
			return err
		}
		return putJSON(txn, entryKey(entry.ID), entry)
	})
}

func getProvenanceTxn(txn *badger.Txn, id types.EntryID) (*types.Provenance, error) {
	item, err := txn.Get(provenanceKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p types.Provenance
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetEntry fetches a single entry by id.
func (b *BadgerEngine) GetEntry(ctx context.Context, id types.EntryID) (*types.Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var e types.Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &e) })
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetBatchEntries fetches multiple entries, skipping ids that don't exist.
func (b *BadgerEngine) GetBatchEntries(ctx context.Context, ids []types.EntryID) (map[types.EntryID]*types.Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[types.EntryID]*types.Entry, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(entryKey(id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var e types.Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			out[id] = &e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntry overwrites an entry's stored fields (content, tags, scores).
func (b *BadgerEngine) UpdateEntry(ctx context.Context, entry *types.Entry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(entry.ID)); err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		} else if err != nil {
			return err
		}
		return putJSON(txn, entryKey(entry.ID), entry)
	})
}

// DeleteEntry removes an entry and cascades per spec §3's lifecycle. In one
// transaction it removes the entry's own rows (entry, provenance,
// parent/child index entries) and re-parents its children: the deleted id
// is dropped from each child's parent list, and a child left with no
// parents becomes a root (depth 0, L-Score 1). The vector mapping, causal
// edges touching the entry, and trajectory references are handled by the
// facade/causal subsystems.
func (b *BadgerEngine) DeleteEntry(ctx context.Context, id types.EntryID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(id)); err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		} else if err != nil {
			return err
		}

		prov, err := getProvenanceTxn(txn, id)
		if err == nil {
			for i := range prov.ParentIDs {
				_ = txn.Delete(provParentKey(id, i))
			}
			for _, pid := range prov.ParentIDs {
				_ = txn.Delete(childIdxKey(pid, id))
			}
		}

		// Re-parent children to null: drop their parent-index entries and
		// reset their provenance to root-like (depth 0, parentless).
		childIDs, err := getChildIDsTxn(txn, id)
		if err != nil {
			return err
		}
		for _, cid := range childIDs {
			_ = txn.Delete(childIdxKey(id, cid))
			cp, err := getProvenanceTxn(txn, cid)
			if err != nil {
				continue
			}
			newParents := make([]types.EntryID, 0, len(cp.ParentIDs))
			for i, pid := range cp.ParentIDs {
				_ = txn.Delete(provParentKey(cid, i))
				if pid != id {
					newParents = append(newParents, pid)
				}
			}
			for i, pid := range newParents {
				_ = txn.Set(provParentKey(cid, i), []byte(pid))
			}
			cp.ParentIDs = newParents
			if len(newParents) == 0 {
				cp.Depth = 0
				cp.LScore = 1.0
			}
			if err := putJSON(txn, provenanceKey(cid), cp); err != nil {
				return err
			}
		}

		_ = txn.Delete(provenanceKey(id))
		return txn.Delete(entryKey(id))
	})
}

// ListPendingEmbedding scans every entry for the pending_embedding flag and
// returns up to limit (limit <= 0 means unbounded). There is no secondary
// index for this flag since it is expected to be rare and short-lived;
// reconciliation is a background concern, not a latency-sensitive path.
func (b *BadgerEngine) ListPendingEmbedding(ctx context.Context, limit int) ([]*types.Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEntry}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixEntry}); it.ValidForPrefix([]byte{prefixEntry}); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e types.Entry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			if e.PendingEmbedding {
				out = append(out, &e)
			}
		}
		return nil
	})
	return out, err
}

// GetProvenance fetches a single entry's provenance row.
func (b *BadgerEngine) GetProvenance(ctx context.Context, id types.EntryID) (*types.Provenance, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var p *types.Provenance
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = getProvenanceTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetBatchProvenance fetches multiple provenance rows, skipping missing ids.
func (b *BadgerEngine) GetBatchProvenance(ctx context.Context, ids []types.EntryID) (map[types.EntryID]*types.Provenance, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[types.EntryID]*types.Provenance, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			p, err := getProvenanceTxn(txn, id)
			if err == types.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetParentIDs returns the ordered parent id list from the provenance row.
func (b *BadgerEngine) GetParentIDs(ctx context.Context, id types.EntryID) ([]types.EntryID, error) {
	prov, err := b.GetProvenance(ctx, id)
	if err != nil {
		return nil, err
	}
	return prov.ParentIDs, nil
}

func getChildIDsTxn(txn *badger.Txn, parentID types.EntryID) ([]types.EntryID, error) {
	prefix := childIdxPrefix(parentID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []types.EntryID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		out = append(out, types.EntryID(key[len(prefix):]))
	}
	return out, nil
}

// GetChildIDs returns all entries whose provenance lists id as a parent.
func (b *BadgerEngine) GetChildIDs(ctx context.Context, id types.EntryID) ([]types.EntryID, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []types.EntryID
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getChildIDsTxn(txn, id)
		return err
	})
	return out, err
}

// UpdateLScore persists the recomputed L-Score for an entry.
func (b *BadgerEngine) UpdateLScore(ctx context.Context, id types.EntryID, value float64) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		prov, err := getProvenanceTxn(txn, id)
		if err != nil {
			return err
		}
		prov.LScore = types.Clamp01(value)
		return putJSON(txn, provenanceKey(id), prov)
	})
}

// ---- vector mapping --------------------------------------------------------

// NextVectorLabel atomically allocates and returns the next unused label.
func (b *BadgerEngine) NextVectorLabel(ctx context.Context) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var next int64
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur int64
		item, err := txn.Get(labelCounterKey)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				cur = labelFromBytes(val)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		next = cur
		return txn.Set(labelCounterKey, labelBytes(cur+1))
	})
	return next, err
}

// StoreVectorMapping records the entry_id <-> label bijection.
func (b *BadgerEngine) StoreVectorMapping(ctx context.Context, entryID types.EntryID, label int64) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(vecMapFwdKey(entryID), labelBytes(label)); err != nil {
			return err
		}
		return txn.Set(vecMapRevKey(label), []byte(entryID))
	})
}

// GetVectorMapping looks up a label by entry id.
func (b *BadgerEngine) GetVectorMapping(ctx context.Context, entryID types.EntryID) (*types.VectorMapping, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var label int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vecMapFwdKey(entryID))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			label = labelFromBytes(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &types.VectorMapping{EntryID: entryID, Label: label}, nil
}

// GetVectorMappingByLabel looks up an entry id by label (reverse direction).
func (b *BadgerEngine) GetVectorMappingByLabel(ctx context.Context, label int64) (*types.VectorMapping, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var entryID types.EntryID
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vecMapRevKey(label))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entryID = types.EntryID(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &types.VectorMapping{EntryID: entryID, Label: label}, nil
}

// DeleteVectorMapping removes both directions of the bijection.
func (b *BadgerEngine) DeleteVectorMapping(ctx context.Context, entryID types.EntryID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(vecMapFwdKey(entryID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var label int64
		if err := item.Value(func(val []byte) error {
			label = labelFromBytes(val)
			return nil
		}); err != nil {
			return err
		}
		_ = txn.Delete(vecMapRevKey(label))
		return txn.Delete(vecMapFwdKey(entryID))
	})
}

// ---- causal hyperedges ------------------------------------------------------

// StoreCausal persists a hyperedge and its source/target indexes atomically.
func (b *BadgerEngine) StoreCausal(ctx context.Context, edge *types.CausalEdge) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if len(edge.SourceIDs) == 0 || len(edge.TargetIDs) == 0 {
		return types.ErrInvalidArgument
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, sid := range edge.SourceIDs {
			if _, err := txn.Get(entryKey(sid)); err != nil {
				return fmt.Errorf("%w: source %s", types.ErrInvalidArgument, sid)
			}
			if err := txn.Set(causalSourceIdxKey(sid, edge.ID), []byte{}); err != nil {
				return err
			}
		}
		for _, tid := range edge.TargetIDs {
			if _, err := txn.Get(entryKey(tid)); err != nil {
				return fmt.Errorf("%w: target %s", types.ErrInvalidArgument, tid)
			}
			if err := txn.Set(causalTargetIdxKey(tid, edge.ID), []byte{}); err != nil {
				return err
			}
		}
		return putJSON(txn, causalKey(edge.ID), edge)
	})
}

// GetCausal fetches a single hyperedge by id.
func (b *BadgerEngine) GetCausal(ctx context.Context, id types.CausalEdgeID) (*types.CausalEdge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var edge types.CausalEdge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(causalKey(id))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &edge) })
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func (b *BadgerEngine) scanAllCausal(fn func(*types.CausalEdge) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixCausal}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixCausal}); it.ValidForPrefix([]byte{prefixCausal}); it.Next() {
			var edge types.CausalEdge
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &edge) }); err != nil {
				return err
			}
			if !fn(&edge) {
				break
			}
		}
		return nil
	})
}

// GetActiveCausal returns all non-expired hyperedges.
func (b *BadgerEngine) GetActiveCausal(ctx context.Context) ([]*types.CausalEdge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	now := time.Now()
	var out []*types.CausalEdge
	err := b.scanAllCausal(func(e *types.CausalEdge) bool {
		if !e.Expired(now) {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// GetExpiredCausal returns all hyperedges past their TTL.
func (b *BadgerEngine) GetExpiredCausal(ctx context.Context) ([]*types.CausalEdge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	now := time.Now()
	var out []*types.CausalEdge
	err := b.scanAllCausal(func(e *types.CausalEdge) bool {
		if e.Expired(now) {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// DeleteExpiredCausal removes every expired hyperedge (and its indexes) in
// one transaction and returns the count removed.
func (b *BadgerEngine) DeleteExpiredCausal(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	expired, err := b.GetExpiredCausal(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		for _, e := range expired {
			for _, sid := range e.SourceIDs {
				_ = txn.Delete(causalSourceIdxKey(sid, e.ID))
			}
			for _, tid := range e.TargetIDs {
				_ = txn.Delete(causalTargetIdxKey(tid, e.ID))
			}
			if err := txn.Delete(causalKey(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// DeleteCausalEdgesTouching removes every hyperedge referencing id as a
// source or target, used by entry deletion cascade.
func (b *BadgerEngine) DeleteCausalEdgesTouching(ctx context.Context, id types.EntryID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	var touching []*types.CausalEdge
	if err := b.scanAllCausal(func(e *types.CausalEdge) bool {
		for _, sid := range e.SourceIDs {
			if sid == id {
				touching = append(touching, e)
				return true
			}
		}
		for _, tid := range e.TargetIDs {
			if tid == id {
				touching = append(touching, e)
				return true
			}
		}
		return true
	}); err != nil {
		return err
	}
	if len(touching) == 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, e := range touching {
			for _, sid := range e.SourceIDs {
				_ = txn.Delete(causalSourceIdxKey(sid, e.ID))
			}
			for _, tid := range e.TargetIDs {
				_ = txn.Delete(causalTargetIdxKey(tid, e.ID))
			}
			if err := txn.Delete(causalKey(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- trajectories & feedback ------------------------------------------------

// StoreTrajectory persists a query trajectory and marks it pending feedback.
func (b *BadgerEngine) StoreTrajectory(ctx context.Context, tr *types.Trajectory) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, trajectoryKey(tr.ID), tr); err != nil {
			return err
		}
		return txn.Set(trajPendingKey(tr.ID), []byte{})
	})
}

// GetTrajectory fetches a trajectory by id.
func (b *BadgerEngine) GetTrajectory(ctx context.Context, id types.TrajectoryID) (*types.Trajectory, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var tr types.Trajectory
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(trajectoryKey(id))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &tr) })
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// StoreFeedback attaches feedback to a trajectory, at most once.
func (b *BadgerEngine) StoreFeedback(ctx context.Context, id types.TrajectoryID, fb *types.TrajectoryFeedback) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(trajectoryKey(id))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		var tr types.Trajectory
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &tr) }); err != nil {
			return err
		}
		if tr.Feedback != nil {
			return types.ErrAlreadyApplied
		}
		tr.Feedback = fb
		if err := putJSON(txn, trajectoryKey(id), &tr); err != nil {
			return err
		}
		return txn.Delete(trajPendingKey(id))
	})
}

// GetPendingFeedback returns up to limit trajectories awaiting feedback.
func (b *BadgerEngine) GetPendingFeedback(ctx context.Context, limit int) ([]*types.Trajectory, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.Trajectory
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixTrajPending}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixTrajPending}); it.ValidForPrefix([]byte{prefixTrajPending}); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			key := it.Item().KeyCopy(nil)
			id := types.TrajectoryID(key[1:])
			item, err := txn.Get(trajectoryKey(id))
			if err != nil {
				continue
			}
			var tr types.Trajectory
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &tr) }); err != nil {
				return err
			}
			out = append(out, &tr)
		}
		return nil
	})
	return out, err
}

// PruneTrajectoriesReferencing strips id out of every trajectory's
// MatchedEntries/MatchScores (used by entry deletion cascade), rewriting
// only the trajectories that actually reference it.
func (b *BadgerEngine) PruneTrajectoriesReferencing(ctx context.Context, id types.EntryID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	var touched []*types.Trajectory
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixTrajectory}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixTrajectory}); it.ValidForPrefix([]byte{prefixTrajectory}); it.Next() {
			var tr types.Trajectory
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &tr) }); err != nil {
				return err
			}
			if prunedTrajectory(&tr, id) {
				touched = append(touched, &tr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, tr := range touched {
			if err := putJSON(txn, trajectoryKey(tr.ID), tr); err != nil {
				return err
			}
		}
		return nil
	})
}

// prunedTrajectory removes id from tr's matched entries and scores in
// place, reporting whether it found and removed anything.
func prunedTrajectory(tr *types.Trajectory, id types.EntryID) bool {
	found := false
	entries := tr.MatchedEntries[:0]
	scores := tr.MatchScores[:0]
	for i, eid := range tr.MatchedEntries {
		if eid == id {
			found = true
			continue
		}
		entries = append(entries, eid)
		if i < len(tr.MatchScores) {
			scores = append(scores, tr.MatchScores[i])
		}
	}
	tr.MatchedEntries = entries
	tr.MatchScores = scores
	return found
}

// ---- MemRL Q-values ---------------------------------------------------------

// GetQValuesBatch returns the Q-value of every entry found (missing entries
// are silently skipped; callers default those to the neutral 0.5).
func (b *BadgerEngine) GetQValuesBatch(ctx context.Context, ids []types.EntryID) (map[types.EntryID]float64, error) {
	entries, err := b.GetBatchEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[types.EntryID]float64, len(entries))
	for id, e := range entries {
		out[id] = e.QValue
	}
	return out, nil
}

// UpdateQValuesBatch atomically writes new Q-values for every entry in
// updates and returns the count written. Either all succeed or none do.
func (b *BadgerEngine) UpdateQValuesBatch(ctx context.Context, updates map[types.EntryID]float64) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		for id, q := range updates {
			item, err := txn.Get(entryKey(id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var e types.Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			e.QValue = types.Clamp01(q)
			if err := putJSON(txn, entryKey(id), &e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// StoreMemRLQuery persists the candidate set of a two-phase retrieval.
func (b *BadgerEngine) StoreMemRLQuery(ctx context.Context, q *types.MemRLQuery) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error { return putJSON(txn, memrlQueryKey(q.ID), q) })
}

// GetMemRLQuery fetches a MemRL query by id.
func (b *BadgerEngine) GetMemRLQuery(ctx context.Context, id types.MemRLQueryID) (*types.MemRLQuery, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var q types.MemRLQuery
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memrlQueryKey(id))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &q) })
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// MarkMemRLQueryFeedback flags a MemRL query as having received feedback.
func (b *BadgerEngine) MarkMemRLQueryFeedback(ctx context.Context, id types.MemRLQueryID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(memrlQueryKey(id))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		var q types.MemRLQuery
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &q) }); err != nil {
			return err
		}
		q.FeedbackApplied = true
		return putJSON(txn, memrlQueryKey(id), &q)
	})
}

// ---- Sona pattern weights ---------------------------------------------------

// GetPatternWeight fetches a pattern's weight row, or ErrNotFound if absent
// (callers apply the lazy default of weight=0.5 themselves).
func (b *BadgerEngine) GetPatternWeight(ctx context.Context, patternID string) (*types.PatternWeight, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var w types.PatternWeight
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patternWeightKey(patternID))
		if err == badger.ErrKeyNotFound {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &w) })
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListPatternWeights returns every known pattern weight.
func (b *BadgerEngine) ListPatternWeights(ctx context.Context) ([]*types.PatternWeight, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.PatternWeight
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixPatternWeight}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixPatternWeight}); it.ValidForPrefix([]byte{prefixPatternWeight}); it.Next() {
			var w types.PatternWeight
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &w) }); err != nil {
				return err
			}
			out = append(out, &w)
		}
		return nil
	})
	return out, err
}

// StorePatternWeight upserts a pattern's weight row.
func (b *BadgerEngine) StorePatternWeight(ctx context.Context, w *types.PatternWeight) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error { return putJSON(txn, patternWeightKey(w.PatternID), w) })
}

// DeletePatternWeight removes a pattern's weight row (auto-prune).
func (b *BadgerEngine) DeletePatternWeight(ctx context.Context, patternID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error { return txn.Delete(patternWeightKey(patternID)) })
}

// StoreWeightCheckpoint writes an immutable weight snapshot.
func (b *BadgerEngine) StoreWeightCheckpoint(ctx context.Context, c *types.WeightCheckpoint) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error { return putJSON(txn, weightCheckpointKey(c.ID), c) })
}

// GetLatestWeightCheckpoint returns the most recently created checkpoint.
func (b *BadgerEngine) GetLatestWeightCheckpoint(ctx context.Context) (*types.WeightCheckpoint, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var latest *types.WeightCheckpoint
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixWeightCheckpoint}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte{prefixWeightCheckpoint}); it.ValidForPrefix([]byte{prefixWeightCheckpoint}); it.Next() {
			var c types.WeightCheckpoint
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
				return err
			}
			if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
				cCopy := c
				latest = &cCopy
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, types.ErrNotFound
	}
	return latest, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
