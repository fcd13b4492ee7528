package storage

import "github.com/nervomem/corebrain/internal/types"

// Key prefixes for BadgerDB storage organization, single-byte for compactness
// (adapted from the teacher's node/edge/label-index prefix scheme).
const (
	prefixEntry            = byte(0x01) // entry:entryID -> Entry
	prefixProvenance       = byte(0x02) // prov:entryID -> Provenance
	prefixProvParentIdx    = byte(0x03) // provParent:entryID\0order -> parentID (ordered parent list)
	prefixChildIdx         = byte(0x04) // child:parentID\0entryID -> empty (reverse of provParent)
	prefixCausal           = byte(0x05) // causal:edgeID -> CausalEdge
	prefixCausalSourceIdx  = byte(0x06) // causalSrc:entryID\0edgeID -> empty
	prefixCausalTargetIdx  = byte(0x07) // causalTgt:entryID\0edgeID -> empty
	prefixVecMapFwd        = byte(0x08) // vecFwd:entryID -> label (8 bytes BE)
	prefixVecMapRev        = byte(0x09) // vecRev:label(8 bytes BE) -> entryID
	prefixTrajectory       = byte(0x0A) // traj:trajID -> Trajectory
	prefixTrajPending      = byte(0x0B) // trajPending:trajID -> empty (no feedback yet)
	prefixPatternWeight    = byte(0x0C) // pattern:patternID -> PatternWeight
	prefixWeightCheckpoint = byte(0x0D) // checkpoint:checkpointID -> WeightCheckpoint (ordered by id)
	prefixMemRLQuery       = byte(0x0E) // memrl:queryID -> MemRLQuery
	prefixSchemaVersion    = byte(0x0F) // single row: schemaVersion -> int
	prefixLabelCounter     = byte(0x10) // single row: next vector label counter
)

var schemaVersionKey = []byte{prefixSchemaVersion}
var labelCounterKey = []byte{prefixLabelCounter}

func entryKey(id types.EntryID) []byte { return append([]byte{prefixEntry}, id...) }

func provenanceKey(id types.EntryID) []byte { return append([]byte{prefixProvenance}, id...) }

func provParentPrefix(id types.EntryID) []byte {
	return append(append([]byte{prefixProvParentIdx}, id...), 0x00)
}

func provParentKey(id types.EntryID, order int) []byte {
	k := provParentPrefix(id)
	return append(k, byte(order>>24), byte(order>>16), byte(order>>8), byte(order))
}

func childIdxPrefix(parentID types.EntryID) []byte {
	return append(append([]byte{prefixChildIdx}, parentID...), 0x00)
}

func childIdxKey(parentID, childID types.EntryID) []byte {
	return append(childIdxPrefix(parentID), childID...)
}

func causalKey(id types.CausalEdgeID) []byte { return append([]byte{prefixCausal}, id...) }

func causalSourceIdxPrefix(entryID types.EntryID) []byte {
	return append(append([]byte{prefixCausalSourceIdx}, entryID...), 0x00)
}

func causalSourceIdxKey(entryID types.EntryID, edgeID types.CausalEdgeID) []byte {
	return append(causalSourceIdxPrefix(entryID), edgeID...)
}

func causalTargetIdxPrefix(entryID types.EntryID) []byte {
	return append(append([]byte{prefixCausalTargetIdx}, entryID...), 0x00)
}

func causalTargetIdxKey(entryID types.EntryID, edgeID types.CausalEdgeID) []byte {
	return append(causalTargetIdxPrefix(entryID), edgeID...)
}

func vecMapFwdKey(entryID types.EntryID) []byte { return append([]byte{prefixVecMapFwd}, entryID...) }

func labelBytes(label int64) []byte {
	b := make([]byte, 8)
	u := uint64(label)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func labelFromBytes(b []byte) int64 {
	var u uint64
	for i := 0; i < 8 && i < len(b); i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}

func vecMapRevKey(label int64) []byte {
	return append([]byte{prefixVecMapRev}, labelBytes(label)...)
}

func trajectoryKey(id types.TrajectoryID) []byte { return append([]byte{prefixTrajectory}, id...) }

func trajPendingKey(id types.TrajectoryID) []byte { return append([]byte{prefixTrajPending}, id...) }

func patternWeightKey(id string) []byte { return append([]byte{prefixPatternWeight}, id...) }

func weightCheckpointKey(id types.WeightCheckpointID) []byte {
	return append([]byte{prefixWeightCheckpoint}, id...)
}

func memrlQueryKey(id types.MemRLQueryID) []byte { return append([]byte{prefixMemRLQuery}, id...) }
