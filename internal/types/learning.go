package types

import "time"

// TrajectoryID identifies one query's retrieval trajectory.
type TrajectoryID string

// Trajectory records a single query's retrieved entries for later learning
// feedback (spec §3). Feedback may be applied at most once.
type Trajectory struct {
	ID             TrajectoryID
	QueryText      string
	MatchedEntries []EntryID
	MatchScores    []float64 // aligned index-for-index with MatchedEntries
	Embedding      []float32
	Route          string
	CreatedAt      time.Time
	Feedback       *TrajectoryFeedback
}

// TrajectoryFeedback is the quality signal learned from after a query.
type TrajectoryFeedback struct {
	Quality    float64 // q in [0,1]
	AppliedAt  time.Time
}

// PatternWeight is a Sona (LoRA-style) pattern's learned retrieval weight.
//
// Invariant: SuccessCount <= UseCount; default Weight when absent is 0.5.
type PatternWeight struct {
	PatternID    string
	Weight       float64
	Importance   float64
	UseCount     int64
	SuccessCount int64
	LastUpdate   time.Time
}

// SuccessRate returns SuccessCount/UseCount, or 0 when UseCount is 0.
func (p *PatternWeight) SuccessRate() float64 {
	if p.UseCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UseCount)
}

// WeightCheckpointID identifies an immutable weight snapshot.
type WeightCheckpointID string

// WeightCheckpoint is an immutable snapshot of all pattern weights, captured
// when drift crosses the "alert" threshold (spec §4.5.1).
type WeightCheckpoint struct {
	ID        WeightCheckpointID
	Snapshot  map[string]float64 // patternID -> weight at capture time
	Drift     float64
	CreatedAt time.Time
}

// MemRLQueryID identifies a persisted two-phase retrieval query (spec §4.5.2).
type MemRLQueryID string

// MemRLQuery captures the state of one MemRL retrieval so that feedback can
// later be applied to the same candidate set exactly once.
type MemRLQuery struct {
	ID            MemRLQueryID
	QueryText     string
	EntryIDs      []EntryID
	Similarities  []float64
	QValues       []float64
	Delta         float64
	Lambda        float64
	FeedbackApplied bool
}
