package types

import "time"

// RelationType names the edge types a causal hyperedge may carry.
type RelationType string

const (
	RelationCauses      RelationType = "causes"
	RelationEnables     RelationType = "enables"
	RelationPrevents    RelationType = "prevents"
	RelationCorrelates  RelationType = "correlates"
	RelationPrecedes    RelationType = "precedes"
	RelationTriggers    RelationType = "triggers"
)

// CausalEdgeID uniquely identifies a hyperedge.
type CausalEdgeID string

// CausalEdge connects a non-empty set of source entries to a non-empty set
// of target entries, typed and strength-weighted (spec §3, §4.4).
type CausalEdge struct {
	ID        CausalEdgeID
	Type      RelationType
	SourceIDs []EntryID
	TargetIDs []EntryID
	Strength  float64
	CreatedAt time.Time

	// TTL and ExpiresAt are both optional; when TTL is set, ExpiresAt is
	// derived at creation time as CreatedAt.Add(TTL).
	TTL       *time.Duration
	ExpiresAt *time.Time
}

// Expired reports whether the edge's ExpiresAt has passed as of now.
func (e *CausalEdge) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}
