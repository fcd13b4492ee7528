package types

import (
	"strings"
	"time"
)

// Source identifies who or what produced an Entry's content.
type Source string

const (
	SourceUser     Source = "user"
	SourceAgent    Source = "agent"
	SourceTool     Source = "tool"
	SourceSystem   Source = "system"
	SourceExternal Source = "external"
)

// EntryID uniquely identifies an Entry. IDs are UUIDs minted by the facade
// (see internal/engine), never by the caller.
type EntryID string

// EntryMeta is the typed union of recognized entry metadata.
//
// The upstream system this spec was distilled from treats entry metadata as
// a free-form object; per the redesign flag in spec §9 ("Dynamic,
// field-driven entity metadata"), CoreBrain instead recognizes a small set
// of first-class fields and confines everything else to a validated
// passthrough blob, rejected at ingest if it is malformed.
type EntryMeta struct {
	// Source identifies who or what produced the entry. Empty defaults to
	// SourceUser (see internal/engine.Store).
	Source    Source
	SessionID string
	AgentID   string
	Tags      []string

	// Passthrough holds caller-supplied fields not recognized above. Keys
	// must be non-empty and free of control characters; values are opaque.
	Passthrough map[string]any
}

// ValidateMeta rejects metadata with forbidden control characters in tags
// or passthrough keys, or a Source outside the recognized taxonomy, per the
// invalid_argument taxonomy in §7.
func ValidateMeta(m EntryMeta) error {
	switch m.Source {
	case "", SourceUser, SourceAgent, SourceTool, SourceSystem, SourceExternal:
	default:
		return ErrInvalidArgument
	}
	for _, tag := range m.Tags {
		if hasControlChar(tag) {
			return ErrInvalidArgument
		}
	}
	for k := range m.Passthrough {
		if k == "" || hasControlChar(k) {
			return ErrInvalidArgument
		}
	}
	return nil
}

func hasControlChar(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}

// Entry is the fundamental unit of stored knowledge: a piece of text with
// provenance, a derived reliability score, and a place in the vector index.
//
// Invariants (see spec §3):
//   - ID is unique.
//   - Exactly one vector label exists in the vector-mapping table iff
//     PendingEmbedding is false.
//   - Importance, Confidence and QValue are clamped to [0,1].
type Entry struct {
	ID         EntryID
	Content    string
	Source     Source
	Importance float64
	Confidence float64
	Tags       []string
	SessionID  string
	AgentID    string

	CreatedAt time.Time
	UpdatedAt time.Time

	// QValue is the MemRL entry-level Q-value, neutral default 0.5.
	QValue float64

	// PendingEmbedding is true from creation until the vector index confirms
	// insertion. Entries in this state are excluded from normal search and
	// retried by the background reconciler (internal/embedding).
	PendingEmbedding bool
}

// Clamp01 clamps v to the closed interval [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ContainsTag reports whether the entry carries the given tag.
func (e *Entry) ContainsTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// EditPatch carries the mutable subset of Entry fields accepted by `edit`.
// Nil pointers leave the corresponding field unchanged.
type EditPatch struct {
	Content    *string
	Tags       *[]string
	Importance *float64
	Confidence *float64
}
