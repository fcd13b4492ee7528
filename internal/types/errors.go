// Package types defines the entities shared across CoreBrain's subsystems:
// entries, provenance records, causal hyperedges, trajectories, pattern
// weights and their checkpoints, and the PQ codebook descriptor. It also
// defines the error taxonomy every subsystem reports through.
package types

import "errors"

// Sentinel errors implementing the taxonomy of §7: each subsystem wraps one
// of these with fmt.Errorf("...: %w", err) so callers can errors.Is against
// a stable, small vocabulary regardless of which subsystem raised it.
var (
	// ErrNotFound covers entries, trajectories, causal edges, memrl queries.
	// Reported to the caller, never retried.
	ErrNotFound = errors.New("corebrain: not found")

	// ErrInvalidArgument covers dimension mismatches, empty source/target
	// sets on a causal edge, and tags containing forbidden control chars.
	ErrInvalidArgument = errors.New("corebrain: invalid argument")

	// ErrConstraintViolation covers duplicate labels and cyclic provenance.
	// The triggering operation is rolled back and reported as fatal.
	ErrConstraintViolation = errors.New("corebrain: constraint violation")

	// ErrIOFailure covers persistence write failures and disk exhaustion.
	// The transaction is aborted; the engine remains consistent.
	ErrIOFailure = errors.New("corebrain: io failure")

	// ErrProviderUnavailable is returned by the embedding provider collaborator.
	// The caller should store the entry with PendingEmbedding=true instead of
	// failing the operation outright.
	ErrProviderUnavailable = errors.New("corebrain: embedding provider unavailable")

	// ErrCancelled is returned when a caller-supplied context is cancelled
	// mid-operation. No partial state is left in the vector index.
	ErrCancelled = errors.New("corebrain: operation cancelled")

	// ErrTimeout is returned when an operation exceeds its configured budget.
	ErrTimeout = errors.New("corebrain: operation timed out")

	// ErrStaleState names the condition where a drift-critical check
	// triggered an automatic checkpoint restore. sona.Manager reports that
	// restore through FeedbackResult.RolledBack and does not return this
	// error.
	ErrStaleState = errors.New("corebrain: stale state, rollback performed")

	// ErrAlreadyApplied is returned by idempotent feedback operations when
	// the same trajectory/query has already received feedback.
	ErrAlreadyApplied = errors.New("corebrain: feedback already applied")

	// ErrClosed is returned by any operation invoked after the engine or one
	// of its owned resources has been closed.
	ErrClosed = errors.New("corebrain: closed")
)
