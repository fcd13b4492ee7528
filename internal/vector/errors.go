package vector

import "errors"

var (
	// ErrDimensionMismatch is returned when a vector's length disagrees
	// with the index's configured dimensionality.
	ErrDimensionMismatch = errors.New("corebrain/vector: dimension mismatch")

	// ErrNotUnitLength is returned by Add/Update when a vector's magnitude
	// deviates from 1 by more than the configured epsilon.
	ErrNotUnitLength = errors.New("corebrain/vector: vector is not unit length")

	// ErrLabelExists is returned by Add when the label is already indexed.
	ErrLabelExists = errors.New("corebrain/vector: label already indexed")

	// ErrLabelNotFound is returned by Update/Delete for an unknown label.
	ErrLabelNotFound = errors.New("corebrain/vector: label not found")

	// ErrCorrupt is returned by Deserialize when the content hash recorded
	// in a serialized index file does not match its payload.
	ErrCorrupt = errors.New("corebrain/vector: serialized index failed integrity check")
)
