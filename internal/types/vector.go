package types

// VectorMapping bijects an entry id onto an integer label in the vector
// index (spec §3). Labels are never reused after a delete within the
// lifetime of a single index instance.
type VectorMapping struct {
	EntryID EntryID
	Label   int64
}

// PQCodebook describes a trained product-quantization codebook (spec §4.2.1).
//
// Invariant: Dimensions % NumSubvectors == 0.
type PQCodebook struct {
	Dimensions    int
	NumSubvectors int
	NumCentroids  int
	BitsPerCode   int // 4 or 8

	// Centroids is laid out [subvector][centroid][dims/NumSubvectors].
	Centroids [][][]float32
}

// SubDim returns the dimensionality of each subvector.
func (c *PQCodebook) SubDim() int {
	return c.Dimensions / c.NumSubvectors
}
