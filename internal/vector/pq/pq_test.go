package pq

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodebook_RejectsBadConfig(t *testing.T) {
	_, err := NewCodebook(Config{Dimensions: 10, NumSubvectors: 3, NumCentroids: 8, BitsPerCode: 8})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCodebook(Config{Dimensions: 8, NumSubvectors: 4, NumCentroids: 8, BitsPerCode: 3})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCodebook(Config{Dimensions: 8, NumSubvectors: 4, NumCentroids: 300, BitsPerCode: 8})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func genSamples(n, dims int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for j := range v {
			v[j] = float32(r.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestCodebook_EncodeBeforeTrainFails(t *testing.T) {
	cb, err := NewCodebook(Config{Dimensions: 8, NumSubvectors: 4, NumCentroids: 16, BitsPerCode: 8})
	require.NoError(t, err)

	_, err = cb.Encode(make([]float32, 8))
	require.ErrorIs(t, err, ErrNotTrained)
}

func TestCodebook_TrainEncodeDecodeRoundTrip(t *testing.T) {
	cb, err := NewCodebook(Config{Dimensions: 8, NumSubvectors: 4, NumCentroids: 16, BitsPerCode: 8})
	require.NoError(t, err)

	samples := genSamples(200, 8, 1)
	require.NoError(t, cb.Train(samples, 10, rand.New(rand.NewSource(2))))

	code, err := cb.Encode(samples[0])
	require.NoError(t, err)
	assert.Len(t, code, 4)

	decoded, err := cb.Decode(code)
	require.NoError(t, err)
	assert.Len(t, decoded, 8)

	// Reconstruction should be closer to the original than a random other
	// sample, on average.
	distToSelf, err := cb.AsymmetricDistance(samples[0], code)
	require.NoError(t, err)
	distToOther, err := cb.AsymmetricDistance(samples[1], code)
	require.NoError(t, err)
	assert.Less(t, distToSelf, distToOther+1.0)
}

func TestCodebook_DimensionMismatch(t *testing.T) {
	cb, err := NewCodebook(Config{Dimensions: 8, NumSubvectors: 4, NumCentroids: 16, BitsPerCode: 8})
	require.NoError(t, err)
	require.NoError(t, cb.Train(genSamples(50, 8, 3), 5, nil))

	_, err = cb.Encode(make([]float32, 4))
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPack4BitRoundTrip(t *testing.T) {
	code := Code{1, 15, 0, 7, 9}
	packed := Pack4Bit(code)
	restored := Unpack4Bit(packed, len(code))
	assert.Equal(t, code, restored)
}
