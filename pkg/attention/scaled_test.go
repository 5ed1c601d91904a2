package attention

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"goattn/pkg/tensor"
)

func newTestSDPA(t testing.TB, keyDim int) *ScaledDotProductAttention {
	t.Helper()
	a, err := NewScaledDotProductAttention(keyDim)
	require.NoError(t, err)
	return a
}

func randomQKV(rng *rand.Rand, batch, heads, seqQ, seqK, dk, dv int) (q, k, v *tensor.Tensor) {
	q = tensor.Uniform([]int{batch, heads, seqQ, dk}, -1, 1, rng)
	k = tensor.Uniform([]int{batch, heads, seqK, dk}, -1, 1, rng)
	v = tensor.Uniform([]int{batch, heads, seqK, dv}, -1, 1, rng)
	return q, k, v
}

// rowSums returns the sum of every row along the last axis.
func rowSums(t *tensor.Tensor) []float64 {
	n := t.Shape[t.NumDims()-1]
	var sums []float64
	row := make([]float64, n)
	for off := 0; off < len(t.Data); off += n {
		for j, x := range t.Data[off : off+n] {
			row[j] = float64(x)
		}
		sums = append(sums, floats.Sum(row))
	}
	return sums
}

func TestScaledDotProductAttentionScale(t *testing.T) {
	for _, dk := range []int{1, 16, 64, 128} {
		a := newTestSDPA(t, dk)
		assert.InDelta(t, 1/math.Sqrt(float64(dk)), float64(a.Scale), 1e-7, "d_k=%d", dk)
	}
}

func TestNewScaledDotProductAttentionInvalidKeyDim(t *testing.T) {
	for _, dk := range []int{0, -4} {
		a, err := NewScaledDotProductAttention(dk)
		require.ErrorIs(t, err, ErrInvalidConfig, "d_k=%d", dk)
		assert.Nil(t, a)
	}
}

func TestScaledDotProductAttentionShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	q, k, v := randomQKV(rng, 2, 3, 5, 7, 4, 6)

	out, weights, err := newTestSDPA(t, 4).Forward(q, k, v, nil)
	require.NoError(t, err)

	if diff := cmp.Diff([]int{2, 3, 5, 6}, out.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 5, 7}, weights.Shape); diff != "" {
		t.Errorf("weights shape mismatch (-want +got):\n%s", diff)
	}
}

func TestScaledDotProductAttentionWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	q, k, v := randomQKV(rng, 3, 4, 6, 6, 8, 8)
	q = q.Scale(5) // sharpen the distribution

	_, weights, err := newTestSDPA(t, 8).Forward(q, k, v, nil)
	require.NoError(t, err)

	for i, s := range rowSums(weights) {
		assert.InDelta(t, 1.0, s, 1e-5, "row %d", i)
	}
	for _, w := range weights.Data {
		assert.GreaterOrEqual(t, w, float32(0))
	}
}

func TestScaledDotProductAttentionMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	batch, heads, seq := 2, 2, 5
	q, k, v := randomQKV(rng, batch, heads, seq, seq, 4, 4)

	// Hide keys 3 and 4 for batch 0 and key 0 for batch 1, for every head and query
	mask, err := tensor.FromSlice([]float32{
		0, 0, 0, 1, 1,
		1, 0, 0, 0, 0,
	}, []int{batch, 1, 1, seq})
	require.NoError(t, err)

	_, weights, err := newTestSDPA(t, 4).Forward(q, k, v, mask)
	require.NoError(t, err)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seq; i++ {
				sum := float32(0)
				for j := 0; j < seq; j++ {
					w := weights.Get(b, h, i, j)
					if mask.Get(b, 0, 0, j) != 0 {
						assert.LessOrEqual(t, w, float32(1e-9), "b=%d h=%d i=%d j=%d", b, h, i, j)
					}
					sum += w
				}
				assert.InDelta(t, 1.0, sum, 1e-5)
			}
		}
	}
}

func TestScaledDotProductAttentionLowRankMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	q, k, v := randomQKV(rng, 2, 2, 4, 4, 4, 4)
	sdpa := newTestSDPA(t, 4)

	// (seq, seq) causal pattern broadcast over batch and heads
	causal := tensor.CausalMask(4).Reshape([]int{4, 4})
	_, weights, err := sdpa.Forward(q, k, v, causal)
	require.NoError(t, err)

	for b := 0; b < 2; b++ {
		for h := 0; h < 2; h++ {
			for i := 0; i < 4; i++ {
				for j := i + 1; j < 4; j++ {
					assert.Zero(t, weights.Get(b, h, i, j))
				}
			}
		}
	}
	// The first query can only see itself
	assert.InDelta(t, 1.0, weights.Get(1, 1, 0, 0), 1e-6)
}

func TestScaledDotProductAttentionZeroMaskMatchesNoMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	q, k, v := randomQKV(rng, 2, 3, 4, 4, 8, 5)
	sdpa := newTestSDPA(t, 8)

	out1, w1, err := sdpa.Forward(q, k, v, nil)
	require.NoError(t, err)
	out2, w2, err := sdpa.Forward(q, k, v, tensor.NewTensor([]int{2, 1, 1, 4}))
	require.NoError(t, err)

	assert.Equal(t, out1.Data, out2.Data)
	assert.Equal(t, w1.Data, w2.Data)
}

func TestScaledDotProductAttentionFullyMaskedRowIsNaN(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	q, k, v := randomQKV(rng, 1, 1, 2, 3, 2, 2)

	// Query 0 sees keys 0 and 1, query 1 sees nothing
	mask, err := tensor.FromSlice([]float32{
		0, 0, 1,
		1, 1, 1,
	}, []int{1, 1, 2, 3})
	require.NoError(t, err)

	out, weights, err := newTestSDPA(t, 2).Forward(q, k, v, mask)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, weights.Get(0, 0, 0, 0)+weights.Get(0, 0, 0, 1), 1e-6)
	for j := 0; j < 3; j++ {
		assert.True(t, math.IsNaN(float64(weights.Get(0, 0, 1, j))), "weight (1,%d) should be NaN", j)
	}
	for d := 0; d < 2; d++ {
		assert.False(t, math.IsNaN(float64(out.Get(0, 0, 0, d))))
		assert.True(t, math.IsNaN(float64(out.Get(0, 0, 1, d))))
	}
}

func TestScaledDotProductAttentionShapeErrors(t *testing.T) {
	sdpa := newTestSDPA(t, 4)
	good := func(shape ...int) *tensor.Tensor { return tensor.NewTensor(shape) }

	tests := []struct {
		name    string
		q, k, v *tensor.Tensor
		mask    *tensor.Tensor
	}{
		{"query 3D", good(2, 5, 4), good(2, 1, 5, 4), good(2, 1, 5, 4), nil},
		{"nil key", good(2, 1, 5, 4), nil, good(2, 1, 5, 4), nil},
		{"query d_k", good(2, 1, 5, 3), good(2, 1, 5, 4), good(2, 1, 5, 4), nil},
		{"key d_k", good(2, 1, 5, 4), good(2, 1, 5, 8), good(2, 1, 5, 4), nil},
		{"key/value seq", good(2, 1, 5, 4), good(2, 1, 5, 4), good(2, 1, 6, 4), nil},
		{"batch", good(2, 1, 5, 4), good(3, 1, 5, 4), good(3, 1, 5, 4), nil},
		{"heads", good(2, 2, 5, 4), good(2, 1, 5, 4), good(2, 1, 5, 4), nil},
		{"mask shape", good(2, 1, 5, 4), good(2, 1, 5, 4), good(2, 1, 5, 4), good(3, 1, 1, 5)},
		{"mask rank", good(2, 1, 5, 4), good(2, 1, 5, 4), good(2, 1, 5, 4), good(1, 2, 1, 1, 5)},
		{"mask heads", good(2, 2, 5, 4), good(2, 2, 5, 4), good(2, 2, 5, 4), good(2, 3, 5, 5)},
		{"mask keys", good(2, 1, 5, 4), good(2, 1, 5, 4), good(2, 1, 5, 4), good(5, 4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := sdpa.Forward(tt.q, tt.k, tt.v, tt.mask)
			require.ErrorIs(t, err, ErrShapeMismatch)
			// Rejected up front, not by a failing computation step
			assert.NotContains(t, err.Error(), "failed to")
		})
	}
}

// referenceAttention computes attention for a single (batch, head) slice in
// float64 with gonum, independently of package tensor.
func referenceAttention(q, k, v *mat.Dense, scale float64) (out, weights *mat.Dense) {
	var scores mat.Dense
	scores.Mul(q, k.T())
	scores.Scale(scale, &scores)

	rows, cols := scores.Dims()
	weights = mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := mat.Row(nil, i, &scores)
		maxVal := math.Inf(-1)
		for _, x := range row {
			maxVal = math.Max(maxVal, x)
		}
		sum := 0.0
		for j, x := range row {
			row[j] = math.Exp(x - maxVal)
			sum += row[j]
		}
		for j := range row {
			weights.Set(i, j, row[j]/sum)
		}
	}

	out = new(mat.Dense)
	out.Mul(weights, v)
	return out, weights
}

// slice2D copies the (b, h) matrix of a 4D tensor into a float64 gonum matrix.
func slice2D(t *tensor.Tensor, b, h int) *mat.Dense {
	rows, cols := t.Shape[2], t.Shape[3]
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, float64(t.Get(b, h, i, j)))
		}
	}
	return m
}

func TestScaledDotProductAttentionMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	batch, heads := 2, 3
	q, k, v := randomQKV(rng, batch, heads, 4, 6, 8, 5)
	sdpa := newTestSDPA(t, 8)

	out, weights, err := sdpa.Forward(q, k, v, nil)
	require.NoError(t, err)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			wantOut, wantWeights := referenceAttention(
				slice2D(q, b, h), slice2D(k, b, h), slice2D(v, b, h), 1/math.Sqrt(8))

			assert.True(t, mat.EqualApprox(wantWeights, slice2D(weights, b, h), 1e-5),
				"weights differ at b=%d h=%d", b, h)
			assert.True(t, mat.EqualApprox(wantOut, slice2D(out, b, h), 1e-5),
				"output differs at b=%d h=%d", b, h)
		}
	}
}

func BenchmarkScaledDotProductAttention(b *testing.B) {
	rng := rand.New(rand.NewPCG(8, 8))
	q, k, v := randomQKV(rng, 8, 8, 128, 128, 64, 64)
	sdpa := newTestSDPA(b, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := sdpa.Forward(q, k, v, nil); err != nil {
			b.Fatal(err)
		}
	}
}
