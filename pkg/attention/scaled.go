package attention

import (
	"fmt"
	"math"

	"goattn/pkg/tensor"
)

// ScaledDotProductAttention computes softmax(Q Kᵀ / sqrt(d_k)) V for every
// (batch, head) pair of its inputs at once.
//
// It holds no learned parameters; the scale is computed once at construction.
type ScaledDotProductAttention struct {
	KeyDim int
	Scale  float32 // 1/sqrt(KeyDim)
}

// NewScaledDotProductAttention creates the attention routine for per-head key width keyDim.
func NewScaledDotProductAttention(keyDim int) (*ScaledDotProductAttention, error) {
	if keyDim <= 0 {
		return nil, fmt.Errorf("%w: key_dim must be positive, got %d", ErrInvalidConfig, keyDim)
	}
	return &ScaledDotProductAttention{
		KeyDim: keyDim,
		Scale:  float32(1.0 / math.Sqrt(float64(keyDim))),
	}, nil
}

// Forward computes scaled dot-product attention.
//
// Input shapes:
//   - q: (batch, heads, seq_q, d_k)
//   - k: (batch, heads, seq_k, d_k)
//   - v: (batch, heads, seq_k, d_v)
//   - mask: optional, broadcastable to (batch, heads, seq_q, seq_k); nonzero entries are hidden
//
// Output shapes: output (batch, heads, seq_q, d_v), weights (batch, heads, seq_q, seq_k).
//
// A query row whose keys are all masked produces NaN weights and outputs.
func (a *ScaledDotProductAttention) Forward(q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := a.validate(q, k, v, mask); err != nil {
		return nil, nil, err
	}

	// scores: (batch, heads, seq_q, d_k) @ (batch, heads, seq_k, d_k)ᵀ -> (batch, heads, seq_q, seq_k)
	scores, err := tensor.MatmulTransB(q, k)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(a.Scale)

	if mask != nil {
		scores, err = tensor.ApplyMask(scores, mask)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply mask: %w", err)
		}
	}

	weights, err := tensor.SoftmaxLast(scores)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply softmax: %w", err)
	}

	// output: (batch, heads, seq_q, seq_k) @ (batch, heads, seq_k, d_v) -> (batch, heads, seq_q, d_v)
	output, err := tensor.Matmul(weights, v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}

	return output, weights, nil
}

func (a *ScaledDotProductAttention) validate(q, k, v, mask *tensor.Tensor) error {
	for _, in := range []struct {
		name string
		t    *tensor.Tensor
	}{{"query", q}, {"key", k}, {"value", v}} {
		if in.t == nil {
			return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, in.name)
		}
		if in.t.NumDims() != 4 {
			return fmt.Errorf("%w: expected 4D %s (batch, heads, seq, dim), got %dD with shape %v",
				ErrShapeMismatch, in.name, in.t.NumDims(), in.t.Shape)
		}
	}

	if q.Shape[3] != a.KeyDim || k.Shape[3] != a.KeyDim {
		return fmt.Errorf("%w: query/key dimension %d/%d doesn't match d_k %d",
			ErrShapeMismatch, q.Shape[3], k.Shape[3], a.KeyDim)
	}
	if q.Shape[0] != k.Shape[0] || k.Shape[0] != v.Shape[0] {
		return fmt.Errorf("%w: batch sizes differ: query %d, key %d, value %d",
			ErrShapeMismatch, q.Shape[0], k.Shape[0], v.Shape[0])
	}
	if q.Shape[1] != k.Shape[1] || k.Shape[1] != v.Shape[1] {
		return fmt.Errorf("%w: head counts differ: query %d, key %d, value %d",
			ErrShapeMismatch, q.Shape[1], k.Shape[1], v.Shape[1])
	}
	if k.Shape[2] != v.Shape[2] {
		return fmt.Errorf("%w: key sequence length %d doesn't match value sequence length %d",
			ErrShapeMismatch, k.Shape[2], v.Shape[2])
	}

	if mask != nil {
		if mask.NumDims() > 4 {
			return fmt.Errorf("%w: mask must have at most 4 dimensions, got shape %v",
				ErrShapeMismatch, mask.Shape)
		}
		scores := []int{q.Shape[0], q.Shape[1], q.Shape[2], k.Shape[2]}
		if err := tensor.CheckBroadcast(mask.Shape, scores); err != nil {
			return fmt.Errorf("invalid mask: %w", err)
		}
	}
	return nil
}
