package attention

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"goattn/pkg/tensor"
)

// MultiHeadAttention projects its inputs into NumHeads query/key/value
// subspaces, attends in all of them with a single batched call, and projects
// the concatenated head outputs back to ModelDim.
//
// Architecture:
//   - WQuery, WKey: (model_dim, num_heads*d_k), no bias
//   - WValue: (model_dim, num_heads*d_v), no bias
//   - WOut: (num_heads*d_v, model_dim), no bias
//
// The weights are read-only during Forward, so one layer may serve
// concurrent forward calls.
type MultiHeadAttention struct {
	ModelDim int
	NumHeads int
	KeyDim   int
	ValueDim int

	WQuery *Linear
	WKey   *Linear
	WValue *Linear
	WOut   *Linear

	attn *ScaledDotProductAttention
}

// NewMultiHeadAttention creates a multi-head attention layer with randomly
// initialised projections. The same config, including Seed, always yields
// the same weights.
func NewMultiHeadAttention(config Config) (*MultiHeadAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(config.Seed, config.Seed))
	qkWidth := config.NumHeads * config.KeyDim
	vWidth := config.NumHeads * config.ValueDim

	m := &MultiHeadAttention{
		ModelDim: config.ModelDim,
		NumHeads: config.NumHeads,
		KeyDim:   config.KeyDim,
		ValueDim: config.ValueDim,
	}

	// Weights are drawn in Q, K, V, O order from one stream
	var err error
	if m.WQuery, err = NewLinear(config.ModelDim, qkWidth, rng); err != nil {
		return nil, fmt.Errorf("failed to create query projection: %w", err)
	}
	if m.WKey, err = NewLinear(config.ModelDim, qkWidth, rng); err != nil {
		return nil, fmt.Errorf("failed to create key projection: %w", err)
	}
	if m.WValue, err = NewLinear(config.ModelDim, vWidth, rng); err != nil {
		return nil, fmt.Errorf("failed to create value projection: %w", err)
	}
	if m.WOut, err = NewLinear(vWidth, config.ModelDim, rng); err != nil {
		return nil, fmt.Errorf("failed to create output projection: %w", err)
	}
	if m.attn, err = NewScaledDotProductAttention(config.KeyDim); err != nil {
		return nil, err
	}

	slog.Debug("created multi-head attention",
		"model_dim", m.ModelDim, "num_heads", m.NumHeads,
		"d_k", m.KeyDim, "d_v", m.ValueDim, "params", m.NumParams())
	return m, nil
}

// NumParams returns the number of learned parameters across the four projections.
func (m *MultiHeadAttention) NumParams() int {
	n := 0
	for _, l := range []*Linear{m.WQuery, m.WKey, m.WValue, m.WOut} {
		n += l.Weight.Size()
	}
	return n
}

// Forward computes multi-head attention.
//
// Input shapes:
//   - q: (batch, seq_q, model_dim)
//   - k, v: (batch, seq_k, model_dim); pass the same tensor three times for self-attention
//   - mask: optional (batch, seq_q|1, seq_k) or anything broadcastable to it, nonzero
//     entries are hidden; a 4D mask is used as (batch, heads, seq_q, seq_k) directly
//
// Output shapes: output (batch, seq_q, model_dim), weights (batch, num_heads, seq_q, seq_k).
func (m *MultiHeadAttention) Forward(q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := m.validate(q, k, v); err != nil {
		return nil, nil, err
	}

	batchSize, seqQ, seqK := q.Shape[0], q.Shape[1], k.Shape[1]

	// Every head sees the same mask
	if mask != nil {
		var err error
		mask, err = m.headMask(mask, batchSize, seqQ, seqK)
		if err != nil {
			return nil, nil, err
		}
	}

	// Step 1: Project to Q, K, V
	// Q, K: (batch, seq, num_heads*d_k); V: (batch, seq, num_heads*d_v)
	Q, err := m.WQuery.Forward(q)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	K, err := m.WKey.Forward(k)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	V, err := m.WValue.Forward(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}

	// Step 2: Split heads
	// (batch, seq, num_heads*dim) -> (batch, seq, num_heads, dim) -> (batch, num_heads, seq, dim)
	Q, err = m.splitHeads(Q, batchSize, seqQ, m.KeyDim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split Q heads: %w", err)
	}
	K, err = m.splitHeads(K, batchSize, seqK, m.KeyDim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split K heads: %w", err)
	}
	V, err = m.splitHeads(V, batchSize, seqK, m.ValueDim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split V heads: %w", err)
	}

	// Step 3: Attention over all heads at once
	attnOutput, weights, err := m.attn.Forward(Q, K, V, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	if mask != nil && slog.Default().Enabled(context.Background(), slog.LevelDebug) && weights.HasNaN() {
		slog.Debug("attention weights contain NaN, a query row has every key masked",
			"mask_shape", mask.Shape)
	}

	// Step 4: Merge heads
	// (batch, num_heads, seq_q, d_v) -> (batch, seq_q, num_heads, d_v) -> (batch, seq_q, num_heads*d_v)
	attnOutput, err = attnOutput.Transpose(1, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to transpose attention output: %w", err)
	}
	attnOutput, err = attnOutput.View([]int{batchSize, seqQ, m.NumHeads * m.ValueDim})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to merge heads: %w", err)
	}

	// Step 5: Output projection
	output, err := m.WOut.Forward(attnOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	return output, weights, nil
}

func (m *MultiHeadAttention) validate(q, k, v *tensor.Tensor) error {
	for _, in := range []struct {
		name string
		t    *tensor.Tensor
	}{{"query", q}, {"key", k}, {"value", v}} {
		if in.t == nil {
			return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, in.name)
		}
		if in.t.NumDims() != 3 {
			return fmt.Errorf("%w: expected 3D %s (batch, seq, model_dim), got %dD with shape %v",
				ErrShapeMismatch, in.name, in.t.NumDims(), in.t.Shape)
		}
		if in.t.Shape[2] != m.ModelDim {
			return fmt.Errorf("%w: %s dimension %d doesn't match model_dim %d",
				ErrShapeMismatch, in.name, in.t.Shape[2], m.ModelDim)
		}
	}

	if q.Shape[0] != k.Shape[0] || k.Shape[0] != v.Shape[0] {
		return fmt.Errorf("%w: batch sizes differ: query %d, key %d, value %d",
			ErrShapeMismatch, q.Shape[0], k.Shape[0], v.Shape[0])
	}
	if k.Shape[1] != v.Shape[1] {
		return fmt.Errorf("%w: key sequence length %d doesn't match value sequence length %d",
			ErrShapeMismatch, k.Shape[1], v.Shape[1])
	}
	return nil
}

func (m *MultiHeadAttention) splitHeads(x *tensor.Tensor, batchSize, seqLen, headDim int) (*tensor.Tensor, error) {
	x, err := x.View([]int{batchSize, seqLen, m.NumHeads, headDim})
	if err != nil {
		return nil, err
	}
	return x.Transpose(1, 2)
}

// headMask lifts a (batch, seq_q, seq_k)-style mask to (batch, 1, seq_q, seq_k)
// so it broadcasts across heads. Lower-rank masks gain leading axes first.
// The lifted mask is checked against the attention scores shape.
func (m *MultiHeadAttention) headMask(mask *tensor.Tensor, batchSize, seqQ, seqK int) (*tensor.Tensor, error) {
	if n := mask.NumDims(); n > 4 || n == 0 {
		return nil, fmt.Errorf("%w: mask must have 1 to 4 dimensions, got shape %v", ErrShapeMismatch, mask.Shape)
	}

	var err error
	if mask.NumDims() < 4 {
		for mask.NumDims() < 3 {
			if mask, err = mask.Unsqueeze(0); err != nil {
				return nil, err
			}
		}
		if mask, err = mask.Unsqueeze(1); err != nil {
			return nil, err
		}
	}

	if err := tensor.CheckBroadcast(mask.Shape, []int{batchSize, m.NumHeads, seqQ, seqK}); err != nil {
		return nil, fmt.Errorf("invalid mask: %w", err)
	}
	return mask, nil
}
