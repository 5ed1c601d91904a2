// Package attention implements scaled dot-product attention and multi-head
// attention as described in "Attention Is All You Need".
//
// Both layers operate on float32 tensors from package tensor:
//   - ScaledDotProductAttention: softmax(Q Kᵀ / sqrt(d_k)) V over (batch, heads, seq, dim)
//   - MultiHeadAttention: bias-free Q/K/V projections into heads, one batched
//     attention call for all heads, concatenation and an output projection
package attention

import (
	"errors"
	"fmt"

	"goattn/pkg/tensor"
)

var (
	// ErrShapeMismatch is wrapped by every error caused by inputs of incompatible
	// shape. It is the same sentinel that package tensor wraps, so errors.Is
	// matches both explicit precondition failures and failures inside tensor ops.
	ErrShapeMismatch = tensor.ErrShape

	// ErrInvalidConfig is wrapped by Config.Validate failures.
	ErrInvalidConfig = errors.New("invalid attention config")
)

// Config holds the hyperparameters of a MultiHeadAttention layer.
type Config struct {
	// ModelDim is the width of the input and output sequences (512 in the base transformer)
	ModelDim int

	// NumHeads is the number of attention heads (8 in the base transformer)
	NumHeads int

	// KeyDim is the per-head query/key width d_k (64 in the base transformer)
	KeyDim int

	// ValueDim is the per-head value width d_v (64 in the base transformer)
	ValueDim int

	// Seed seeds the uniform initialisation of the projection weights
	Seed uint64
}

// DefaultConfig returns the base transformer configuration from the paper.
func DefaultConfig() Config {
	return Config{
		ModelDim: 512,
		NumHeads: 8,
		KeyDim:   64,
		ValueDim: 64,
	}
}

// Validate checks that every dimension is positive.
func (c Config) Validate() error {
	for _, f := range []struct {
		name  string
		value int
	}{
		{"model_dim", c.ModelDim},
		{"num_heads", c.NumHeads},
		{"key_dim", c.KeyDim},
		{"value_dim", c.ValueDim},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, f.name, f.value)
		}
	}
	return nil
}
