package attention

import (
	"fmt"
	"math"
	"math/rand/v2"

	"goattn/pkg/tensor"
)

// Linear is a bias-free linear map y = x W applied over the last axis.
type Linear struct {
	In     int
	Out    int
	Weight *tensor.Tensor // (in, out)
}

// NewLinear creates a Linear layer with weights drawn from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: linear dimensions must be positive, got %dx%d", ErrInvalidConfig, in, out)
	}

	bound := float32(1 / math.Sqrt(float64(in)))
	return &Linear{
		In:     in,
		Out:    out,
		Weight: tensor.Uniform([]int{in, out}, -bound, bound, rng),
	}, nil
}

// Forward maps x of shape (..., in) to (..., out).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NumDims() < 2 {
		return nil, fmt.Errorf("%w: linear input must be at least 2D, got shape %v", ErrShapeMismatch, x.Shape)
	}
	if last := x.Shape[x.NumDims()-1]; last != l.In {
		return nil, fmt.Errorf("%w: input dimension %d doesn't match expected %d", ErrShapeMismatch, last, l.In)
	}
	return tensor.Matmul(x, l.Weight)
}
