package tensor

import (
	"fmt"
	"math"
)

// Softmax applies softmax along the specified dimension.
//
// Each slice along dim is shifted by its maximum before exponentiation. A slice
// whose entries are all -Inf has no maximum to shift by and comes out as NaN,
// the same as the textbook formula; callers that mask every key of a query row
// get NaN back for that row.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	last := len(t.Shape) - 1
	if dim < 0 || dim > last {
		return nil, fmt.Errorf("%w: invalid dimension %d for tensor with %d dimensions",
			ErrShape, dim, len(t.Shape))
	}

	if dim != last {
		moved, err := t.Transpose(dim, last)
		if err != nil {
			return nil, err
		}
		out, err := Softmax(moved, last)
		if err != nil {
			return nil, err
		}
		return out.Transpose(dim, last)
	}

	result := NewTensor(t.Shape)
	rowLen := t.Shape[last]
	if rowLen == 0 {
		return result, nil
	}

	for off := 0; off < len(t.Data); off += rowLen {
		softmaxRow(result.Data[off:off+rowLen], t.Data[off:off+rowLen])
	}
	return result, nil
}

// SoftmaxLast applies softmax along the last dimension.
func SoftmaxLast(t *Tensor) (*Tensor, error) {
	return Softmax(t, len(t.Shape)-1)
}

func softmaxRow(dst, src []float32) {
	// Find max for numerical stability
	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := float32(0)
	for i, v := range src {
		e := float32(math.Exp(float64(v - maxVal)))
		dst[i] = e
		sum += e
	}

	for i := range dst {
		dst[i] /= sum
	}
}
