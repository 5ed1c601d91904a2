package tensor

import (
	"fmt"
	"math"
)

// BroadcastTo expands t to shape using broadcasting rules: t's axes are aligned
// to the right of shape, missing leading axes count as 1, and only size-1 axes
// may be stretched. The result is a contiguous copy.
func (t *Tensor) BroadcastTo(shape []int) (*Tensor, error) {
	if err := CheckBroadcast(t.Shape, shape); err != nil {
		return nil, err
	}

	offset := len(shape) - len(t.Shape)
	srcStrides := make([]int, len(shape))
	for i, dim := range t.Shape {
		if dim == shape[offset+i] {
			srcStrides[offset+i] = t.Strides[i]
		}
	}

	result := NewTensor(shape)
	if len(result.Data) > 0 {
		gather(result.Data, t.Data, shape, srcStrides)
	}
	return result, nil
}

// CheckBroadcast reports whether from can be broadcast to shape without
// materialising anything. The error wraps ErrShape.
func CheckBroadcast(from, shape []int) error {
	if len(from) > len(shape) {
		return fmt.Errorf("%w: cannot broadcast %v to lower-rank shape %v", ErrShape, from, shape)
	}

	offset := len(shape) - len(from)
	for i, dim := range from {
		if target := shape[offset+i]; dim != target && dim != 1 {
			return fmt.Errorf("%w: cannot broadcast %v to %v (dimension %d: %d vs %d)",
				ErrShape, from, shape, offset+i, dim, target)
		}
	}
	return nil
}

// ApplyMask returns a copy of scores with -Inf wherever mask is nonzero.
// mask must be broadcastable to the shape of scores.
func ApplyMask(scores, mask *Tensor) (*Tensor, error) {
	if !scores.ShapeEquals(mask) {
		var err error
		mask, err = mask.BroadcastTo(scores.Shape)
		if err != nil {
			return nil, fmt.Errorf("invalid mask: %w", err)
		}
	}

	negInf := float32(math.Inf(-1))
	result := scores.Clone()
	for i, m := range mask.Data {
		if m != 0 {
			result.Data[i] = negInf
		}
	}
	return result, nil
}

// CausalMask creates a look-ahead mask of shape (1, seq_len, seq_len).
// Entry (i, j) is 1 when j > i, hiding future positions from query i.
func CausalMask(seqLen int) *Tensor {
	mask := NewTensor([]int{1, seqLen, seqLen})
	for i := 0; i < seqLen; i++ {
		for j := i + 1; j < seqLen; j++ {
			mask.Data[i*seqLen+j] = 1
		}
	}
	return mask
}

// PaddingMask creates a key padding mask of shape (batch, 1, seq_len).
// For batch row b, key positions at or beyond lengths[b] are set to 1.
func PaddingMask(seqLen int, lengths []int) (*Tensor, error) {
	mask := NewTensor([]int{len(lengths), 1, seqLen})
	for b, n := range lengths {
		if n < 0 || n > seqLen {
			return nil, fmt.Errorf("%w: length %d of batch row %d outside [0, %d]", ErrShape, n, b, seqLen)
		}
		for j := n; j < seqLen; j++ {
			mask.Data[b*seqLen+j] = 1
		}
	}
	return mask, nil
}
