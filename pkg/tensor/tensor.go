// Package tensor provides the dense float32 tensor used by the attention layers.
//
// Tensors are always contiguous and row-major: every operation that changes the
// logical layout (Transpose, BroadcastTo) materialises a new tensor, while View
// and Unsqueeze only reinterpret the shape of the same data.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrShape is wrapped by every error caused by incompatible tensor shapes.
var ErrShape = errors.New("shape mismatch")

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, seq, dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, numElements(shape)),
		Shape:   copyShape(shape),
		Strides: contiguousStrides(shape),
	}
}

// FromSlice creates a tensor from a copy of data with the given shape.
// Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	if err := checkDims(shape); err != nil {
		return nil, err
	}
	if expected := numElements(shape); len(data) != expected {
		return nil, fmt.Errorf("%w: data size %d does not match shape %v (expected %d elements)",
			ErrShape, len(data), shape, expected)
	}

	t := NewTensor(shape)
	copy(t.Data, data)
	return t, nil
}

// Full creates a tensor of the given shape with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	if err := checkDims(newShape); err != nil {
		return nil, err
	}
	if newSize := numElements(newShape); newSize != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot view tensor of size %d as shape %v (total size %d)",
			ErrShape, len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: contiguousStrides(newShape),
	}, nil
}

// Reshape returns a view with a different shape (same underlying data).
// It panics when the sizes disagree; use View to get an error instead.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Unsqueeze returns a view with a new axis of size 1 inserted at dim.
// dim may equal NumDims() to append a trailing axis.
func (t *Tensor) Unsqueeze(dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("%w: cannot insert axis %d into tensor with %d dimensions",
			ErrShape, dim, len(t.Shape))
	}

	newShape := make([]int, 0, len(t.Shape)+1)
	newShape = append(newShape, t.Shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, t.Shape[dim:]...)
	return t.View(newShape)
}

// Transpose exchanges two dimensions of the tensor, returning a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, fmt.Errorf("%w: invalid transpose dimensions %d and %d for tensor with %d dimensions",
			ErrShape, dim1, dim2, len(t.Shape))
	}

	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]

	// Walking the destination in order means stepping through the source
	// with its strides permuted the same way as the shape.
	srcStrides := copyShape(t.Strides)
	srcStrides[dim1], srcStrides[dim2] = srcStrides[dim2], srcStrides[dim1]

	result := NewTensor(newShape)
	gather(result.Data, t.Data, newShape, srcStrides)
	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return numElements(t.Shape)
}

// NumDims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := 0; i < len(t.Shape); i++ {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices ...int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape)
	copy(c.Data, t.Data)
	return c
}

// Scale returns a new tensor with every element multiplied by s.
func (t *Tensor) Scale(s float32) *Tensor {
	result := NewTensor(t.Shape)
	for i, v := range t.Data {
		result.Data[i] = v * s
	}
	return result
}

// HasNaN reports whether any element is NaN.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return sameShape(t.Shape, other.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
// NaN never equals anything, including another NaN.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if !(math.Abs(float64(t.Data[i]-other.Data[i])) <= float64(tolerance)) {
			return false
		}
	}
	return true
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor")
	sb.WriteString(t.ShapeString())
	sb.WriteString(": ")
	sb.WriteString(formatData(t.Shape, t.Data, 0))
	return sb.String()
}

// formatData recursively formats tensor data, eliding long axes.
func formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	if len(shape) == 1 {
		for i := 0; i < shape[0] && i < 6; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%g", data[offset+i])
		}
		if shape[0] > 6 {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}

	subSize := numElements(shape[1:])
	for i := 0; i < shape[0] && i < 3; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatData(shape[1:], data, offset+i*subSize))
	}
	if shape[0] > 3 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// gather fills dst (laid out contiguously over shape) from src, where
// srcStrides gives the source step for each destination axis.
func gather(dst, src []float32, shape, srcStrides []int) {
	idx := make([]int, len(shape))
	off := 0
	for i := range dst {
		dst[i] = src[off]
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			off += srcStrides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= srcStrides[d] * shape[d]
			idx[d] = 0
		}
	}
}

func checkDims(shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("%w: invalid dimension %d in shape %v", ErrShape, dim, shape)
		}
	}
	return nil
}

func numElements(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
