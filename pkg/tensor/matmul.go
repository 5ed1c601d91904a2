package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// b may also be 2D (n, p), in which case it is shared by every leading slice of a.
func Matmul(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, blas.NoTrans)
}

// MatmulTransB multiplies a by the transpose of b over the last two dimensions.
// For tensors of shape (..., m, n) and (..., p, n), returns (..., m, p) without
// materialising the transposed operand.
func MatmulTransB(a, b *Tensor) (*Tensor, error) {
	return matmul(a, b, blas.Trans)
}

func matmul(a, b *Tensor, tB blas.Transpose) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("%w: matmul requires at least 2D tensors, got %dD and %dD",
			ErrShape, len(a.Shape), len(b.Shape))
	}

	m, n := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	bRows, bCols := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]
	k, p := bRows, bCols
	if tB == blas.Trans {
		k, p = bCols, bRows
	}

	if n != k {
		return nil, fmt.Errorf("%w: incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			ErrShape, a.Shape, b.Shape, n, k)
	}

	batchDims := a.Shape[:len(a.Shape)-2]
	shared := len(b.Shape) == 2
	if !shared && !sameShape(batchDims, b.Shape[:len(b.Shape)-2]) {
		return nil, fmt.Errorf("%w: batch dimensions of %v and %v don't match",
			ErrShape, a.Shape, b.Shape)
	}

	resultShape := append(copyShape(batchDims), m, p)
	result := NewTensor(resultShape)
	if m == 0 || n == 0 || p == 0 {
		return result, nil
	}

	aSize, bSize, cSize := m*n, bRows*bCols, m*p
	err := parallelFor(numElements(batchDims), func(i int) error {
		bOff := 0
		if !shared {
			bOff = i * bSize
		}
		blas32.Gemm(blas.NoTrans, tB, 1,
			general(a.Data[i*aSize:(i+1)*aSize], m, n),
			general(b.Data[bOff:bOff+bSize], bRows, bCols),
			0,
			general(result.Data[i*cSize:(i+1)*cSize], m, p))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
