package tensor

import (
	"fmt"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// MatMul multiplies two 2D Float32 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	data1, err := t1.float32s("MatMul")
	if err != nil {
		return nil, err
	}
	data2, err := t2.float32s("MatMul")
	if err != nil {
		return nil, err
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	resultData := make([]float32, rows1*cols2)
	err = parallelFor(rows1, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out := resultData[i*cols2 : (i+1)*cols2]
			for k := 0; k < cols1; k++ {
				a := data1[i*cols1+k]
				if a == 0 {
					continue
				}
				row := data2[k*cols2 : (k+1)*cols2]
				for j, b := range row {
					out[j] += a * b
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return NewTensor([]int{rows1, cols2}, Float32, t1.Device, resultData)
}

// Transpose swaps two dimensions of a Float32 tensor.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	data, err := t.float32s("Transpose")
	if err != nil {
		return nil, err
	}
	if dim0 < 0 || dim0 >= len(t.Shape) || dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("transpose dimensions (%d, %d) out of range for %d dimensions", dim0, dim1, len(t.Shape))
	}

	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[dim0], newShape[dim1] = newShape[dim1], newShape[dim0]

	result, err := Zeros(newShape, Float32, t.Device)
	if err != nil {
		return nil, err
	}
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		indices := getIndicesFromLinear(i, t.Shape)
		indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
		resultData[getIndex(indices, result.Strides)] = data[i]
	}

	return result, nil
}
