package tensor

import (
	"fmt"
	"math"
	"sort"
)

func reducedShape(shape []int, reduce map[int]bool, keepDim bool) []int {
	out := make([]int, 0, len(shape))
	for i, size := range shape {
		switch {
		case !reduce[i]:
			out = append(out, size)
		case keepDim:
			out = append(out, 1)
		}
	}
	if len(out) == 0 {
		out = []int{1}
	}
	return out
}

// Sum reduces a Float32 tensor over one dimension.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	return SumDims(t, []int{dim}, keepDim)
}

// SumDims reduces a Float32 tensor over several dimensions. Negative
// dimensions count from the end.
func SumDims(t *Tensor, dims []int, keepDim bool) (*Tensor, error) {
	data, err := t.float32s("Sum")
	if err != nil {
		return nil, err
	}

	reduce := make(map[int]bool, len(dims))
	for _, d := range dims {
		if d < 0 {
			d += len(t.Shape)
		}
		if d < 0 || d >= len(t.Shape) {
			return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", d, len(t.Shape))
		}
		reduce[d] = true
	}

	// Strides into the kept-dim result; reduced dimensions contribute nothing.
	keptShape := make([]int, len(t.Shape))
	for i, size := range t.Shape {
		if reduce[i] {
			keptShape[i] = 1
		} else {
			keptShape[i] = size
		}
	}
	keptStrides := calculateStrides(keptShape)
	for i := range keptStrides {
		if reduce[i] {
			keptStrides[i] = 0
		}
	}

	resultData := make([]float32, calculateNumElements(keptShape))
	coords := make([]int, len(t.Shape))
	for _, v := range data {
		resultData[getIndex(coords, keptStrides)] += v
		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < t.Shape[d] {
				break
			}
			coords[d] = 0
		}
	}

	return NewTensor(reducedShape(t.Shape, reduce, keepDim), Float32, t.Device, resultData)
}

// Mean averages a Float32 tensor over the given dimensions.
func Mean(t *Tensor, dims []int, keepDim bool) (*Tensor, error) {
	sum, err := SumDims(t, dims, keepDim)
	if err != nil {
		return nil, err
	}
	count := t.NumElems / sum.NumElems
	return Scale(sum, 1/float32(count))
}

// MinMax returns the smallest and largest element of a Float32 tensor.
func MinMax(t *Tensor) (float32, float32, error) {
	data, err := t.float32s("MinMax")
	if err != nil {
		return 0, 0, err
	}
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("MinMax: empty tensor")
	}

	min, max := data[0], data[0]
	for _, v := range data[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, nil
}

// ArgMax returns the flat index of the largest element. Ties resolve to the
// lowest index.
func ArgMax(t *Tensor) (int, error) {
	data, err := t.float32s("ArgMax")
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("ArgMax: empty tensor")
	}

	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return best, nil
}

// ArgSortDescending returns the indices of values ordered from largest to
// smallest. Equal values keep their original order.
func ArgSortDescending(values []float32) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]] > values[idx[b]]
	})
	return idx
}

// Softmax normalizes a Float32 tensor along its last dimension.
func Softmax(t *Tensor) (*Tensor, error) {
	data, err := t.float32s("Softmax")
	if err != nil {
		return nil, err
	}
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("Softmax: tensor has no dimensions")
	}

	n := t.Shape[len(t.Shape)-1]
	result := make([]float32, len(data))
	for row := 0; row < len(data); row += n {
		in := data[row : row+n]
		out := result[row : row+n]

		max := in[0]
		for _, v := range in {
			if v > max {
				max = v
			}
		}
		var sum float64
		for i, v := range in {
			e := math.Exp(float64(v - max))
			out[i] = float32(e)
			sum += e
		}
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	}

	return NewTensor(t.Shape, Float32, t.Device, result)
}
