package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape
// Follows NumPy/PyTorch broadcasting rules:
// 1. Start from trailing dimensions and work backwards
// 2. Dimensions are compatible if they are equal, or one of them is 1, or one is missing
// 3. Result shape is the maximum of each dimension
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)

	for i := 0; i < maxDims; i++ {
		dim1Idx := len(shape1) - 1 - i
		dim2Idx := len(shape2) - 1 - i
		resultIdx := maxDims - 1 - i

		dim1 := 1
		dim2 := 1
		if dim1Idx >= 0 {
			dim1 = shape1[dim1Idx]
		}
		if dim2Idx >= 0 {
			dim2 = shape2[dim2Idx]
		}

		switch {
		case dim1 == dim2:
			resultShape[resultIdx] = dim1
		case dim1 == 1:
			resultShape[resultIdx] = dim2
		case dim2 == 1:
			resultShape[resultIdx] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// BroadcastTensor expands a Float32 tensor to a target shape using broadcasting rules
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	data, err := t.float32s("BroadcastTensor")
	if err != nil {
		return nil, err
	}

	resultShape, err := BroadcastShapes(t.Shape, targetShape)
	if err != nil {
		return nil, err
	}
	if !shapesEqual(resultShape, targetShape) {
		return nil, fmt.Errorf("cannot broadcast shape %v to %v", t.Shape, targetShape)
	}

	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	// Source strides aligned to the target rank; broadcast dimensions get stride 0.
	srcStrides := make([]int, len(targetShape))
	offset := len(targetShape) - len(t.Shape)
	for i := range t.Shape {
		if t.Shape[i] != 1 {
			srcStrides[i+offset] = t.Strides[i]
		}
	}

	result := make([]float32, calculateNumElements(targetShape))
	coords := make([]int, len(targetShape))
	for i := range result {
		src := 0
		for d, c := range coords {
			src += c * srcStrides[d]
		}
		result[i] = data[src]

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < targetShape[d] {
				break
			}
			coords[d] = 0
		}
	}

	return NewTensor(targetShape, Float32, t.Device, result)
}

// BroadcastTensorsForOperation broadcasts a and b to their common shape.
func BroadcastTensorsForOperation(a, b *Tensor) (*Tensor, *Tensor, error) {
	shape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, err
	}

	ab, err := BroadcastTensor(a, shape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast first operand: %w", err)
	}
	bb, err := BroadcastTensor(b, shape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast second operand: %w", err)
	}
	return ab, bb, nil
}

// MulBroadcast multiplies a and b element-wise after broadcasting them to
// their common shape. No autograd history is recorded.
func MulBroadcast(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		var err error
		if a, b, err = BroadcastTensorsForOperation(a, b); err != nil {
			return nil, err
		}
	}
	return Mul(a, b)
}

// reduceGradientToShape sums a gradient over the dimensions that were
// broadcast so that it matches targetShape.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}

	result := grad
	var err error

	// Leading dimensions that the target does not have.
	for len(result.Shape) > len(targetShape) {
		result, err = Sum(result, 0, false)
		if err != nil {
			return nil, fmt.Errorf("failed to sum over leading dimension: %w", err)
		}
	}

	for i := range targetShape {
		if targetShape[i] == 1 && result.Shape[i] > 1 {
			result, err = Sum(result, i, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sum over broadcast dimension %d: %w", i, err)
			}
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		return nil, fmt.Errorf("gradient shape %v cannot be reduced to %v", grad.Shape, targetShape)
	}
	return result, nil
}
