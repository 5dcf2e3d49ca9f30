package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) != len(shape2) {
		return nil, fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v", shape1, shape2)
	}

	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
		}
	}

	return shape1, nil
}

// binary applies f element-wise to two same-shaped tensors.
func binary(name string, t1, t2 *Tensor, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = f32(data1[i], data2[i])
		}
	case Int32:
		if i32 == nil {
			return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
		}
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = i32(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

// unary applies f element-wise to a Float32 tensor.
func unary(name string, t *Tensor, f func(x float32) float32) (*Tensor, error) {
	data, err := t.float32s(name)
	if err != nil {
		return nil, err
	}

	result := make([]float32, len(data))
	for i, v := range data {
		result[i] = f(v)
	}

	return NewTensor(t.Shape, Float32, t.Device, result)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Add", t1, t2,
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Sub", t1, t2,
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Mul", t1, t2,
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	if t2.DType == Float32 {
		if data, ok := t2.Data.([]float32); ok {
			for i, v := range data {
				if v == 0 {
					return nil, fmt.Errorf("division by zero at index %d", i)
				}
			}
		}
	}
	return binary("Div", t1, t2,
		func(a, b float32) float32 { return a / b },
		nil)
}

func ReLU(t *Tensor) (*Tensor, error) {
	return ClampMin(t, 0)
}

// ClampMin replaces every element below min with min.
func ClampMin(t *Tensor, min float32) (*Tensor, error) {
	return unary("ClampMin", t, func(x float32) float32 {
		if x < min {
			return min
		}
		return x
	})
}

// Sigmoid computes 1 / (1 + exp(-x)) element-wise.
func Sigmoid(t *Tensor) (*Tensor, error) {
	return unary("Sigmoid", t, func(x float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	})
}

// Exp computes e^x element-wise.
func Exp(t *Tensor) (*Tensor, error) {
	return unary("Exp", t, func(x float32) float32 {
		return float32(math.Exp(float64(x)))
	})
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unary("Scale", t, func(x float32) float32 { return x * s })
}
