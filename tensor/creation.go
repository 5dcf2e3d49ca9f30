package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	tensor := &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shapeCopy),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return Full(shape, float32(1), dtype, device)
	case Int32:
		return Full(shape, int32(1), dtype, device)
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}
}

// Random fills a Float32 tensor with uniform values in [0, 1) drawn from rng.
func Random(shape []int, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = rng.Float32()
	}

	return NewTensor(shape, Float32, device, slice)
}

// RandomNormal fills a Float32 tensor with N(mean, std^2) samples drawn from rng.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = mean + std*float32(rng.NormFloat64())
	}

	return NewTensor(shape, Float32, device, slice)
}

func Full(shape []int, value interface{}, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t, err := NewTensor(shape, dtype, device, nil)
	if err != nil {
		return nil, err
	}
	if err := t.setData(value); err != nil {
		return nil, err
	}
	return t, nil
}

// FromScalar creates a one-element Float32 tensor.
func FromScalar(value float32) *Tensor {
	t, _ := NewTensor([]int{1}, Float32, CPU, []float32{value})
	return t
}

// OneHot returns a Float32 tensor of the given shape that is zero everywhere
// except at the flat index, where it is one.
func OneHot(shape []int, index int) (*Tensor, error) {
	t, err := Zeros(shape, Float32, CPU)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= t.NumElems {
		return nil, fmt.Errorf("one-hot index %d out of range for %d elements", index, t.NumElems)
	}
	t.Data.([]float32)[index] = 1
	return t, nil
}
