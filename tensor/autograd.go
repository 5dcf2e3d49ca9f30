package tensor

import (
	"fmt"
)

// record attaches op as the creator of result when any input requires grad.
func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			result.creator = op
			result.requiresGrad = true
			break
		}
	}
	return result
}

func wants(t *Tensor) bool {
	return t != nil && t.requiresGrad
}

// AddOp implements the Operation interface for broadcasting addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	if !shapesEqual(a.Shape, b.Shape) {
		var err error
		if a, b, err = BroadcastTensorsForOperation(a, b); err != nil {
			return nil, err
		}
	}
	result, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1, summed over broadcast dimensions
	grads := make([]*Tensor, 2)
	for i, in := range op.inputs {
		if !wants(in) {
			continue
		}
		g, err := reduceGradientToShape(gradOut, in.Shape)
		if err != nil {
			return nil, fmt.Errorf("AddOp input %d: %w", i, err)
		}
		grads[i] = g
	}
	return grads, nil
}

// MulOp implements the Operation interface for broadcasting multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := MulBroadcast(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	grads := make([]*Tensor, 2)
	for i, in := range op.inputs {
		if !wants(in) {
			continue
		}
		other, err := BroadcastTensor(op.inputs[1-i], gradOut.Shape)
		if err != nil {
			return nil, fmt.Errorf("MulOp input %d: %w", i, err)
		}
		full, err := Mul(gradOut, other)
		if err != nil {
			return nil, fmt.Errorf("MulOp input %d: %w", i, err)
		}
		if grads[i], err = reduceGradientToShape(full, in.Shape); err != nil {
			return nil, fmt.Errorf("MulOp input %d: %w", i, err)
		}
	}
	return grads, nil
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂ReLU(x)/∂x = 1 if x > 0, else 0
	inputData, err := op.inputs[0].float32s("ReLUOp")
	if err != nil {
		return nil, err
	}
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] <= 0 {
			gradData[i] = 0
		}
	}
	grad.requiresGrad = false
	return []*Tensor{grad}, nil
}

// ReshapeOp views its input with a different shape.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	op.inputs = inputs
	if calculateNumElements(op.shape) != in.NumElems {
		return nil, fmt.Errorf("cannot reshape %v into %v", in.Shape, op.shape)
	}

	result := &Tensor{
		Shape:    append([]int(nil), op.shape...),
		Strides:  calculateStrides(op.shape),
		DType:    in.DType,
		Device:   in.Device,
		Data:     in.Data,
		NumElems: in.NumElems,
	}
	return record(result, op, inputs...), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := gradOut.Detach()
	grad.Shape = append([]int(nil), op.inputs[0].Shape...)
	grad.Strides = calculateStrides(grad.Shape)
	return []*Tensor{grad}, nil
}

// Conv2DOp records a convolution; inputs are input, weight and optional bias.
type Conv2DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 && len(inputs) != 3 {
		return nil, fmt.Errorf("Conv2DOp requires 2 or 3 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	result, err := Conv2D(inputs[0], inputs[1], bias, op.stride, op.padding)
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.inputs[0], op.inputs[1]
	g, err := newConvGeometry(x, w, op.stride, op.padding)
	if err != nil {
		return nil, err
	}
	gout, err := gradOut.float32s("Conv2DOp")
	if err != nil {
		return nil, err
	}
	wData := w.Data.([]float32)

	grads := make([]*Tensor, len(op.inputs))
	if wants(x) {
		dx, err := conv2DInputGrad(gout, wData, g)
		if err != nil {
			return nil, err
		}
		if grads[0], err = NewTensor(x.Shape, Float32, x.Device, dx); err != nil {
			return nil, err
		}
	}

	needBias := len(op.inputs) == 3 && wants(op.inputs[2])
	if wants(w) || needBias {
		dw, db, err := conv2DWeightGrad(gout, x.Data.([]float32), g)
		if err != nil {
			return nil, err
		}
		if wants(w) {
			if grads[1], err = NewTensor(w.Shape, Float32, w.Device, dw); err != nil {
				return nil, err
			}
		}
		if needBias {
			if grads[2], err = NewTensor(op.inputs[2].Shape, Float32, w.Device, db); err != nil {
				return nil, err
			}
		}
	}
	return grads, nil
}

// BatchNorm2DOp records an inference-mode batch normalization; inputs are
// input, gamma, beta, running mean and running variance.
type BatchNorm2DOp struct {
	inputs []*Tensor
	eps    float32
}

func (op *BatchNorm2DOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNorm2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 5 {
		return nil, fmt.Errorf("BatchNorm2DOp requires 5 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := BatchNorm2D(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], op.eps)
	if err != nil {
		return nil, err
	}
	// Running statistics are buffers, never differentiated.
	return record(result, op, inputs[0], inputs[1], inputs[2]), nil
}

func (op *BatchNorm2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	scale, _, err := batchNormAffine(gamma, beta, op.inputs[3], op.inputs[4], op.eps)
	if err != nil {
		return nil, err
	}
	gout, err := gradOut.float32s("BatchNorm2DOp")
	if err != nil {
		return nil, err
	}

	channels := x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	grads := make([]*Tensor, len(op.inputs))

	if wants(x) {
		dx := make([]float32, len(gout))
		for i := 0; i < len(gout); i += plane {
			s := scale[(i/plane)%channels]
			for j, v := range gout[i : i+plane] {
				dx[i+j] = v * s
			}
		}
		if grads[0], err = NewTensor(x.Shape, Float32, x.Device, dx); err != nil {
			return nil, err
		}
	}

	if wants(gamma) || wants(beta) {
		xData := x.Data.([]float32)
		mean := op.inputs[3].Data.([]float32)
		gammaData := gamma.Data.([]float32)
		dGamma := make([]float32, channels)
		dBeta := make([]float32, channels)
		for i := 0; i < len(gout); i += plane {
			c := (i / plane) % channels
			// xhat = (x - mean) * scale / gamma
			inv := float32(0)
			if gammaData[c] != 0 {
				inv = scale[c] / gammaData[c]
			}
			for j, v := range gout[i : i+plane] {
				dBeta[c] += v
				dGamma[c] += v * (xData[i+j] - mean[c]) * inv
			}
		}
		if wants(gamma) {
			if grads[1], err = NewTensor(gamma.Shape, Float32, gamma.Device, dGamma); err != nil {
				return nil, err
			}
		}
		if wants(beta) {
			if grads[2], err = NewTensor(beta.Shape, Float32, beta.Device, dBeta); err != nil {
				return nil, err
			}
		}
	}
	return grads, nil
}

// MaxPool2DOp records a max pooling and routes gradients to the selected inputs.
type MaxPool2DOp struct {
	inputs                  []*Tensor
	kernel, stride, padding int
	indices                 []int
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("MaxPool2DOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, indices, err := MaxPool2D(inputs[0], op.kernel, op.stride, op.padding)
	if err != nil {
		return nil, err
	}
	op.indices = indices
	return record(result, op, inputs...), nil
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gout, err := gradOut.float32s("MaxPool2DOp")
	if err != nil {
		return nil, err
	}
	x := op.inputs[0]
	dx := make([]float32, x.NumElems)
	for o, idx := range op.indices {
		if idx >= 0 {
			dx[idx] += gout[o]
		}
	}
	grad, err := NewTensor(x.Shape, Float32, x.Device, dx)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// GlobalAvgPool2DOp records a spatial average: [N, C, H, W] -> [N, C].
type GlobalAvgPool2DOp struct {
	inputs []*Tensor
}

func (op *GlobalAvgPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *GlobalAvgPool2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("GlobalAvgPool2DOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := GlobalAvgPool2D(inputs[0])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *GlobalAvgPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gout, err := gradOut.float32s("GlobalAvgPool2DOp")
	if err != nil {
		return nil, err
	}
	x := op.inputs[0]
	plane := x.Shape[2] * x.Shape[3]
	inv := 1 / float32(plane)

	dx := make([]float32, x.NumElems)
	for i, g := range gout {
		v := g * inv
		dst := dx[i*plane : (i+1)*plane]
		for j := range dst {
			dst[j] = v
		}
	}
	grad, err := NewTensor(x.Shape, Float32, x.Device, dx)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// LinearOp records x @ weight^T + bias; inputs are input, weight and optional bias.
type LinearOp struct {
	inputs []*Tensor
}

func (op *LinearOp) Inputs() []*Tensor { return op.inputs }

func (op *LinearOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 && len(inputs) != 3 {
		return nil, fmt.Errorf("LinearOp requires 2 or 3 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	result, err := Linear(inputs[0], inputs[1], bias)
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *LinearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, len(op.inputs))
	var err error

	// ∂(x W^T)/∂x = gradOut @ W
	if wants(x) {
		if grads[0], err = MatMul(gradOut, w); err != nil {
			return nil, fmt.Errorf("LinearOp input grad: %w", err)
		}
	}
	// ∂(x W^T)/∂W = gradOut^T @ x
	if wants(w) {
		gT, err := Transpose(gradOut, 0, 1)
		if err != nil {
			return nil, err
		}
		if grads[1], err = MatMul(gT, x.Detach()); err != nil {
			return nil, fmt.Errorf("LinearOp weight grad: %w", err)
		}
	}
	if len(op.inputs) == 3 && wants(op.inputs[2]) {
		if grads[2], err = Sum(gradOut, 0, false); err != nil {
			return nil, fmt.Errorf("LinearOp bias grad: %w", err)
		}
	}
	return grads, nil
}

// High-level autograd functions that create and execute operations

// AddAutograd performs broadcasting addition with automatic differentiation
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

// MulAutograd performs broadcasting multiplication with automatic differentiation
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MulOp{}).Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	return (&ReLUOp{}).Forward(a)
}

// Conv2DAutograd performs a convolution with automatic differentiation.
// bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	op := &Conv2DOp{stride: stride, padding: padding}
	if bias == nil {
		return op.Forward(input, weight)
	}
	return op.Forward(input, weight, bias)
}

// BatchNorm2DAutograd performs inference batch normalization with automatic differentiation
func BatchNorm2DAutograd(input, gamma, beta, mean, variance *Tensor, eps float32) (*Tensor, error) {
	return (&BatchNorm2DOp{eps: eps}).Forward(input, gamma, beta, mean, variance)
}

// MaxPool2DAutograd performs max pooling with automatic differentiation
func MaxPool2DAutograd(input *Tensor, kernel, stride, padding int) (*Tensor, error) {
	return (&MaxPool2DOp{kernel: kernel, stride: stride, padding: padding}).Forward(input)
}

// GlobalAvgPool2DAutograd performs global average pooling with automatic differentiation
func GlobalAvgPool2DAutograd(input *Tensor) (*Tensor, error) {
	return (&GlobalAvgPool2DOp{}).Forward(input)
}

// LinearAutograd performs a fully connected layer with automatic differentiation.
// bias may be nil.
func LinearAutograd(input, weight, bias *Tensor) (*Tensor, error) {
	op := &LinearOp{}
	if bias == nil {
		return op.Forward(input, weight)
	}
	return op.Forward(input, weight, bias)
}
