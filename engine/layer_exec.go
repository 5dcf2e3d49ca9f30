package engine

import (
	"fmt"

	"github.com/tsawler/go-gradcam/layers"
	"github.com/tsawler/go-gradcam/tensor"
)

// runLayer executes a single layer with the autograd-aware tensor ops
func (n *Network) runLayer(layer *layers.LayerSpec, x *tensor.Tensor) (*tensor.Tensor, error) {
	switch layer.Type {
	case layers.Conv2D:
		var bias *tensor.Tensor
		if layer.BoolParam("use_bias", true) {
			bias = n.params[layer.Name+".bias"]
		}
		return tensor.Conv2DAutograd(x, n.params[layer.Name+".weight"], bias,
			layer.IntParam("stride", 1), layer.IntParam("padding", 0))

	case layers.BatchNorm:
		return n.batchNorm(layer.Name, x, layer.FloatParam("eps", layers.BatchNormEps))

	case layers.ReLU:
		return tensor.ReLUAutograd(x)

	case layers.MaxPool2D:
		k := layer.IntParam("kernel_size", 2)
		return tensor.MaxPool2DAutograd(x, k, layer.IntParam("stride", k), layer.IntParam("padding", 0))

	case layers.GlobalAvgPool:
		return tensor.GlobalAvgPool2DAutograd(x)

	case layers.Dense:
		if len(x.Shape) != 2 {
			flat, err := x.Reshape([]int{x.Shape[0], -1})
			if err != nil {
				return nil, err
			}
			x = flat
		}
		var bias *tensor.Tensor
		if layer.BoolParam("use_bias", true) {
			bias = n.params[layer.Name+".bias"]
		}
		return tensor.LinearAutograd(x, n.params[layer.Name+".weight"], bias)

	case layers.Softmax:
		// Softmax is not differentiated; Grad-CAM backpropagates from logits
		return tensor.Softmax(x)

	case layers.BasicBlock, layers.Bottleneck:
		return n.residualBlock(layer, x)

	default:
		return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
	}
}

func (n *Network) batchNorm(prefix string, x *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	return tensor.BatchNorm2DAutograd(x,
		n.params[prefix+".weight"],
		n.params[prefix+".bias"],
		n.params[prefix+".running_mean"],
		n.params[prefix+".running_var"],
		eps,
	)
}

func (n *Network) convBN(step layers.ConvBN, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.Conv2DAutograd(x, n.params[step.Conv+".weight"], nil, step.Stride, step.Padding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step.Conv, err)
	}
	if y, err = n.batchNorm(step.BN, y, layers.BatchNormEps); err != nil {
		return nil, fmt.Errorf("%s: %w", step.BN, err)
	}
	if step.ReLU {
		return tensor.ReLUAutograd(y)
	}
	return y, nil
}

// residualBlock computes relu(path(x) + shortcut(x))
func (n *Network) residualBlock(layer *layers.LayerSpec, x *tensor.Tensor) (*tensor.Tensor, error) {
	path, shortcut, err := layer.BlockPath(x.Shape[1])
	if err != nil {
		return nil, err
	}

	out := x
	for _, step := range path {
		if out, err = n.convBN(step, out); err != nil {
			return nil, err
		}
	}

	identity := x
	if shortcut != nil {
		if identity, err = n.convBN(*shortcut, x); err != nil {
			return nil, err
		}
	}

	sum, err := tensor.AddAutograd(out, identity)
	if err != nil {
		return nil, fmt.Errorf("residual add: %w", err)
	}
	return tensor.ReLUAutograd(sum)
}
