package layers

import (
	"fmt"
)

const bottleneckExpansion = 4

// ConvBN is one convolution followed by batch normalization inside a
// residual block. Convolutions in blocks carry no bias.
type ConvBN struct {
	Conv        string // parameter prefix of the convolution, e.g. "layer1.0.conv1"
	BN          string // parameter prefix of the batch norm, e.g. "layer1.0.bn1"
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	ReLU        bool // apply ReLU after the batch norm
}

// BlockPath describes the residual branch of a BasicBlock or Bottleneck and
// its optional downsample shortcut, given the number of input channels.
func (ls *LayerSpec) BlockPath(inChannels int) ([]ConvBN, *ConvBN, error) {
	planes := ls.IntParam("planes", 0)
	stride := ls.IntParam("stride", 1)
	if planes <= 0 || stride <= 0 {
		return nil, nil, fmt.Errorf("block %s: invalid planes %d or stride %d", ls.Name, planes, stride)
	}

	var path []ConvBN
	var outChannels int
	switch ls.Type {
	case BasicBlock:
		outChannels = planes
		path = []ConvBN{
			ls.convBN(1, inChannels, planes, 3, stride, 1, true),
			ls.convBN(2, planes, planes, 3, 1, 1, false),
		}
	case Bottleneck:
		outChannels = planes * ls.IntParam("expansion", bottleneckExpansion)
		// Stride sits on the 3x3 convolution
		path = []ConvBN{
			ls.convBN(1, inChannels, planes, 1, 1, 0, true),
			ls.convBN(2, planes, planes, 3, stride, 1, true),
			ls.convBN(3, planes, outChannels, 1, 1, 0, false),
		}
	default:
		return nil, nil, fmt.Errorf("layer %s is not a residual block", ls.Name)
	}

	if stride == 1 && inChannels == outChannels {
		return path, nil, nil
	}
	return path, &ConvBN{
		Conv:        ls.Name + ".downsample.0",
		BN:          ls.Name + ".downsample.1",
		InChannels:  inChannels,
		OutChannels: outChannels,
		Kernel:      1,
		Stride:      stride,
	}, nil
}

func (ls *LayerSpec) convBN(i, in, out, kernel, stride, padding int, relu bool) ConvBN {
	return ConvBN{
		Conv:        fmt.Sprintf("%s.conv%d", ls.Name, i),
		BN:          fmt.Sprintf("%s.bn%d", ls.Name, i),
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		ReLU:        relu,
	}
}

// computeBlockInfo computes residual block output shape and tensors
func computeBlockInfo(layer *LayerSpec, inputShape []int) ([]int, []ParameterInfo, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("%s requires 4D input", layer.Type)
	}

	path, shortcut, err := layer.BlockPath(inputShape[1])
	if err != nil {
		return nil, nil, err
	}
	layer.Parameters["input_channels"] = inputShape[1]
	layer.Parameters["downsample"] = shortcut != nil

	var tensors []ParameterInfo
	h, w := inputShape[2], inputShape[3]
	for _, step := range path {
		tensors = append(tensors, step.tensors()...)
		h = convOut(h, step.Kernel, step.Stride, step.Padding)
		w = convOut(w, step.Kernel, step.Stride, step.Padding)
	}
	if shortcut != nil {
		tensors = append(tensors, shortcut.tensors()...)
	}

	out := path[len(path)-1].OutChannels
	return []int{inputShape[0], out, h, w}, tensors, nil
}

func (c ConvBN) tensors() []ParameterInfo {
	return append([]ParameterInfo{convWeight(c.Conv, c.OutChannels, c.InChannels, c.Kernel)},
		batchNormTensors(c.BN, c.OutChannels)...)
}

func convWeight(prefix string, out, in, kernel int) ParameterInfo {
	return ParameterInfo{Name: prefix + ".weight", Shape: []int{out, in, kernel, kernel}, Kind: KindWeight}
}

// batchNormTensors lists gamma, beta and the running statistics buffers
func batchNormTensors(prefix string, features int) []ParameterInfo {
	return []ParameterInfo{
		{Name: prefix + ".weight", Shape: []int{features}, Kind: KindWeight},
		{Name: prefix + ".bias", Shape: []int{features}, Kind: KindBias},
		{Name: prefix + ".running_mean", Shape: []int{features}, Kind: KindRunningMean},
		{Name: prefix + ".running_var", Shape: []int{features}, Kind: KindRunningVar},
	}
}
