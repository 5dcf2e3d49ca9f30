package tensor

import (
	"fmt"
	"math"
)

// batchNormAffine folds inference statistics into a per-channel scale and shift.
func batchNormAffine(gamma, beta, mean, variance *Tensor, eps float32) ([]float32, []float32, error) {
	g, err := gamma.float32s("BatchNorm2D")
	if err != nil {
		return nil, nil, err
	}
	b, err := beta.float32s("BatchNorm2D")
	if err != nil {
		return nil, nil, err
	}
	m, err := mean.float32s("BatchNorm2D")
	if err != nil {
		return nil, nil, err
	}
	v, err := variance.float32s("BatchNorm2D")
	if err != nil {
		return nil, nil, err
	}
	if len(b) != len(g) || len(m) != len(g) || len(v) != len(g) {
		return nil, nil, fmt.Errorf("BatchNorm2D parameter length mismatch: gamma %d, beta %d, mean %d, var %d",
			len(g), len(b), len(m), len(v))
	}

	scale := make([]float32, len(g))
	shift := make([]float32, len(g))
	for c := range g {
		scale[c] = g[c] / float32(math.Sqrt(float64(v[c]+eps)))
		shift[c] = b[c] - m[c]*scale[c]
	}
	return scale, shift, nil
}

// BatchNorm2D normalizes NCHW input with running statistics (eval mode).
func BatchNorm2D(input, gamma, beta, mean, variance *Tensor, eps float32) (*Tensor, error) {
	x, err := input.float32s("BatchNorm2D")
	if err != nil {
		return nil, err
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("BatchNorm2D requires 4D input, got %v", input.Shape)
	}
	scale, shift, err := batchNormAffine(gamma, beta, mean, variance, eps)
	if err != nil {
		return nil, err
	}
	channels := input.Shape[1]
	if len(scale) != channels {
		return nil, fmt.Errorf("BatchNorm2D has %d features, input has %d channels", len(scale), channels)
	}

	plane := input.Shape[2] * input.Shape[3]
	out := make([]float32, len(x))
	for i := 0; i < len(x); i += plane {
		c := (i / plane) % channels
		s, b := scale[c], shift[c]
		for j, v := range x[i : i+plane] {
			out[i+j] = v*s + b
		}
	}

	return NewTensor(input.Shape, Float32, input.Device, out)
}

// MaxPool2D applies max pooling with implicit -inf padding. It also returns,
// for each output element, the flat index of the input element selected.
func MaxPool2D(input *Tensor, kernel, stride, padding int) (*Tensor, []int, error) {
	x, err := input.float32s("MaxPool2D")
	if err != nil {
		return nil, nil, err
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D requires 4D input, got %v", input.Shape)
	}
	if kernel <= 0 || stride <= 0 || padding < 0 || padding > kernel/2 {
		return nil, nil, fmt.Errorf("MaxPool2D invalid kernel %d, stride %d, padding %d", kernel, stride, padding)
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := (h+2*padding-kernel)/stride + 1
	ow := (w+2*padding-kernel)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("MaxPool2D output would be empty for input %v", input.Shape)
	}

	out := make([]float32, n*c*oh*ow)
	indices := make([]int, len(out))
	o := 0
	for plane := 0; plane < n*c; plane++ {
		base := plane * h * w
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < kernel; ky++ {
					iy := oy*stride - padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kernel; kx++ {
						ix := ox*stride - padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						idx := base + iy*w + ix
						if bestIdx < 0 || x[idx] > best {
							best = x[idx]
							bestIdx = idx
						}
					}
				}
				out[o] = best
				indices[o] = bestIdx
				o++
			}
		}
	}

	result, err := NewTensor([]int{n, c, oh, ow}, Float32, input.Device, out)
	if err != nil {
		return nil, nil, err
	}
	return result, indices, nil
}

// GlobalAvgPool2D averages each channel plane: [N, C, H, W] -> [N, C].
func GlobalAvgPool2D(input *Tensor) (*Tensor, error) {
	x, err := input.float32s("GlobalAvgPool2D")
	if err != nil {
		return nil, err
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2D requires 4D input, got %v", input.Shape)
	}

	n, c := input.Shape[0], input.Shape[1]
	plane := input.Shape[2] * input.Shape[3]
	out := make([]float32, n*c)
	for i := range out {
		var sum float32
		for _, v := range x[i*plane : (i+1)*plane] {
			sum += v
		}
		out[i] = sum / float32(plane)
	}

	return NewTensor([]int{n, c}, Float32, input.Device, out)
}

// Linear computes x @ weight^T + bias for x [N, in] and weight [out, in].
// bias may be nil.
func Linear(input, weight, bias *Tensor) (*Tensor, error) {
	x, err := input.float32s("Linear")
	if err != nil {
		return nil, err
	}
	w, err := weight.float32s("Linear")
	if err != nil {
		return nil, err
	}
	if len(input.Shape) != 2 || len(weight.Shape) != 2 {
		return nil, fmt.Errorf("Linear requires 2D input and weight, got %v and %v", input.Shape, weight.Shape)
	}
	n, in := input.Shape[0], input.Shape[1]
	outF := weight.Shape[0]
	if weight.Shape[1] != in {
		return nil, fmt.Errorf("Linear input has %d features, weight expects %d", in, weight.Shape[1])
	}
	var b []float32
	if bias != nil {
		if b, err = bias.float32s("Linear"); err != nil {
			return nil, err
		}
		if len(b) != outF {
			return nil, fmt.Errorf("Linear bias has %d elements, expected %d", len(b), outF)
		}
	}

	out := make([]float32, n*outF)
	err = parallelFor(outF, func(lo, hi int) {
		for j := lo; j < hi; j++ {
			row := w[j*in : (j+1)*in]
			for i := 0; i < n; i++ {
				var acc float32
				for k, v := range x[i*in : (i+1)*in] {
					acc += v * row[k]
				}
				if b != nil {
					acc += b[j]
				}
				out[i*outF+j] = acc
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return NewTensor([]int{n, outF}, Float32, input.Device, out)
}
