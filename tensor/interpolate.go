package tensor

import (
	"fmt"
)

// bilinearTaps holds, per output coordinate, the two source indices and
// their weights along one axis.
type bilinearTaps struct {
	i0, i1 []int
	w0, w1 []float32
}

// newBilinearTaps follows the half-pixel (align_corners=false) mapping:
// src = (dst + 0.5) * in/out - 0.5, clamped at zero.
func newBilinearTaps(in, out int) bilinearTaps {
	taps := bilinearTaps{
		i0: make([]int, out),
		i1: make([]int, out),
		w0: make([]float32, out),
		w1: make([]float32, out),
	}
	scale := float32(in) / float32(out)
	for d := 0; d < out; d++ {
		src := (float32(d)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0
		if i0 < in-1 {
			i1 = i0 + 1
		}
		l1 := src - float32(i0)
		taps.i0[d], taps.i1[d] = i0, i1
		taps.w0[d], taps.w1[d] = 1-l1, l1
	}
	return taps
}

// InterpolateBilinear resizes every plane of an NCHW tensor to outH x outW.
func InterpolateBilinear(input *Tensor, outH, outW int) (*Tensor, error) {
	x, err := input.float32s("InterpolateBilinear")
	if err != nil {
		return nil, err
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("InterpolateBilinear requires 4D input, got %v", input.Shape)
	}
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("InterpolateBilinear invalid output size %dx%d", outH, outW)
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	ys := newBilinearTaps(h, outH)
	xs := newBilinearTaps(w, outW)

	out := make([]float32, n*c*outH*outW)
	err = parallelFor(n*c, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			src := x[p*h*w : (p+1)*h*w]
			dst := out[p*outH*outW : (p+1)*outH*outW]
			for oy := 0; oy < outH; oy++ {
				r0 := src[ys.i0[oy]*w:]
				r1 := src[ys.i1[oy]*w:]
				wy0, wy1 := ys.w0[oy], ys.w1[oy]
				for ox := 0; ox < outW; ox++ {
					a, b := xs.i0[ox], xs.i1[ox]
					wx0, wx1 := xs.w0[ox], xs.w1[ox]
					dst[oy*outW+ox] = wy0*(wx0*r0[a]+wx1*r0[b]) + wy1*(wx0*r1[a]+wx1*r1[b])
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return NewTensor([]int{n, c, outH, outW}, Float32, input.Device, out)
}
