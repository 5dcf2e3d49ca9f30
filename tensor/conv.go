package tensor

import (
	"fmt"
)

// convGeometry describes a square-kernel 2D convolution over NCHW input.
type convGeometry struct {
	batch, inC, inH, inW int
	outC, outH, outW     int
	kernel, stride, pad  int
}

func (g convGeometry) patch() int  { return g.inC * g.kernel * g.kernel }
func (g convGeometry) pixels() int { return g.outH * g.outW }

// direct reports whether the im2col matrix equals the input image, which is
// the case for 1x1 kernels with unit stride and no padding.
func (g convGeometry) direct() bool {
	return g.kernel == 1 && g.stride == 1 && g.pad == 0
}

func newConvGeometry(input, weight *Tensor, stride, padding int) (convGeometry, error) {
	if len(input.Shape) != 4 {
		return convGeometry{}, fmt.Errorf("Conv2D requires 4D input [batch, channels, height, width], got %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return convGeometry{}, fmt.Errorf("Conv2D requires 4D weight [out, in, k, k], got %v", weight.Shape)
	}
	if weight.Shape[2] != weight.Shape[3] {
		return convGeometry{}, fmt.Errorf("Conv2D requires a square kernel, got %dx%d", weight.Shape[2], weight.Shape[3])
	}
	if weight.Shape[1] != input.Shape[1] {
		return convGeometry{}, fmt.Errorf("Conv2D channel mismatch: input has %d, weight expects %d", input.Shape[1], weight.Shape[1])
	}
	if stride <= 0 || padding < 0 {
		return convGeometry{}, fmt.Errorf("Conv2D invalid stride %d or padding %d", stride, padding)
	}

	g := convGeometry{
		batch:  input.Shape[0],
		inC:    input.Shape[1],
		inH:    input.Shape[2],
		inW:    input.Shape[3],
		outC:   weight.Shape[0],
		kernel: weight.Shape[2],
		stride: stride,
		pad:    padding,
	}
	g.outH = (g.inH+2*padding-g.kernel)/stride + 1
	g.outW = (g.inW+2*padding-g.kernel)/stride + 1
	if g.outH <= 0 || g.outW <= 0 {
		return convGeometry{}, fmt.Errorf("Conv2D output would be empty for input %v and kernel %d", input.Shape, g.kernel)
	}
	return g, nil
}

// im2col unrolls one CHW image into a [C*K*K, OH*OW] matrix.
func im2col(img []float32, g convGeometry) []float32 {
	if g.direct() {
		return img
	}

	k := g.kernel
	p := g.pixels()
	col := make([]float32, g.patch()*p)
	for c := 0; c < g.inC; c++ {
		plane := img[c*g.inH*g.inW : (c+1)*g.inH*g.inW]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*p:]
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.pad + ky
					if iy < 0 || iy >= g.inH {
						continue
					}
					for ox := 0; ox < g.outW; ox++ {
						ix := ox*g.stride - g.pad + kx
						if ix < 0 || ix >= g.inW {
							continue
						}
						row[oy*g.outW+ox] = plane[iy*g.inW+ix]
					}
				}
			}
		}
	}
	return col
}

// Conv2D computes a cross-correlation of NCHW input with [out, in, k, k]
// weights. bias may be nil.
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	x, err := input.float32s("Conv2D")
	if err != nil {
		return nil, err
	}
	w, err := weight.float32s("Conv2D")
	if err != nil {
		return nil, err
	}
	g, err := newConvGeometry(input, weight, stride, padding)
	if err != nil {
		return nil, err
	}
	var b []float32
	if bias != nil {
		if b, err = bias.float32s("Conv2D"); err != nil {
			return nil, err
		}
		if len(b) != g.outC {
			return nil, fmt.Errorf("Conv2D bias has %d elements, expected %d", len(b), g.outC)
		}
	}

	patch, pixels := g.patch(), g.pixels()
	inSize := g.inC * g.inH * g.inW
	outSize := g.outC * pixels
	out := make([]float32, g.batch*outSize)

	for n := 0; n < g.batch; n++ {
		col := im2col(x[n*inSize:(n+1)*inSize], g)
		dst := out[n*outSize : (n+1)*outSize]

		err := parallelFor(g.outC, func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				o := dst[oc*pixels : (oc+1)*pixels]
				if b != nil {
					for i := range o {
						o[i] = b[oc]
					}
				}
				for k, wv := range w[oc*patch : (oc+1)*patch] {
					if wv == 0 {
						continue
					}
					row := col[k*pixels : (k+1)*pixels]
					for i, v := range row {
						o[i] += wv * v
					}
				}
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return NewTensor([]int{g.batch, g.outC, g.outH, g.outW}, Float32, input.Device, out)
}

// conv2DInputGrad returns dL/dinput for a convolution given dL/doutput.
func conv2DInputGrad(gradOut, weight []float32, g convGeometry) ([]float32, error) {
	patch, pixels := g.patch(), g.pixels()
	kk := g.kernel * g.kernel
	planeSize := g.inH * g.inW
	inSize := g.inC * planeSize
	outSize := g.outC * pixels
	dx := make([]float32, g.batch*inSize)

	for n := 0; n < g.batch; n++ {
		gout := gradOut[n*outSize : (n+1)*outSize]
		dimg := dx[n*inSize : (n+1)*inSize]

		// Each input channel owns the patch rows [c*k*k, (c+1)*k*k), so
		// channels can be scattered independently.
		err := parallelFor(g.inC, func(lo, hi int) {
			drow := make([]float32, pixels)
			for c := lo; c < hi; c++ {
				plane := dimg[c*planeSize : (c+1)*planeSize]
				for r := 0; r < kk; r++ {
					k := c*kk + r
					for i := range drow {
						drow[i] = 0
					}
					for oc := 0; oc < g.outC; oc++ {
						wv := weight[oc*patch+k]
						if wv == 0 {
							continue
						}
						src := gout[oc*pixels : (oc+1)*pixels]
						for i, v := range src {
							drow[i] += wv * v
						}
					}

					ky, kx := r/g.kernel, r%g.kernel
					for oy := 0; oy < g.outH; oy++ {
						iy := oy*g.stride - g.pad + ky
						if iy < 0 || iy >= g.inH {
							continue
						}
						for ox := 0; ox < g.outW; ox++ {
							ix := ox*g.stride - g.pad + kx
							if ix < 0 || ix >= g.inW {
								continue
							}
							plane[iy*g.inW+ix] += drow[oy*g.outW+ox]
						}
					}
				}
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return dx, nil
}

// conv2DWeightGrad returns dL/dweight and dL/dbias for a convolution.
func conv2DWeightGrad(gradOut, input []float32, g convGeometry) ([]float32, []float32, error) {
	patch, pixels := g.patch(), g.pixels()
	inSize := g.inC * g.inH * g.inW
	outSize := g.outC * pixels
	dw := make([]float32, g.outC*patch)
	db := make([]float32, g.outC)

	for n := 0; n < g.batch; n++ {
		col := im2col(input[n*inSize:(n+1)*inSize], g)
		gout := gradOut[n*outSize : (n+1)*outSize]

		err := parallelFor(g.outC, func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				src := gout[oc*pixels : (oc+1)*pixels]
				for _, v := range src {
					db[oc] += v
				}
				dst := dw[oc*patch : (oc+1)*patch]
				for k := range dst {
					row := col[k*pixels : (k+1)*pixels]
					var acc float32
					for i, v := range src {
						acc += v * row[i]
					}
					dst[k] += acc
				}
			}
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return dw, db, nil
}
