// Package visualization renders saliency maps over images and publishes them
// to the plotting sidecar.
package visualization

// segment is one anchor of a linear segmented colormap: at position X the
// channel value jumps from Below to Above.
type segment struct {
	X, Below, Above float64
}

// matplotlib's jet segment data
var jetSegments = [3][]segment{
	{{0, 0, 0}, {0.35, 0, 0}, {0.66, 1, 1}, {0.89, 1, 1}, {1, 0.5, 0.5}},
	{{0, 0, 0}, {0.125, 0, 0}, {0.375, 1, 1}, {0.64, 1, 1}, {0.91, 0, 0}, {1, 0, 0}},
	{{0, 0.5, 0.5}, {0.11, 1, 1}, {0.34, 1, 1}, {0.65, 0, 0}, {1, 0, 0}},
}

// Jet is the 256-entry jet lookup table with RGB components in [0, 1]
var Jet = buildLUT(jetSegments, 256)

func buildLUT(segments [3][]segment, n int) [][3]float64 {
	lut := make([][3]float64, n)
	for c, segs := range segments {
		for i := range lut {
			lut[i][c] = sampleSegments(segs, float64(i)/float64(n-1))
		}
	}
	return lut
}

func sampleSegments(segs []segment, x float64) float64 {
	last := segs[len(segs)-1]
	switch {
	case x <= 0:
		return segs[0].Above
	case x >= 1:
		return last.Below
	}

	// First anchor at or past x
	k := 1
	for k < len(segs)-1 && segs[k].X < x {
		k++
	}
	lo, hi := segs[k-1], segs[k]
	t := (x - lo.X) / (hi.X - lo.X)
	v := lo.Above + t*(hi.Below-lo.Above)
	return min(max(v, 0), 1)
}
