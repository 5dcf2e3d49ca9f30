package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tsawler/go-gradcam/tensor"
	"github.com/tsawler/go-gradcam/vision/preprocessing"
)

const (
	// DefaultAlpha is the heatmap weight of an overlay
	DefaultAlpha = 0.5
	titleHeight  = 20
)

// GridOptions selects the channels shown by RenderFeatureGrid: Size x Size
// tiles for channels Start, Start+Step, ... taken modulo the channel count.
type GridOptions struct {
	Start int
	Step  int
	Size  int
	// TileWidth shrinks the image to this width before tiling; 0 keeps it
	TileWidth int
}

// DefaultGridOptions returns a 4x4 grid of channels 5, 105, 205, ...
func DefaultGridOptions() GridOptions {
	return GridOptions{Start: 5, Step: 100, Size: 4}
}

// Channels returns the channel ids of the grid in row-major tile order
func (o GridOptions) Channels(channels int) []int {
	ids := make([]int, 0, o.Size*o.Size)
	for i := 0; i < o.Size*o.Size; i++ {
		ids = append(ids, (o.Start+i*o.Step)%channels)
	}
	return ids
}

// NormalizeToUint8 shifts values to start at zero and scales them so the
// largest maps to 255, truncating like a uint8 cast. A constant input maps to
// zeros.
func NormalizeToUint8(values []float32) []uint8 {
	out := make([]uint8, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	if !(span > 0) || math.IsInf(float64(span), 0) {
		return out
	}
	for i, v := range values {
		out[i] = uint8(255 * (v - lo) / span)
	}
	return out
}

// Overlay maps index through the jet colormap and blends it with img:
// alpha*heatmap + (1-alpha)*img. index holds one entry per pixel, row major.
func Overlay(img image.Image, index []uint8, alpha float64) (*image.RGBA, error) {
	pixels, w, h := preprocessing.ImageToFloat(img)
	if len(index) != w*h {
		return nil, fmt.Errorf("heatmap has %d values for a %dx%d image", len(index), w, h)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, idx := range index {
		c := Jet[idx]
		px := out.Pix[i*4 : i*4+4]
		for ch := 0; ch < 3; ch++ {
			v := alpha*c[ch] + (1-alpha)*pixels[i*3+ch]
			// truncate like matplotlib's float to uint8 conversion
			px[ch] = uint8(min(max(v, 0), 1) * 255)
		}
		px[3] = 255
	}
	return out, nil
}

// Heatmap upsamples a [1, 1, h, w] map to width x height with bilinear
// interpolation and normalizes it to colormap indices
func Heatmap(saliency *tensor.Tensor, width, height int) ([]uint8, error) {
	if saliency == nil || len(saliency.Shape) != 4 || saliency.Shape[0] != 1 || saliency.Shape[1] != 1 {
		return nil, fmt.Errorf("expected a [1, 1, H, W] map")
	}
	up, err := tensor.InterpolateBilinear(saliency, height, width)
	if err != nil {
		return nil, fmt.Errorf("upsampling saliency: %w", err)
	}
	data, err := up.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	return NormalizeToUint8(data), nil
}

// RenderSaliency draws the jet-colored saliency over img with a title strip
// above it
func RenderSaliency(img image.Image, saliency *tensor.Tensor, title string) (*image.RGBA, error) {
	b := img.Bounds()
	index, err := Heatmap(saliency, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	overlay, err := Overlay(img, index, DefaultAlpha)
	if err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()+titleHeight))
	drawTile(canvas, image.Point{}, overlay, title)
	return canvas, nil
}

// RenderFeatureGrid tiles individual activation channels over img, each
// titled with its channel id and Grad-CAM score
func RenderFeatureGrid(img image.Image, activation *tensor.Tensor, scores []float32, opts GridOptions) (*image.RGBA, error) {
	if activation == nil || len(activation.Shape) != 4 || activation.Shape[0] != 1 {
		return nil, fmt.Errorf("expected a [1, C, H, W] activation")
	}
	channels, h, w := activation.Shape[1], activation.Shape[2], activation.Shape[3]
	if len(scores) != channels {
		return nil, fmt.Errorf("got %d scores for %d channels", len(scores), channels)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("grid size must be positive, got %d", opts.Size)
	}
	data, err := activation.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if opts.TileWidth > 0 && b.Dx() > opts.TileWidth {
		height := max(1, b.Dy()*opts.TileWidth/b.Dx())
		img = transform.Resize(img, opts.TileWidth, height, transform.Linear)
		b = img.Bounds()
	}
	tileW, tileH := b.Dx(), b.Dy()+titleHeight

	canvas := image.NewRGBA(image.Rect(0, 0, tileW*opts.Size, tileH*opts.Size))
	plane := h * w
	for i, ch := range opts.Channels(channels) {
		values := make([]float32, plane)
		copy(values, data[ch*plane:(ch+1)*plane])
		feature, err := tensor.NewTensor([]int{1, 1, h, w}, tensor.Float32, tensor.CPU, values)
		if err != nil {
			return nil, err
		}
		index, err := Heatmap(feature, b.Dx(), b.Dy())
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		overlay, err := Overlay(img, index, DefaultAlpha)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}

		at := image.Pt((i%opts.Size)*tileW, (i/opts.Size)*tileH)
		drawTile(canvas, at, overlay, TileTitle(ch, scores[ch]))
	}
	return canvas, nil
}

// TileTitle formats the caption of a feature grid tile
func TileTitle(channel int, score float32) string {
	return fmt.Sprintf("%d: %.4g", channel, score)
}

// drawTile draws a white title strip with centered text at at, and the image
// below it
func drawTile(dst *image.RGBA, at image.Point, img image.Image, title string) {
	b := img.Bounds()
	strip := image.Rect(at.X, at.Y, at.X+b.Dx(), at.Y+titleHeight)
	draw.Draw(dst, strip, image.White, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(at.X, at.Y+titleHeight, at.X+b.Dx(), at.Y+titleHeight+b.Dy()), img, b.Min, draw.Src)

	if title == "" {
		return
	}
	// Clip the text to its own strip
	clip := dst.SubImage(strip).(*image.RGBA)
	face := basicfont.Face7x13
	width := font.MeasureString(face, title).Ceil()
	x := at.X + max((b.Dx()-width)/2, 2)
	d := &font.Drawer{
		Dst:  clip,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(x, at.Y+(titleHeight+face.Ascent-face.Descent)/2),
	}
	d.DrawString(title)
}

// SavePNG writes img to path as PNG
func SavePNG(path string, img image.Image) error {
	if err := imgio.Save(path, img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
