package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"

	"github.com/tsawler/go-gradcam/tensor"
)

// DefaultImageSize is the square input size of the pretrained ResNets
const DefaultImageSize = 224

// ImageNet channel statistics used by torchvision's pretrained models
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageProcessor resizes and normalizes images for network input, reusing its
// scratch buffer between calls
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	mean          [3]float32
	std           [3]float32
}

// NewImageProcessor creates a processor that resizes to targetSize x targetSize
// and normalizes with the ImageNet statistics
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		mean:       ImageNetMean,
		std:        ImageNetStd,
	}
}

// WithNormalization replaces the per-channel mean and std
func (p *ImageProcessor) WithNormalization(mean, std [3]float32) *ImageProcessor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mean = mean
	p.std = std
	return p
}

// TargetSize returns the square output size
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// ToTensor wraps the CHW data in a [1, C, H, W] tensor
func (pi *ProcessedImage) ToTensor() (*tensor.Tensor, error) {
	data := make([]float32, len(pi.Data))
	copy(data, pi.Data)
	return tensor.NewTensor([]int{1, pi.Channels, pi.Height, pi.Width}, tensor.Float32, tensor.CPU, data)
}

// LoadImage decodes a JPEG or PNG file
func LoadImage(path string) (image.Image, error) {
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	return img, nil
}

// DecodeAndPreprocess decodes a JPEG or PNG stream and preprocesses it
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img)
}

// Preprocess resizes img bilinearly to the target size, scales pixels to
// [0, 1] and normalizes each channel. Data is returned in CHW order.
func (p *ImageProcessor) Preprocess(img image.Image) (*ProcessedImage, error) {
	if img == nil {
		return nil, fmt.Errorf("image is nil")
	}
	if p.targetSize <= 0 {
		return nil, fmt.Errorf("invalid target size %d", p.targetSize)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	size := p.targetSize
	resized := transform.Resize(img, size, size, transform.Linear)

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := size * size
	requiredSize := 3 * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				data[c*plane+idx] = (v - p.mean[c]) / p.std[c]
			}
		}
	}

	// The buffer is reused by the next call
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: 3,
	}, nil
}

// ImageToFloat returns the pixels of img as HWC RGB values in [0, 1]
func ImageToFloat(img image.Image) (data []float64, width, height int) {
	b := img.Bounds()
	width, height = b.Dx(), b.Dy()
	data = make([]float64, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*width + x) * 3
			data[i] = float64(r>>8) / 255
			data[i+1] = float64(g>>8) / 255
			data[i+2] = float64(bl>>8) / 255
		}
	}
	return data, width, height
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				img, err := LoadImage(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}
				results[j.index], errs[j.index] = processor.Preprocess(img)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
