package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-gradcam/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks the format from the file extension; anything that is
// not ".onnx" is treated as JSON.
func FormatFromPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// ParseFormat maps a user supplied name ("json", "onnx") to a format
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a model state: optional architecture and named weights
type Checkpoint struct {
	// ModelSpec is nil for checkpoints that carry weights only
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version      string    `json:"version"`
	Framework    string    `json:"framework"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Architecture string    `json:"architecture,omitempty"`
	Producer     string    `json:"producer,omitempty"`
	OpsetVersion int64     `json:"opset_version,omitempty"`
}

// NewWeightTensor names a tensor by its state-dict key; the layer is the key
// without its last component, the type is the last component.
func NewWeightTensor(name string, shape []int, data []float32) WeightTensor {
	layer, kind := "", name
	if i := strings.LastIndex(name, "."); i >= 0 {
		layer, kind = name[:i], name[i+1:]
	}
	return WeightTensor{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Layer: layer,
		Type:  kind,
	}
}

// NumElements returns the element count implied by Shape
func (w WeightTensor) NumElements() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load reads a checkpoint, choosing the format from the file extension
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatFromPath(path)).LoadCheckpoint(path)
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-gradcam"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// saveONNX saves checkpoint in ONNX format
func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	exporter := NewONNXExporter()
	return exporter.ExportToONNX(checkpoint, path)
}

// loadONNX loads checkpoint from ONNX format
func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	importer := NewONNXImporter()
	return importer.ImportFromONNX(path)
}

// ErrMissingWeight is wrapped by ValidateWeights for every tensor the model
// needs that the checkpoint does not have.
var ErrMissingWeight = errors.New("missing weight")

// ErrFoldedExport is returned alongside ErrMissingWeight when the weights come
// from an ONNX export with constant folding, which merges batch norms into the
// convolutions and renames initializers to onnx::*. Such files cannot be
// bound to the layers; export with
//
//	torch.onnx.export(model, x, "resnet50.onnx", do_constant_folding=False)
//
// so the initializers keep their state_dict names.
var ErrFoldedExport = errors.New("ONNX export was constant folded; re-export with do_constant_folding=False")

// foldedPrefix marks initializers renamed by the ONNX exporter
const foldedPrefix = "onnx::"

// WeightMap indexes weights by name
func WeightMap(weights []WeightTensor) map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		m[w.Name] = w
	}
	return m
}

// ValidateWeights checks that every tensor the compiled spec names is present
// with the expected shape. Extra weights (e.g. num_batches_tracked) are ignored.
func ValidateWeights(spec *layers.ModelSpec, weights []WeightTensor) error {
	if spec == nil || !spec.Compiled {
		return fmt.Errorf("model spec is not compiled")
	}

	byName := WeightMap(weights)
	var errs []error
	for _, p := range spec.Tensors {
		w, ok := byName[p.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s %v", ErrMissingWeight, p.Name, p.Shape))
			continue
		}
		if !shapesEqual(w.Shape, p.Shape) {
			errs = append(errs, fmt.Errorf("weight %s: shape %v, model expects %v", p.Name, w.Shape, p.Shape))
			continue
		}
		if len(w.Data) != w.NumElements() {
			errs = append(errs, fmt.Errorf("weight %s: %d values for shape %v", p.Name, len(w.Data), w.Shape))
		}
	}
	if len(errs) > 0 && hasFoldedNames(weights) {
		errs = append([]error{ErrFoldedExport}, errs...)
	}
	return errors.Join(errs...)
}

func hasFoldedNames(weights []WeightTensor) bool {
	for _, w := range weights {
		if strings.HasPrefix(w.Name, foldedPrefix) {
			return true
		}
	}
	return false
}

// RandomWeights produces a deterministic set of weights for spec: He-normal
// convolution and dense weights, zero biases, identity batch norms.
func RandomWeights(spec *layers.ModelSpec, seed int64) ([]WeightTensor, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}

	rng := rand.New(rand.NewSource(seed))
	weights := make([]WeightTensor, 0, len(spec.Tensors))
	for _, p := range spec.Tensors {
		w := NewWeightTensor(p.Name, p.Shape, nil)
		data := make([]float32, w.NumElements())

		switch {
		case p.Kind == layers.KindRunningVar:
			fill(data, 1)
		case p.Kind == layers.KindWeight && len(p.Shape) == 1:
			// batch norm gamma
			fill(data, 1)
		case p.Kind == layers.KindWeight:
			fanIn := 1
			for _, d := range p.Shape[1:] {
				fanIn *= d
			}
			std := math.Sqrt(2 / float64(fanIn))
			for i := range data {
				data[i] = float32(rng.NormFloat64() * std)
			}
		}

		w.Data = data
		weights = append(weights, w)
	}
	return weights, nil
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
