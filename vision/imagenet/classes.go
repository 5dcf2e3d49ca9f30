// Package imagenet maps classifier outputs to ImageNet class names.
package imagenet

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tsawler/go-gradcam/tensor"
)

// DefaultTopK is the number of predictions reported per image
const DefaultTopK = 5

// Class is one entry of the class index: a WordNet tag and a readable label
type Class struct {
	Tag   string
	Label string
}

// ClassIndex is the content of imagenet_class_index.json, which maps
// "index" -> [tag, label]
type ClassIndex struct {
	classes []Class
}

// Prediction is one decoded entry of a probability row
type Prediction struct {
	Tag   string
	Label string
	Index int
	Prob  float32
}

// Load reads a class index file
func Load(path string) (*ClassIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open class index: %w", err)
	}
	defer file.Close()

	ci, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ci, nil
}

// Parse decodes a class index. Keys must be the contiguous indices 0..n-1.
func Parse(r io.Reader) (*ClassIndex, error) {
	var raw map[string][]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode class index: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("class index is empty")
	}

	classes := make([]Class, len(raw))
	seen := make([]bool, len(raw))
	for key, entry := range raw {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(raw) {
			return nil, fmt.Errorf("invalid class index key %q", key)
		}
		if len(entry) != 2 {
			return nil, fmt.Errorf("class %d: expected [tag, label], got %d values", i, len(entry))
		}
		if seen[i] {
			return nil, fmt.Errorf("duplicate class index %d", i)
		}
		seen[i] = true
		classes[i] = Class{Tag: entry[0], Label: entry[1]}
	}

	return &ClassIndex{classes: classes}, nil
}

// New builds a class index from an ordered list of classes
func New(classes []Class) *ClassIndex {
	return &ClassIndex{classes: append([]Class(nil), classes...)}
}

// Len returns the number of classes
func (ci *ClassIndex) Len() int {
	return len(ci.classes)
}

// Lookup returns the tag and label of class i
func (ci *ClassIndex) Lookup(i int) (tag, label string, ok bool) {
	if i < 0 || i >= len(ci.classes) {
		return "", "", false
	}
	c := ci.classes[i]
	return c.Tag, c.Label, true
}

// DecodePredictions returns, for each row of a [N, classes] probability
// tensor, the k most probable classes in descending order. Ties keep the
// lower index first. k larger than the class count is clamped.
func (ci *ClassIndex) DecodePredictions(probs *tensor.Tensor, k int) ([][]Prediction, error) {
	if probs == nil || len(probs.Shape) != 2 {
		return nil, fmt.Errorf("expected [N, classes] probabilities")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	data, err := probs.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	n, classes := probs.Shape[0], probs.Shape[1]
	if classes > len(ci.classes) {
		return nil, fmt.Errorf("probabilities have %d classes but the index has %d", classes, len(ci.classes))
	}
	if k > classes {
		k = classes
	}

	out := make([][]Prediction, n)
	for row := 0; row < n; row++ {
		values := data[row*classes : (row+1)*classes]
		order := tensor.ArgSortDescending(values)
		preds := make([]Prediction, k)
		for j, idx := range order[:k] {
			c := ci.classes[idx]
			preds[j] = Prediction{Tag: c.Tag, Label: c.Label, Index: idx, Prob: values[idx]}
		}
		out[row] = preds
	}
	return out, nil
}

// FormatPrediction renders a prediction as
// "tag label(16, left) index(5, right) prob(6.2%)"
func FormatPrediction(p Prediction) string {
	return fmt.Sprintf("%s %-16s %5d %5.2f%%", p.Tag, p.Label, p.Index, float64(p.Prob)*100)
}
