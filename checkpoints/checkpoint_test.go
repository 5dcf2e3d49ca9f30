package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-gradcam/layers"
)

func tinyResNet(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.ResNet(layers.ResNetConfig{
		Block:      layers.BasicBlock,
		Layers:     []int{1, 1},
		Widths:     []int{4, 8},
		NumClasses: 3,
		InputSize:  32,
	})
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	return spec
}

func TestCheckpointFormat(t *testing.T) {
	if FormatJSON.String() != "JSON" || FormatONNX.String() != "ONNX" {
		t.Errorf("Unexpected format names %s %s", FormatJSON, FormatONNX)
	}
	if FormatFromPath("resnet18.ONNX") != FormatONNX {
		t.Error("Expected ONNX format for .onnx extension")
	}
	if FormatFromPath("weights.json") != FormatJSON {
		t.Error("Expected JSON format for .json extension")
	}
	if _, err := ParseFormat("pickle"); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestNewWeightTensor(t *testing.T) {
	w := NewWeightTensor("layer4.0.downsample.1.running_var", []int{512}, nil)
	if w.Layer != "layer4.0.downsample.1" || w.Type != "running_var" {
		t.Errorf("Unexpected layer/type split: %q %q", w.Layer, w.Type)
	}
	if w.NumElements() != 512 {
		t.Errorf("Expected 512 elements, got %d", w.NumElements())
	}
}

func TestRandomWeightsValidate(t *testing.T) {
	spec := tinyResNet(t)

	weights, err := RandomWeights(spec, 1)
	if err != nil {
		t.Fatalf("RandomWeights failed: %v", err)
	}
	if len(weights) != len(spec.Tensors) {
		t.Fatalf("Expected %d tensors, got %d", len(spec.Tensors), len(weights))
	}
	if err := ValidateWeights(spec, weights); err != nil {
		t.Fatalf("ValidateWeights failed: %v", err)
	}

	again, _ := RandomWeights(spec, 1)
	if !reflect.DeepEqual(weights, again) {
		t.Error("RandomWeights should be deterministic for a seed")
	}

	byName := WeightMap(weights)
	if byName["bn1.running_var"].Data[0] != 1 || byName["bn1.weight"].Data[0] != 1 {
		t.Error("Batch norm should start as identity")
	}
	if byName["fc.bias"].Data[0] != 0 {
		t.Error("Biases should start at zero")
	}
}

func TestValidateWeightsFoldedExport(t *testing.T) {
	spec := tinyResNet(t)
	weights, _ := RandomWeights(spec, 1)

	// A folded export keeps the fc initializers but renames the convolutions
	var folded []WeightTensor
	for i, w := range weights {
		if strings.HasPrefix(w.Name, "fc.") {
			folded = append(folded, w)
			continue
		}
		if strings.HasSuffix(w.Name, ".weight") && len(w.Shape) == 4 {
			folded = append(folded, NewWeightTensor(fmt.Sprintf("onnx::Conv_%d", 400+i), w.Shape, w.Data))
		}
	}

	err := ValidateWeights(spec, folded)
	if !errors.Is(err, ErrFoldedExport) {
		t.Errorf("Expected ErrFoldedExport, got %v", err)
	}
	if !errors.Is(err, ErrMissingWeight) {
		t.Errorf("Expected ErrMissingWeight, got %v", err)
	}
	if !strings.Contains(err.Error(), "do_constant_folding=False") {
		t.Errorf("Expected export hint in %q", err.Error())
	}

	// Missing weights without onnx:: names get no hint
	if err := ValidateWeights(spec, weights[1:]); errors.Is(err, ErrFoldedExport) {
		t.Errorf("Unexpected ErrFoldedExport: %v", err)
	}
}

func TestValidateWeightsErrors(t *testing.T) {
	spec := tinyResNet(t)
	weights, _ := RandomWeights(spec, 1)

	// Extra tensors are ignored
	extra := append(append([]WeightTensor(nil), weights...),
		NewWeightTensor("bn1.num_batches_tracked", []int{1}, []float32{0}))
	if err := ValidateWeights(spec, extra); err != nil {
		t.Errorf("Extra weights should be ignored: %v", err)
	}

	missing := weights[1:]
	err := ValidateWeights(spec, missing)
	if !errors.Is(err, ErrMissingWeight) {
		t.Errorf("Expected ErrMissingWeight, got %v", err)
	}

	bad := append([]WeightTensor(nil), weights...)
	bad[0] = NewWeightTensor(bad[0].Name, []int{1, 2, 3}, make([]float32, 6))
	if err := ValidateWeights(spec, bad); err == nil || !strings.Contains(err.Error(), "conv1.weight") {
		t.Errorf("Expected shape error for conv1.weight, got %v", err)
	}

	if err := ValidateWeights(&layers.ModelSpec{}, weights); err == nil {
		t.Error("Expected error for uncompiled spec")
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	spec := tinyResNet(t)
	weights, _ := RandomWeights(spec, 7)

	checkpoint := &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:      "1.0.0",
			Framework:    "go-gradcam",
			CreatedAt:    time.Now(),
			Description:  "Test checkpoint",
			Architecture: "tiny",
			Tags:         []string{"test"},
		},
	}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save JSON checkpoint: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load JSON checkpoint: %v", err)
	}

	if loaded.Metadata.Description != "Test checkpoint" || loaded.Metadata.Architecture != "tiny" {
		t.Errorf("Metadata mismatch: %+v", loaded.Metadata)
	}
	if !reflect.DeepEqual(loaded.Weights, weights) {
		t.Error("Weights changed across JSON round trip")
	}
	if loaded.ModelSpec == nil || loaded.ModelSpec.TotalParameters != spec.TotalParameters {
		t.Error("Model spec changed across JSON round trip")
	}
}

func TestCheckpointONNXRoundTrip(t *testing.T) {
	spec := tinyResNet(t)
	weights, _ := RandomWeights(spec, 3)

	checkpoint := &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata:  CheckpointMetadata{Architecture: "tiny-resnet"},
	}

	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save ONNX checkpoint: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load ONNX checkpoint: %v", err)
	}

	if loaded.Metadata.Producer != "go-gradcam" || loaded.Metadata.OpsetVersion != 13 {
		t.Errorf("Unexpected metadata %+v", loaded.Metadata)
	}
	if loaded.Metadata.Architecture != "tiny-resnet" {
		t.Errorf("Expected graph name tiny-resnet, got %q", loaded.Metadata.Architecture)
	}
	if !reflect.DeepEqual(loaded.Weights, weights) {
		t.Error("Weights changed across ONNX round trip")
	}
	if loaded.ModelSpec == nil {
		t.Fatal("Expected embedded model spec")
	}
	if err := ValidateWeights(loaded.ModelSpec, loaded.Weights); err != nil {
		t.Errorf("Decoded spec does not validate: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	for _, op := range []string{"Conv", "BatchNormalization", "MaxPool", "GlobalAveragePool", "Gemm", "Add"} {
		if !strings.Contains(string(data), op) {
			t.Errorf("Exported graph is missing %s nodes", op)
		}
	}
}

// torchStyleTensor encodes an initializer the way PyTorch's exporter does:
// unpacked dims and little-endian raw_data.
func torchStyleTensor(name string, dims []int64, values []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func TestONNXImportRawData(t *testing.T) {
	var graph []byte
	graph = appendMessageField(graph, graphInitializer,
		torchStyleTensor("model.fc.weight", []int64{2, 2}, []float32{1, -2, 3.5, 4}))

	// Unpacked float_data
	var unpacked []byte
	unpacked = appendVarintField(unpacked, tensorDims, 3)
	unpacked = appendVarintField(unpacked, tensorDataType, onnxFloat)
	for _, v := range []float32{0.5, 0.25, 0.125} {
		unpacked = appendFixed32Field(unpacked, tensorFloatData, math.Float32bits(v))
	}
	unpacked = appendStringField(unpacked, tensorName, "model.fc.bias")
	graph = appendMessageField(graph, graphInitializer, unpacked)

	// INT64 counters are skipped
	var counter []byte
	counter = appendVarintField(counter, tensorDataType, 7)
	counter = appendStringField(counter, tensorName, "model.bn1.num_batches_tracked")
	graph = appendMessageField(graph, graphInitializer, counter)

	var model []byte
	model = appendStringField(model, modelProducerName, "pytorch")
	model = appendMessageField(model, modelGraph, graph)

	importer := NewONNXImporter()
	importer.TrimPrefix = "model."
	checkpoint, err := importer.Unmarshal(model)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if len(checkpoint.Weights) != 2 {
		t.Fatalf("Expected 2 float initializers, got %d", len(checkpoint.Weights))
	}
	w := checkpoint.Weights[0]
	if w.Name != "fc.weight" || !reflect.DeepEqual(w.Shape, []int{2, 2}) || !reflect.DeepEqual(w.Data, []float32{1, -2, 3.5, 4}) {
		t.Errorf("Unexpected raw_data weight %+v", w)
	}
	b := checkpoint.Weights[1]
	if b.Name != "fc.bias" || !reflect.DeepEqual(b.Data, []float32{0.5, 0.25, 0.125}) {
		t.Errorf("Unexpected float_data weight %+v", b)
	}
	if checkpoint.Metadata.Producer != "pytorch" || checkpoint.ModelSpec != nil {
		t.Errorf("Unexpected import result metadata %+v", checkpoint.Metadata)
	}
}

func TestONNXImportErrors(t *testing.T) {
	if _, err := NewONNXImporter().Unmarshal([]byte{0xff}); err == nil {
		t.Error("Expected error for truncated message")
	}

	var model []byte
	model = appendStringField(model, modelProducerName, "pytorch")
	if _, err := NewONNXImporter().Unmarshal(model); err == nil {
		t.Error("Expected error for missing graph")
	}

	// raw_data with the wrong size
	tensor := torchStyleTensor("w", []int64{4}, []float32{1, 2})
	graph := appendMessageField(nil, graphInitializer, tensor)
	model = appendMessageField(nil, modelGraph, graph)
	if _, err := NewONNXImporter().Unmarshal(model); err == nil {
		t.Error("Expected error for raw_data size mismatch")
	}

	if _, err := NewONNXImporter().ImportFromONNX(filepath.Join(t.TempDir(), "missing.onnx")); err == nil {
		t.Error("Expected error for missing file")
	}
}
