package layers

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestLayerTypeString(t *testing.T) {
	cases := map[LayerType]string{
		Dense:         "Dense",
		Conv2D:        "Conv2D",
		BatchNorm:     "BatchNorm",
		GlobalAvgPool: "GlobalAvgPool",
		BasicBlock:    "BasicBlock",
		Bottleneck:    "Bottleneck",
		LayerType(99): "Unknown",
	}
	for lt, want := range cases {
		if lt.String() != want {
			t.Errorf("Expected %s, got %s", want, lt.String())
		}
	}
}

func TestLayerFactoryAndBuilder(t *testing.T) {
	factory := NewFactory()

	conv := factory.CreateConv2DSpec(16, 3, 1, 1, true, "conv1")
	relu := factory.CreateReLUSpec("relu1")
	dense := factory.CreateDenseSpec(10, true, "fc1")
	softmax := factory.CreateSoftmaxSpec(-1, "softmax")

	model, err := NewModelBuilder([]int{2, 3, 8, 8}).
		AddLayer(conv).
		AddLayer(relu).
		AddLayer(dense).
		AddLayer(softmax).
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !reflect.DeepEqual(model.OutputShape, []int{2, 10}) {
		t.Errorf("Expected output shape [2 10], got %v", model.OutputShape)
	}

	// conv: 16*3*3*3 + 16, dense: 10*16*8*8 + 10
	expected := int64(16*3*3*3 + 16 + 10*16*8*8 + 10)
	if model.TotalParameters != expected {
		t.Errorf("Expected %d parameters, got %d", expected, model.TotalParameters)
	}

	sum := int64(0)
	for _, layer := range model.Layers {
		sum += layer.ParameterCount
	}
	if sum != model.TotalParameters {
		t.Errorf("Parameter count mismatch: layers sum to %d, total %d", sum, model.TotalParameters)
	}

	// Dense weight uses [out, in] layout
	fc := model.Layers[2]
	if !reflect.DeepEqual(fc.Tensors[0].Shape, []int{10, 16 * 8 * 8}) {
		t.Errorf("Unexpected dense weight shape %v", fc.Tensors[0].Shape)
	}
	if fc.IntParam("input_size", 0) != 16*8*8 {
		t.Errorf("Expected computed input_size %d, got %d", 16*8*8, fc.IntParam("input_size", 0))
	}

	// The builder's own specs are not mutated by compilation
	if _, ok := conv.Parameters["input_channels"]; ok {
		t.Error("Compile should not modify the caller's layer parameters")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder([]int{1, 3, 8, 8}).Compile(); err == nil {
		t.Error("Expected error for empty model")
	}

	_, err := NewModelBuilder([]int{1, 3, 8, 8}).
		AddReLU("a").
		AddReLU("a").
		Compile()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate name error, got %v", err)
	}

	_, err = NewModelBuilder([]int{1, 3, 8, 8}).
		AddBatchNorm(4, 1e-5, "bn").
		Compile()
	if err == nil {
		t.Error("Expected num_features mismatch error")
	}

	_, err = NewModelBuilder([]int{1, 3, 4, 4}).
		AddConv2D(8, 7, 1, 0, false, "conv").
		Compile()
	if err == nil {
		t.Error("Expected empty output error for oversized kernel")
	}

	_, err = NewModelBuilder([]int{1, 10}).
		AddMaxPool2D(2, 2, 0, "pool").
		Compile()
	if err == nil {
		t.Error("Expected 4D input error for pooling")
	}
}

func TestBatchNormTensors(t *testing.T) {
	model, err := NewModelBuilder([]int{1, 3, 4, 4}).
		AddBatchNorm(3, 1e-5, "bn1").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	names := []string{}
	for _, p := range model.Tensors {
		names = append(names, p.Name)
	}
	expected := []string{"bn1.weight", "bn1.bias", "bn1.running_mean", "bn1.running_var"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("Expected %v, got %v", expected, names)
	}

	// Running statistics are buffers, not parameters
	if model.TotalParameters != 6 {
		t.Errorf("Expected 6 learnable parameters, got %d", model.TotalParameters)
	}
}

func TestBlockPath(t *testing.T) {
	block := NewFactory().CreateBottleneckSpec(64, 2, "layer2.0")

	path, shortcut, err := block.BlockPath(256)
	if err != nil {
		t.Fatalf("BlockPath failed: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(path))
	}
	if path[1].Stride != 2 || path[0].Stride != 1 {
		t.Errorf("Bottleneck stride should sit on the 3x3 convolution: %+v", path)
	}
	if path[2].OutChannels != 256 || path[2].ReLU {
		t.Errorf("Unexpected final step %+v", path[2])
	}
	if shortcut == nil || shortcut.Conv != "layer2.0.downsample.0" || shortcut.BN != "layer2.0.downsample.1" {
		t.Errorf("Unexpected shortcut %+v", shortcut)
	}

	basic := NewFactory().CreateBasicBlockSpec(64, 1, "layer1.1")
	_, shortcut, err = basic.BlockPath(64)
	if err != nil {
		t.Fatalf("BlockPath failed: %v", err)
	}
	if shortcut != nil {
		t.Error("Identity block should not have a downsample shortcut")
	}

	relu := NewFactory().CreateReLUSpec("relu")
	if _, _, err := relu.BlockPath(64); err == nil {
		t.Error("Expected error for non-block layer")
	}
}

func TestResNet18(t *testing.T) {
	model, err := ResNet18(1000)
	if err != nil {
		t.Fatalf("ResNet18 failed: %v", err)
	}

	if model.TotalParameters != 11689512 {
		t.Errorf("Expected 11689512 parameters, got %d", model.TotalParameters)
	}
	if len(model.Tensors) != 102 {
		t.Errorf("Expected 102 state tensors, got %d", len(model.Tensors))
	}
	if !reflect.DeepEqual(model.OutputShape, []int{1, 1000}) {
		t.Errorf("Expected output [1 1000], got %v", model.OutputShape)
	}

	idx := model.FindLayers("layer4")
	if len(idx) != 2 {
		t.Fatalf("Expected 2 layer4 blocks, got %d", len(idx))
	}
	last := model.Layers[idx[len(idx)-1]]
	if last.Name != "layer4.1" || !reflect.DeepEqual(last.OutputShape, []int{1, 512, 7, 7}) {
		t.Errorf("Unexpected layer4 output %s %v", last.Name, last.OutputShape)
	}

	found := false
	for _, p := range model.Tensors {
		if p.Name == "layer4.0.downsample.1.running_var" {
			found = true
			if p.Kind != KindRunningVar || !reflect.DeepEqual(p.Shape, []int{512}) {
				t.Errorf("Unexpected downsample buffer %+v", p)
			}
		}
	}
	if !found {
		t.Error("Expected layer4.0.downsample.1.running_var")
	}
}

func TestResNet50(t *testing.T) {
	model, err := ResNet50(1000)
	if err != nil {
		t.Fatalf("ResNet50 failed: %v", err)
	}
	if model.TotalParameters != 25557032 {
		t.Errorf("Expected 25557032 parameters, got %d", model.TotalParameters)
	}

	idx := model.FindLayers("layer4")
	last := model.Layers[idx[len(idx)-1]]
	if !reflect.DeepEqual(last.OutputShape, []int{1, 2048, 7, 7}) {
		t.Errorf("Unexpected layer4 output %v", last.OutputShape)
	}
}

func TestArchitecture(t *testing.T) {
	for _, name := range []string{"resnet18", "ResNet34", "resnet101"} {
		if _, err := Architecture(name, 10); err != nil {
			t.Errorf("Architecture(%s) failed: %v", name, err)
		}
	}
	if _, err := Architecture("vgg16", 10); err == nil {
		t.Error("Expected error for unknown architecture")
	}
}

func TestTinyResNet(t *testing.T) {
	model, err := ResNet(ResNetConfig{
		Block:      BasicBlock,
		Layers:     []int{1, 1},
		Widths:     []int{4, 8},
		NumClasses: 3,
		InputSize:  32,
	})
	if err != nil {
		t.Fatalf("ResNet failed: %v", err)
	}

	expected := []string{"conv1", "bn1", "relu", "maxpool", "layer1.0", "layer2.0", "avgpool", "fc"}
	if !reflect.DeepEqual(model.LayerNames(), expected) {
		t.Errorf("Expected layers %v, got %v", expected, model.LayerNames())
	}

	shapes := map[string][]int{
		"conv1":    {1, 4, 16, 16},
		"maxpool":  {1, 4, 8, 8},
		"layer1.0": {1, 4, 8, 8},
		"layer2.0": {1, 8, 4, 4},
		"avgpool":  {1, 8},
		"fc":       {1, 3},
	}
	for _, layer := range model.Layers {
		if want, ok := shapes[layer.Name]; ok && !reflect.DeepEqual(layer.OutputShape, want) {
			t.Errorf("%s: expected %v, got %v", layer.Name, want, layer.OutputShape)
		}
	}

	if model.Layers[4].BoolParam("downsample", true) {
		t.Error("layer1.0 keeps its width and stride, no downsample expected")
	}
	if !model.Layers[5].BoolParam("downsample", false) {
		t.Error("layer2.0 changes width, downsample expected")
	}

	if _, err := ResNet(ResNetConfig{Block: ReLU, Layers: []int{1}}); err == nil {
		t.Error("Expected error for invalid block type")
	}
}

func TestSpecJSONRoundTrip(t *testing.T) {
	model, err := ResNet(ResNetConfig{Block: Bottleneck, Layers: []int{1}, Widths: []int{2}, NumClasses: 2, InputSize: 16})
	if err != nil {
		t.Fatalf("ResNet failed: %v", err)
	}

	data, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	// Integer parameters come back as float64 and must still be readable
	block := decoded.Layers[4]
	if block.IntParam("planes", 0) != 2 || block.IntParam("expansion", 0) != 4 {
		t.Errorf("Unexpected decoded block parameters %v", block.Parameters)
	}
	if decoded.Layers[1].FloatParam("eps", 0) != float32(BatchNormEps) {
		t.Errorf("Unexpected decoded eps %v", decoded.Layers[1].Parameters["eps"])
	}
}

func TestSummary(t *testing.T) {
	var empty ModelSpec
	if empty.Summary() != "Model not compiled" {
		t.Errorf("Unexpected summary for uncompiled model: %q", empty.Summary())
	}

	model, err := ResNet18(10)
	if err != nil {
		t.Fatalf("ResNet18 failed: %v", err)
	}
	summary := model.Summary()
	for _, want := range []string{"Model Summary:", "layer4.1 (BasicBlock)", "fc (Dense)"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q", want)
		}
	}
	if err := model.ValidateModelForInference(); err != nil {
		t.Errorf("ValidateModelForInference failed: %v", err)
	}
}
