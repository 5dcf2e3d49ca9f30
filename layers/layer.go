package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	BatchNorm
	GlobalAvgPool
	BasicBlock
	Bottleneck
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case BasicBlock:
		return "BasicBlock"
	case Bottleneck:
		return "Bottleneck"
	default:
		return "Unknown"
	}
}

// ParameterKind tells learnable tensors apart from running-statistics buffers
type ParameterKind int

const (
	KindWeight ParameterKind = iota
	KindBias
	KindRunningMean
	KindRunningVar
)

func (k ParameterKind) String() string {
	switch k {
	case KindWeight:
		return "weight"
	case KindBias:
		return "bias"
	case KindRunningMean:
		return "running_mean"
	case KindRunningVar:
		return "running_var"
	default:
		return "unknown"
	}
}

// Learnable reports whether the tensor counts as a model parameter
func (k ParameterKind) Learnable() bool {
	return k == KindWeight || k == KindBias
}

// ParameterInfo names one tensor a layer needs, using the state-dict naming
// of the checkpoint it is loaded from (e.g. "layer4.0.downsample.1.running_var").
type ParameterInfo struct {
	Name  string        `json:"name"`
	Shape []int         `json:"shape"`
	Kind  ParameterKind `json:"kind"`
}

// LayerSpec defines layer configuration for the inference engine
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int         `json:"parameter_shapes,omitempty"`
	ParameterCount  int64           `json:"parameter_count,omitempty"`
	Tensors         []ParameterInfo `json:"tensors,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64           `json:"total_parameters"`
	ParameterShapes [][]int         `json:"parameter_shapes"`
	Tensors         []ParameterInfo `json:"tensors"`
	InputShape      []int           `json:"input_shape"`
	OutputShape     []int           `json:"output_shape"`
	Compiled        bool            `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification
func (lf *LayerFactory) CreateConv2DSpec(outputChannels, kernelSize, stride, padding int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSoftmaxSpec creates a Softmax activation specification
func (lf *LayerFactory) CreateSoftmaxSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
}

// CreateMaxPool2DSpec creates a max pooling specification
func (lf *LayerFactory) CreateMaxPool2DSpec(kernelSize, stride, padding int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
		},
	}
}

// CreateBatchNormSpec creates an inference Batch Normalization specification
func (lf *LayerFactory) CreateBatchNormSpec(numFeatures int, eps float32, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"affine":       true,
		},
	}
}

// CreateGlobalAvgPoolSpec creates a global average pooling specification
func (lf *LayerFactory) CreateGlobalAvgPoolSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       GlobalAvgPool,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateBasicBlockSpec creates a two-convolution residual block specification
func (lf *LayerFactory) CreateBasicBlockSpec(planes, stride int, name string) LayerSpec {
	return LayerSpec{
		Type: BasicBlock,
		Name: name,
		Parameters: map[string]interface{}{
			"planes": planes,
			"stride": stride,
		},
	}
}

// CreateBottleneckSpec creates a 1x1-3x3-1x1 residual block specification
func (lf *LayerFactory) CreateBottleneckSpec(planes, stride int, name string) LayerSpec {
	return LayerSpec{
		Type: Bottleneck,
		Name: name,
		Parameters: map[string]interface{}{
			"planes":    planes,
			"stride":    stride,
			"expansion": bottleneckExpansion,
		},
	}
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	factory    *LayerFactory
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		factory:    NewFactory(),
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(mb.factory.CreateDenseSpec(outputSize, useBias, name))
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConv2DSpec(outputChannels, kernelSize, stride, padding, useBias, name))
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateReLUSpec(name))
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateSoftmaxSpec(axis, name))
}

// AddMaxPool2D adds a max pooling layer to the model
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride, padding int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateMaxPool2DSpec(kernelSize, stride, padding, name))
}

// AddBatchNorm adds an inference Batch Normalization layer to the model
// num_features: number of channels
// eps: small value added to the running variance (default: 1e-5)
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateBatchNormSpec(numFeatures, eps, name))
}

// AddGlobalAvgPool adds a spatial average [N, C, H, W] -> [N, C]
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateGlobalAvgPoolSpec(name))
}

// AddBasicBlock adds a residual block with two 3x3 convolutions
func (mb *ModelBuilder) AddBasicBlock(planes, stride int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateBasicBlockSpec(planes, stride, name))
}

// AddBottleneck adds a residual block with a 1x1, 3x3, 1x1 convolution stack
func (mb *ModelBuilder) AddBottleneck(planes, stride int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateBottleneckSpec(planes, stride, name))
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("cannot compile model without an input shape")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
		Compiled:   false,
	}

	seen := make(map[string]bool, len(mb.layers))
	for i, layer := range mb.layers {
		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		// Parameters is filled in during compilation; keep the builder's copy intact
		layer.Parameters = copyParams(layer.Parameters)
		model.Layers[i] = layer
	}

	// Compute shapes and parameter information
	currentShape := model.InputShape
	var allParameterShapes [][]int
	var allTensors []ParameterInfo
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		// Set input shape for this layer
		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		// Compute output shape and parameters based on layer type
		outputShape, tensors, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}
		for _, d := range outputShape {
			if d <= 0 {
				return nil, fmt.Errorf("layer %d (%s) produces empty output %v", i, layer.Name, outputShape)
			}
		}

		layer.OutputShape = outputShape
		layer.Tensors = tensors
		layer.ParameterShapes = nil
		layer.ParameterCount = 0
		for _, p := range tensors {
			if !p.Kind.Learnable() {
				continue
			}
			layer.ParameterShapes = append(layer.ParameterShapes, p.Shape)
			layer.ParameterCount += int64(product(p.Shape))
		}

		// Add to global parameter information
		allParameterShapes = append(allParameterShapes, layer.ParameterShapes...)
		allTensors = append(allTensors, tensors...)
		totalParams += layer.ParameterCount

		// Update current shape for next layer
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.Tensors = allTensors
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, []ParameterInfo, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case GlobalAvgPool:
		return computeGlobalAvgPoolInfo(inputShape)
	case BasicBlock, Bottleneck:
		return computeBlockInfo(layer, inputShape)
	case ReLU, Softmax:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, []ParameterInfo, error) {
	if len(inputShape) < 2 {
		return nil, nil, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Compute input size by flattening all dimensions except batch
	inputSize := product(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [outputSize, inputSize]
	tensors := []ParameterInfo{{Name: layer.Name + ".weight", Shape: []int{outputSize, inputSize}, Kind: KindWeight}}
	if useBias {
		tensors = append(tensors, ParameterInfo{Name: layer.Name + ".bias", Shape: []int{outputSize}, Kind: KindBias})
	}

	return []int{inputShape[0], outputSize}, tensors, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, []ParameterInfo, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, fmt.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	if stride <= 0 || padding < 0 {
		return nil, nil, fmt.Errorf("invalid stride %d or padding %d", stride, padding)
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputShape := []int{
		inputShape[0],
		outputChannels,
		convOut(inputShape[2], kernelSize, stride, padding),
		convOut(inputShape[3], kernelSize, stride, padding),
	}

	tensors := []ParameterInfo{convWeight(layer.Name, outputChannels, inputChannels, kernelSize)}
	if useBias {
		tensors = append(tensors, ParameterInfo{Name: layer.Name + ".bias", Shape: []int{outputChannels}, Kind: KindBias})
	}
	return outputShape, tensors, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, []ParameterInfo, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("batch norm layer requires 4D input")
	}

	numFeatures := getIntParam(layer.Parameters, "num_features", 0)
	if numFeatures != inputShape[1] {
		return nil, nil, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	// BatchNorm doesn't change the input shape
	outputShape := append([]int(nil), inputShape...)
	return outputShape, batchNormTensors(layer.Name, numFeatures), nil
}

// computeMaxPoolInfo computes max pooling output shape
func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, []ParameterInfo, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D layer requires 4D input")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 2)
	stride := getIntParam(layer.Parameters, "stride", kernelSize)
	padding := getIntParam(layer.Parameters, "padding", 0)
	if kernelSize <= 0 || stride <= 0 || padding < 0 || padding > kernelSize/2 {
		return nil, nil, fmt.Errorf("invalid pooling kernel %d stride %d padding %d", kernelSize, stride, padding)
	}

	return []int{
		inputShape[0],
		inputShape[1],
		convOut(inputShape[2], kernelSize, stride, padding),
		convOut(inputShape[3], kernelSize, stride, padding),
	}, nil, nil
}

func computeGlobalAvgPoolInfo(inputShape []int) ([]int, []ParameterInfo, error) {
	if len(inputShape) != 4 {
		return nil, nil, fmt.Errorf("GlobalAvgPool layer requires 4D input")
	}
	return []int{inputShape[0], inputShape[1]}, nil, nil
}

func computeActivationInfo(inputShape []int) ([]int, []ParameterInfo, error) {
	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, nil, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}

	return mb.Compile() // Re-compile to get fresh copy
}

// FindLayers returns the indices of the layers addressed by target: the layer
// named target itself, or every layer whose name starts with "target.".
func (ms *ModelSpec) FindLayers(target string) []int {
	var indices []int
	for i, layer := range ms.Layers {
		if layer.Name == target || strings.HasPrefix(layer.Name, target+".") {
			indices = append(indices, i)
		}
	}
	return indices
}

// LayerNames lists layer names in execution order
func (ms *ModelSpec) LayerNames() []string {
	names := make([]string, len(ms.Layers))
	for i, layer := range ms.Layers {
		names[i] = layer.Name
	}
	return names
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)

		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&sb, "  Config: %v\n", layer.Parameters)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// ValidateModelForInference checks that the model can be run by the engine
func (ms *ModelSpec) ValidateModelForInference() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}
	if len(ms.InputShape) != 4 {
		return fmt.Errorf("inference requires 4D image input, got %v", ms.InputShape)
	}
	if len(ms.OutputShape) != 2 {
		return fmt.Errorf("inference requires 2D logits output, got %v", ms.OutputShape)
	}
	return nil
}

func convOut(size, kernel, stride, padding int) int {
	return (size+2*padding-kernel)/stride + 1
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Helper functions for parameter extraction
// Values decoded from JSON checkpoints arrive as float64.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		// Handle float64 conversion
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

// IntParam reads an integer layer parameter
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam reads a boolean layer parameter
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// FloatParam reads a float layer parameter
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}
