package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tsawler/go-gradcam/layers"
)

// modelSpecKey stores the JSON model spec in ModelProto.metadata_props so
// that exported files round-trip without re-deriving the architecture.
const modelSpecKey = "go_gradcam.model_spec"

// ONNXExporter handles conversion of models to ONNX format
type ONNXExporter struct {
	OpsetVersion int64
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{OpsetVersion: 13}
}

// ExportToONNX writes the checkpoint as an ONNX ModelProto. Weights become
// graph initializers; when the checkpoint has a model spec the graph also
// carries the nodes that compute it.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal encodes the checkpoint as an ONNX ModelProto
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var model []byte
	model = appendVarintField(model, modelIrVersion, 7)
	model = appendStringField(model, modelProducerName, "go-gradcam")
	model = appendStringField(model, modelProducerVersion, "1.0.0")
	model = appendVarintField(model, modelModelVersion, 1)
	if checkpoint.Metadata.Description != "" {
		model = appendStringField(model, modelDocString, checkpoint.Metadata.Description)
	}
	model = appendMessageField(model, modelGraph, graph)

	opset := appendStringField(nil, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, uint64(oe.OpsetVersion))
	model = appendMessageField(model, modelOpsetImport, opset)

	if checkpoint.ModelSpec != nil {
		specJSON, err := json.Marshal(checkpoint.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		entry := appendStringField(nil, entryKey, modelSpecKey)
		entry = appendStringField(entry, entryValue, string(specJSON))
		model = appendMessageField(model, modelMetadataProps, entry)
	}
	return model, nil
}

// buildONNXGraph creates the ONNX computation graph
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) ([]byte, error) {
	name := "go-gradcam-model"
	if checkpoint.Metadata.Architecture != "" {
		name = checkpoint.Metadata.Architecture
	}
	graph := appendStringField(nil, graphName, name)

	if spec := checkpoint.ModelSpec; spec != nil {
		nodes, output, err := oe.buildNodes(spec)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			graph = appendMessageField(graph, graphNode, n.encode())
		}
		graph = appendMessageField(graph, graphInput, encodeValueInfo("input", spec.InputShape))
		graph = appendMessageField(graph, graphOutput, encodeValueInfo(output, spec.OutputShape))
	}

	for _, w := range checkpoint.Weights {
		if len(w.Data) != w.NumElements() {
			return nil, fmt.Errorf("weight %s: %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		graph = appendMessageField(graph, graphInitializer, encodeTensor(w.Name, w.Shape, w.Data))
	}
	return graph, nil
}

// buildNodes lowers every layer to ONNX operators and returns the name of the
// final output.
func (oe *ONNXExporter) buildNodes(spec *layers.ModelSpec) ([]*onnxNode, string, error) {
	var nodes []*onnxNode
	current := "input"

	for _, layer := range spec.Layers {
		switch layer.Type {
		case layers.Conv2D:
			inputs := []string{current, layer.Name + ".weight"}
			if layer.BoolParam("use_bias", true) {
				inputs = append(inputs, layer.Name+".bias")
			}
			k := layer.IntParam("kernel_size", 1)
			s := layer.IntParam("stride", 1)
			p := layer.IntParam("padding", 0)
			nodes = append(nodes, convNode(layer.Name, inputs, layer.Name, k, s, p))
			current = layer.Name

		case layers.BatchNorm:
			nodes = append(nodes, batchNormNode(layer.Name, current, layer.Name, layer.FloatParam("eps", layers.BatchNormEps)))
			current = layer.Name

		case layers.ReLU:
			nodes = append(nodes, &onnxNode{name: layer.Name, opType: "Relu", inputs: []string{current}, outputs: []string{layer.Name}})
			current = layer.Name

		case layers.MaxPool2D:
			k := layer.IntParam("kernel_size", 2)
			s := layer.IntParam("stride", k)
			p := layer.IntParam("padding", 0)
			node := &onnxNode{name: layer.Name, opType: "MaxPool", inputs: []string{current}, outputs: []string{layer.Name}}
			nodes = append(nodes, node.intsAttr("kernel_shape", k, k).intsAttr("strides", s, s).intsAttr("pads", p, p, p, p))
			current = layer.Name

		case layers.GlobalAvgPool:
			pooled := layer.Name + ".pool"
			nodes = append(nodes,
				&onnxNode{name: pooled, opType: "GlobalAveragePool", inputs: []string{current}, outputs: []string{pooled}},
				(&onnxNode{name: layer.Name, opType: "Flatten", inputs: []string{pooled}, outputs: []string{layer.Name}}).intAttr("axis", 1),
			)
			current = layer.Name

		case layers.Dense:
			if len(layer.InputShape) != 2 {
				flat := layer.Name + ".flatten"
				nodes = append(nodes, (&onnxNode{name: flat, opType: "Flatten", inputs: []string{current}, outputs: []string{flat}}).intAttr("axis", 1))
				current = flat
			}
			inputs := []string{current, layer.Name + ".weight"}
			if layer.BoolParam("use_bias", true) {
				inputs = append(inputs, layer.Name+".bias")
			}
			// Weight is [out, in]
			gemm := &onnxNode{name: layer.Name, opType: "Gemm", inputs: inputs, outputs: []string{layer.Name}}
			nodes = append(nodes, gemm.intAttr("transB", 1))
			current = layer.Name

		case layers.Softmax:
			node := &onnxNode{name: layer.Name, opType: "Softmax", inputs: []string{current}, outputs: []string{layer.Name}}
			nodes = append(nodes, node.intAttr("axis", layer.IntParam("axis", -1)))
			current = layer.Name

		case layers.BasicBlock, layers.Bottleneck:
			blockNodes, err := oe.blockNodes(layer, current)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, blockNodes...)
			current = layer.Name

		default:
			return nil, "", fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type)
		}
	}
	return nodes, current, nil
}

func (oe *ONNXExporter) blockNodes(layer layers.LayerSpec, input string) ([]*onnxNode, error) {
	path, shortcut, err := layer.BlockPath(layer.InputShape[1])
	if err != nil {
		return nil, err
	}
	eps := float32(layers.BatchNormEps)

	var nodes []*onnxNode
	current := input
	for _, step := range path {
		nodes = append(nodes,
			convNode(step.Conv, []string{current, step.Conv + ".weight"}, step.Conv, step.Kernel, step.Stride, step.Padding),
			batchNormNode(step.BN, step.Conv, step.BN, eps),
		)
		current = step.BN
		if step.ReLU {
			relu := step.BN + ".relu"
			nodes = append(nodes, &onnxNode{name: relu, opType: "Relu", inputs: []string{current}, outputs: []string{relu}})
			current = relu
		}
	}

	identity := input
	if shortcut != nil {
		nodes = append(nodes,
			convNode(shortcut.Conv, []string{input, shortcut.Conv + ".weight"}, shortcut.Conv, 1, shortcut.Stride, 0),
			batchNormNode(shortcut.BN, shortcut.Conv, shortcut.BN, eps),
		)
		identity = shortcut.BN
	}

	sum := layer.Name + ".add"
	nodes = append(nodes,
		&onnxNode{name: sum, opType: "Add", inputs: []string{current, identity}, outputs: []string{sum}},
		&onnxNode{name: layer.Name, opType: "Relu", inputs: []string{sum}, outputs: []string{layer.Name}},
	)
	return nodes, nil
}

func convNode(name string, inputs []string, output string, kernel, stride, padding int) *onnxNode {
	node := &onnxNode{name: name, opType: "Conv", inputs: inputs, outputs: []string{output}}
	return node.
		intsAttr("kernel_shape", kernel, kernel).
		intsAttr("strides", stride, stride).
		intsAttr("pads", padding, padding, padding, padding)
}

func batchNormNode(prefix, input, output string, eps float32) *onnxNode {
	node := &onnxNode{
		name:   prefix,
		opType: "BatchNormalization",
		inputs: []string{
			input,
			prefix + ".weight",
			prefix + ".bias",
			prefix + ".running_mean",
			prefix + ".running_var",
		},
		outputs: []string{output},
	}
	return node.floatAttr("epsilon", eps)
}

// ONNXImporter reads the float initializers of an ONNX model. The graph must
// have been exported without constant folding so that initializers keep their
// state-dict names (conv1.weight, layer4.1.bn2.running_var, ...).
type ONNXImporter struct {
	// TrimPrefix is removed from initializer names, e.g. "model."
	TrimPrefix string
}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX converts an ONNX model file to a checkpoint
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}

	checkpoint, err := oi.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", path, err)
	}
	return checkpoint, nil
}

// Unmarshal decodes an ONNX ModelProto. Non floating point initializers
// (num_batches_tracked, shape constants) are skipped.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-gradcam",
			CreatedAt: time.Now(),
		},
	}
	var graph []byte
	var specJSON string

	err := walkFields(data, func(f wireField) error {
		switch f.num {
		case modelProducerName:
			checkpoint.Metadata.Producer = string(f.raw)
		case modelGraph:
			graph = f.raw
		case modelOpsetImport:
			return walkFields(f.raw, func(o wireField) error {
				if o.num == opsetVersion && int64(o.u) > checkpoint.Metadata.OpsetVersion {
					checkpoint.Metadata.OpsetVersion = int64(o.u)
				}
				return nil
			})
		case modelMetadataProps:
			var key, value string
			err := walkFields(f.raw, func(e wireField) error {
				switch e.num {
				case entryKey:
					key = string(e.raw)
				case entryValue:
					value = string(e.raw)
				}
				return nil
			})
			if err == nil && key == modelSpecKey {
				specJSON = value
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ModelProto: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	err = walkFields(graph, func(f wireField) error {
		switch f.num {
		case graphName:
			checkpoint.Metadata.Architecture = string(f.raw)
		case graphInitializer:
			t, err := decodeTensor(f.raw)
			if err != nil {
				return fmt.Errorf("initializer: %w", err)
			}
			if t.external {
				return fmt.Errorf("initializer %s uses external data, which is not supported", t.name)
			}
			values, ok, err := t.float32s()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			shape := make([]int, len(t.dims))
			for i, d := range t.dims {
				shape[i] = int(d)
			}
			name := strings.TrimPrefix(t.name, oi.TrimPrefix)
			checkpoint.Weights = append(checkpoint.Weights, NewWeightTensor(name, shape, values))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode GraphProto: %w", err)
	}

	if specJSON != "" {
		var spec layers.ModelSpec
		if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
			return nil, fmt.Errorf("failed to decode embedded model spec: %w", err)
		}
		checkpoint.ModelSpec = &spec
	}

	checkpoint.Metadata.Description = fmt.Sprintf("Imported from ONNX (producer: %s)", checkpoint.Metadata.Producer)
	return checkpoint, nil
}
