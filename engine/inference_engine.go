package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-gradcam/checkpoints"
	"github.com/tsawler/go-gradcam/layers"
	"github.com/tsawler/go-gradcam/tensor"
)

// ErrUnknownLayer is returned when a hook target names no layer of the model
var ErrUnknownLayer = errors.New("unknown layer")

// Network executes a compiled ModelSpec on the CPU in eval mode. Parameters
// are frozen: they never require grad, so a backward pass only walks the part
// of the graph downstream of a tensor a caller marked with SetRequiresGrad.
type Network struct {
	spec   *layers.ModelSpec
	params map[string]*tensor.Tensor
	logger *zap.Logger

	mu     sync.Mutex
	hooks  map[int][]*hookEntry
	nextID int
}

// Option configures a Network
type Option func(*Network)

// WithLogger sets the logger used for load and per-layer debug messages
func WithLogger(logger *zap.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithWorkers sets the number of goroutines the tensor kernels may use.
// The setting is process wide.
func WithWorkers(workers int) Option {
	return func(n *Network) {
		if workers > 0 {
			tensor.SetWorkers(workers)
		}
	}
}

// NewNetwork binds weights to a compiled spec. Every tensor the spec names
// must be present with the right shape; extra weights are ignored.
func NewNetwork(spec *layers.ModelSpec, weights []checkpoints.WeightTensor, opts ...Option) (*Network, error) {
	n := &Network{
		spec:   spec,
		logger: zap.NewNop(),
		hooks:  make(map[int][]*hookEntry),
	}
	for _, opt := range opts {
		opt(n)
	}

	if spec == nil {
		return nil, fmt.Errorf("model spec is nil")
	}
	if err := spec.ValidateModelForInference(); err != nil {
		return nil, fmt.Errorf("model validation failed: %w", err)
	}
	if err := checkpoints.ValidateWeights(spec, weights); err != nil {
		return nil, fmt.Errorf("weights do not match model: %w", err)
	}

	byName := checkpoints.WeightMap(weights)
	n.params = make(map[string]*tensor.Tensor, len(spec.Tensors))
	for _, p := range spec.Tensors {
		w := byName[p.Name]
		data := make([]float32, len(w.Data))
		copy(data, w.Data)
		t, err := tensor.NewTensor(p.Shape, tensor.Float32, tensor.CPU, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create parameter %s: %w", p.Name, err)
		}
		n.params[p.Name] = t
	}

	n.logger.Info("network ready",
		zap.Int("layers", len(spec.Layers)),
		zap.Int("tensors", len(n.params)),
		zap.Int64("parameters", spec.TotalParameters),
		zap.Int("workers", tensor.Workers()),
	)
	return n, nil
}

// Spec returns the model specification
func (n *Network) Spec() *layers.ModelSpec {
	return n.spec
}

// Parameter returns a named parameter or buffer
func (n *Network) Parameter(name string) (*tensor.Tensor, bool) {
	t, ok := n.params[name]
	return t, ok
}

// Forward evaluates the network layer by layer and returns the output of the
// last layer. Registered hooks fire after their layer with the tensor that
// the next layer consumes. ctx is checked between layers.
func (n *Network) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}

	current := x
	for i := range n.spec.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		layer := &n.spec.Layers[i]
		start := time.Now()
		out, err := n.runLayer(layer, current)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", layer.Name, layer.Type, err)
		}
		n.logger.Debug("layer forward",
			zap.String("layer", layer.Name),
			zap.Ints("output_shape", out.Shape),
			zap.Duration("elapsed", time.Since(start)),
		)

		for _, h := range n.hooksFor(i) {
			h.fn(layer.Name, current, out)
		}
		current = out
	}
	return current, nil
}

// Predict runs Forward and returns the logits with their softmax
func (n *Network) Predict(ctx context.Context, x *tensor.Tensor) (logits, probs *tensor.Tensor, err error) {
	logits, err = n.Forward(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	if len(logits.Shape) != 2 {
		return nil, nil, fmt.Errorf("expected 2D logits, got %v", logits.Shape)
	}
	probs, err = tensor.Softmax(logits)
	if err != nil {
		return nil, nil, fmt.Errorf("softmax: %w", err)
	}
	return logits, probs, nil
}

func (n *Network) checkInput(x *tensor.Tensor) error {
	if x == nil {
		return fmt.Errorf("input tensor is nil")
	}
	if x.DType != tensor.Float32 {
		return fmt.Errorf("input must be Float32, got %s", x.DType)
	}
	want := n.spec.InputShape
	if len(x.Shape) != len(want) {
		return fmt.Errorf("input shape %v does not match model input %v", x.Shape, want)
	}
	// Batch size may differ from the compiled one
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v does not match model input %v", x.Shape, want)
		}
	}
	return nil
}
