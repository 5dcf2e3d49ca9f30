// Package gradcam computes Grad-CAM class activation maps: the activation of
// a convolutional layer weighted by the spatially averaged gradient of a
// class logit with respect to it.
package gradcam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-gradcam/engine"
	"github.com/tsawler/go-gradcam/tensor"
)

// DefaultTarget is the last residual stage of a torchvision ResNet
const DefaultTarget = "layer4"

var (
	// ErrNoActivation means the hooked layer never ran
	ErrNoActivation = errors.New("no activation captured")
	// ErrNoGradient means the target logit does not depend on the activation
	ErrNoGradient = errors.New("no gradient reached the activation")
	// ErrClassOutOfRange is returned for a forced class outside the logits
	ErrClassOutOfRange = errors.New("class index out of range")
)

// Explainer runs Grad-CAM on a network
type Explainer struct {
	Network *engine.Network
	// Target names the hooked layer; a stage prefix selects its last block
	Target string
	Logger *zap.Logger
}

// Result holds every intermediate of one explanation
type Result struct {
	RunID      string
	Layer      string
	Logits     *tensor.Tensor // [1, classes]
	Probs      *tensor.Tensor // [1, classes]
	Target     int
	Activation *tensor.Tensor // [1, C, H, W]
	Gradient   *tensor.Tensor // [1, C, H, W]
	Weights    *tensor.Tensor // [1, C, 1, 1]
	Scores     []float32      // weights[0, :, 0, 0]
	Saliency   *tensor.Tensor // [1, 1, H, W]
}

// Prob returns the probability of the explained class
func (r *Result) Prob() float32 {
	return r.Probs.Data.([]float32)[r.Target]
}

// NewExplainer creates an explainer hooked on DefaultTarget
func NewExplainer(net *engine.Network, logger *zap.Logger) *Explainer {
	return &Explainer{Network: net, Target: DefaultTarget, Logger: logger}
}

// Explain runs the forward pass with a recorder on the target layer, then
// backpropagates the logit of classIndex (the most probable class when
// classIndex is negative) to the hooked activation. input must hold a single
// image.
func (e *Explainer) Explain(ctx context.Context, input *tensor.Tensor, classIndex int) (*Result, error) {
	if e.Network == nil {
		return nil, fmt.Errorf("explainer has no network")
	}
	if input == nil || len(input.Shape) == 0 || input.Shape[0] != 1 {
		return nil, fmt.Errorf("explain expects a batch of one image")
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target := e.Target
	if target == "" {
		target = DefaultTarget
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	start := time.Now()

	recorder := &Recorder{}
	handle, err := e.Network.RegisterForwardHook(target, recorder.Hook())
	if err != nil {
		return nil, err
	}
	logits, probs, err := e.Network.Predict(ctx, input)
	handle.Remove()
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	activation, err := recorder.Activation()
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", handle.Layer(), err)
	}

	classes := logits.Shape[1]
	class := classIndex
	if class < 0 {
		if class, err = tensor.ArgMax(probs); err != nil {
			return nil, err
		}
	} else if class >= classes {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrClassOutOfRange, class, classes)
	}
	logger.Debug("forward pass done",
		zap.String("layer", handle.Layer()),
		zap.Ints("activation_shape", activation.Shape),
		zap.Int("target", class),
	)

	if !logits.RequiresGrad() {
		return nil, ErrNoGradient
	}
	seed, err := tensor.OneHot(logits.Shape, class)
	if err != nil {
		return nil, err
	}
	if err := logits.Backward(seed); err != nil {
		return nil, fmt.Errorf("backward pass: %w", err)
	}
	grad := activation.Grad()
	if grad == nil {
		return nil, ErrNoGradient
	}

	weights, err := ChannelWeights(grad)
	if err != nil {
		return nil, err
	}
	scores, err := ChannelScores(weights)
	if err != nil {
		return nil, err
	}
	saliency, err := Saliency(activation, weights)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:      runID,
		Layer:      handle.Layer(),
		Logits:     logits.Detach(),
		Probs:      probs,
		Target:     class,
		Activation: activation.Detach(),
		Gradient:   grad,
		Weights:    weights,
		Scores:     scores,
		Saliency:   saliency,
	}
	logger.Info("saliency computed",
		zap.String("layer", res.Layer),
		zap.Int("target", class),
		zap.Float32("probability", res.Prob()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
