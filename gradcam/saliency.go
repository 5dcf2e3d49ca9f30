package gradcam

import (
	"fmt"

	"github.com/tsawler/go-gradcam/tensor"
)

// ChannelWeights averages a [N, C, H, W] gradient over its spatial
// dimensions, keeping them: [N, C, 1, 1].
func ChannelWeights(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if grad == nil || len(grad.Shape) != 4 {
		return nil, fmt.Errorf("channel weights need a 4D gradient")
	}
	return tensor.Mean(grad, []int{-2, -1}, true)
}

// Saliency weights each activation channel, sums over channels and clamps
// negative evidence: relu(sum_c(activation * weights)) with shape [N, 1, H, W].
func Saliency(activation, weights *tensor.Tensor) (*tensor.Tensor, error) {
	if activation == nil || len(activation.Shape) != 4 {
		return nil, fmt.Errorf("saliency needs a 4D activation")
	}
	if weights == nil || len(weights.Shape) != 4 || weights.Shape[1] != activation.Shape[1] {
		return nil, fmt.Errorf("weights %v do not match activation %v", shapeOf(weights), activation.Shape)
	}

	weighted, err := tensor.MulBroadcast(activation.Detach(), weights)
	if err != nil {
		return nil, fmt.Errorf("weighting activation: %w", err)
	}
	summed, err := tensor.Sum(weighted, 1, true)
	if err != nil {
		return nil, fmt.Errorf("summing channels: %w", err)
	}
	return tensor.ClampMin(summed, 0)
}

// ChannelScores returns weights[0, :, 0, 0]
func ChannelScores(weights *tensor.Tensor) ([]float32, error) {
	if weights == nil || len(weights.Shape) != 4 || weights.Shape[2] != 1 || weights.Shape[3] != 1 {
		return nil, fmt.Errorf("expected [N, C, 1, 1] weights, got %v", shapeOf(weights))
	}
	data, err := weights.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	scores := make([]float32, weights.Shape[1])
	copy(scores, data[:weights.Shape[1]])
	return scores, nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
