package gradcam

import (
	"sync"

	"github.com/tsawler/go-gradcam/engine"
	"github.com/tsawler/go-gradcam/tensor"
)

// Recorder records the outputs of the layer it is hooked on
type Recorder struct {
	mu   sync.Mutex
	data []*tensor.Tensor
}

// Hook returns a forward hook that appends the layer output to the recorder and
// marks it to require grad, so that the gradient of the logits with respect
// to it is retained by the backward pass. Calling Hook resets the recorder.
func (r *Recorder) Hook() engine.HookFunc {
	r.mu.Lock()
	r.data = nil
	r.mu.Unlock()

	return func(_ string, _, output *tensor.Tensor) {
		output.SetRequiresGrad(true)
		r.mu.Lock()
		r.data = append(r.data, output)
		r.mu.Unlock()
	}
}

// Data returns every captured output in capture order
func (r *Recorder) Data() []*tensor.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*tensor.Tensor(nil), r.data...)
}

// Activation returns the first captured output
func (r *Recorder) Activation() (*tensor.Tensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return nil, ErrNoActivation
	}
	return r.data[0], nil
}
