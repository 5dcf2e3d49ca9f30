package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/go-gradcam/tensor"
)

// HookFunc observes a layer during Forward. output is the tensor passed on to
// the next layer, so marking it with SetRequiresGrad makes the rest of the
// forward pass differentiable with respect to it.
type HookFunc func(name string, input, output *tensor.Tensor)

type hookEntry struct {
	id int
	fn HookFunc
}

// HookHandle removes a registered hook
type HookHandle struct {
	net   *Network
	layer int
	id    int
	once  sync.Once
}

// RegisterForwardHook attaches fn to the layer named target. A stage prefix
// such as "layer4" addresses the last layer of that stage.
func (n *Network) RegisterForwardHook(target string, fn HookFunc) (*HookHandle, error) {
	if fn == nil {
		return nil, fmt.Errorf("hook function is nil")
	}
	matches := n.spec.FindLayers(target)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, target)
	}
	layer := matches[len(matches)-1]

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.hooks[layer] = append(n.hooks[layer], &hookEntry{id: id, fn: fn})
	n.mu.Unlock()

	n.logger.Debug("forward hook registered",
		zap.String("target", target),
		zap.String("layer", n.spec.Layers[layer].Name),
	)
	return &HookHandle{net: n, layer: layer, id: id}, nil
}

// Layer returns the name of the layer the hook is attached to
func (h *HookHandle) Layer() string {
	return h.net.spec.Layers[h.layer].Name
}

// Remove detaches the hook. Calling it more than once is a no-op.
func (h *HookHandle) Remove() {
	h.once.Do(func() {
		n := h.net
		n.mu.Lock()
		defer n.mu.Unlock()

		entries := n.hooks[h.layer]
		for i, e := range entries {
			if e.id == h.id {
				n.hooks[h.layer] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(n.hooks[h.layer]) == 0 {
			delete(n.hooks, h.layer)
		}
	})
}

// hooksFor snapshots the hooks of a layer so they can run without the lock
func (n *Network) hooksFor(layer int) []*hookEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	entries := n.hooks[layer]
	if len(entries) == 0 {
		return nil
	}
	return append([]*hookEntry(nil), entries...)
}
