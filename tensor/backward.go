package tensor

import (
	"errors"
	"fmt"
)

// ErrNoGradGraph is returned when Backward is called on a tensor that does
// not require grad.
var ErrNoGradGraph = errors.New("tensor does not require grad")

// Backward propagates seed (dL/dt) through the recorded graph and accumulates
// gradients into every tensor on the way that requires grad, intermediate
// results included. A nil seed is allowed for one-element tensors and means 1.
func (t *Tensor) Backward(seed *Tensor) error {
	if !t.requiresGrad {
		return ErrNoGradGraph
	}

	if seed == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("backward without a seed needs a one-element tensor, got shape %v", t.Shape)
		}
		seed = FromScalar(1)
	}
	if seed.NumElems != t.NumElems {
		return fmt.Errorf("seed shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}
	seed = seed.Detach()
	seed.Shape = append([]int(nil), t.Shape...)
	seed.Strides = calculateStrides(seed.Shape)

	order := topoOrder(t)
	pending := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := pending[node]
		if !ok {
			continue
		}
		delete(pending, node)

		acc, err := accumulate(node.grad, g)
		if err != nil {
			return fmt.Errorf("accumulating gradient: %w", err)
		}
		node.grad = acc

		if node.creator == nil {
			continue
		}
		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T: %w", node.creator, err)
		}
		for j, in := range node.creator.Inputs() {
			if !wants(in) || j >= len(inGrads) || inGrads[j] == nil {
				continue
			}
			sum, err := accumulate(pending[in], inGrads[j])
			if err != nil {
				return fmt.Errorf("accumulating gradient for %T input %d: %w", node.creator, j, err)
			}
			pending[in] = sum
		}
	}
	return nil
}

// topoOrder lists the grad-requiring ancestors of root so that every tensor
// appears after the inputs of its creator.
func topoOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}

		advanced := false
		for top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if wants(in) && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{node: in})
				advanced = true
				break
			}
		}
		if advanced {
			continue
		}

		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

func accumulate(existing, g *Tensor) (*Tensor, error) {
	if existing == nil {
		return g.Detach(), nil
	}
	sum, err := Add(existing, g)
	if err != nil {
		return nil, err
	}
	return sum, nil
}
