package tensor

import (
	"fmt"
)

// gradEnabled is flipped by NoGrad. The package assumes a single training
// goroutine, so no synchronisation is applied.
var gradEnabled = true

// NoGrad runs fn with graph recording disabled. Tensors produced inside fn are
// never connected to their inputs, so no gradient can flow back through them.
func NoGrad(fn func() error) error {
	prev := gradEnabled
	gradEnabled = false
	defer func() { gradEnabled = prev }()
	return fn()
}

// IsGradEnabled reports whether operations currently record the graph.
func IsGradEnabled() bool {
	return gradEnabled
}

// record attaches op as the creator of out when any input needs a gradient.
func record(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if !gradEnabled {
		return out
	}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// Backward computes gradients of a scalar tensor with respect to every leaf
// that requires them. Leaf gradients accumulate across calls until ZeroGrad.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}

	order := topologicalOrder(t)

	seed, err := Ones(t.Shape)
	if err != nil {
		return err
	}
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if err := node.accumulateGrad(g); err != nil {
				return err
			}
			continue
		}

		inputs := node.creator.Inputs()
		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %w", err)
		}
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			ig := inputGrads[j]
			if in == nil || ig == nil || !in.requiresGrad {
				continue
			}
			if !shapesEqual(ig.Shape, in.Shape) {
				return fmt.Errorf("gradient shape %v does not match input shape %v", ig.Shape, in.Shape)
			}
			if prev, ok := grads[in]; ok {
				sum, err := Add(prev, ig)
				if err != nil {
					return err
				}
				grads[in] = sum
			} else {
				grads[in] = ig
			}
		}
	}

	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.grad == nil {
		t.grad = g.Clone()
		t.grad.requiresGrad = false
		return nil
	}
	if !shapesEqual(t.grad.Shape, g.Shape) {
		return fmt.Errorf("gradient shape %v does not match accumulated shape %v", g.Shape, t.grad.Shape)
	}
	for i := range t.grad.Data {
		t.grad.Data[i] += g.Data[i]
	}
	return nil
}

// topologicalOrder returns the graph rooted at t with inputs before outputs.
func topologicalOrder(t *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				if in != nil && in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, n)
	}
	visit(t)

	return order
}

// ZeroGrad clears the gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
