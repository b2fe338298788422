package tensor

import (
	"fmt"
)

// MatMul multiplies two 2-D tensors: [m,k] @ [k,n] -> [m,n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}

	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("incompatible matrix dimensions: %v and %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{m, n})
	if err != nil {
		return nil, err
	}

	for i := 0; i < m; i++ {
		row := t1.Data[i*k : (i+1)*k]
		out := result.Data[i*n : (i+1)*n]
		for p, a := range row {
			if a == 0 {
				continue
			}
			col := t2.Data[p*n : (p+1)*n]
			for j, b := range col {
				out[j] += a * b
			}
		}
	}

	return result, nil
}

// Transpose swaps the two axes of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// Reshape returns a view of t with a new shape and the same number of elements.
// The result shares storage with t and is a leaf.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
	}
	s := make([]int, len(newShape))
	copy(s, newShape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// MatMulOp implements the Operation interface for matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return record(result, op, inputs...), nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(A @ B)/∂A = gradOut @ B^T, ∂(A @ B)/∂B = A^T @ gradOut
	var gradA, gradB *Tensor
	if a.requiresGrad {
		bT, err := Transpose(b)
		if err != nil {
			return nil, err
		}
		if gradA, err = MatMul(gradOut, bT); err != nil {
			return nil, fmt.Errorf("backward pass failed for gradA: %w", err)
		}
	}
	if b.requiresGrad {
		aT, err := Transpose(a)
		if err != nil {
			return nil, err
		}
		if gradB, err = MatMul(aT, gradOut); err != nil {
			return nil, fmt.Errorf("backward pass failed for gradB: %w", err)
		}
	}
	return []*Tensor{gradA, gradB}, nil
}

// ReshapeOp changes the shape while keeping the gradient connection.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input")
	}
	op.inputs = inputs
	out, err := Reshape(inputs[0], op.shape)
	if err != nil {
		return nil, err
	}
	return record(out, op, inputs[0]), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MatMulOp{}).Forward(a, b)
}

func ReshapeAutograd(t *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{shape: shape}).Forward(t)
}
