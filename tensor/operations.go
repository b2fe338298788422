package tensor

import (
	"fmt"
	"math"
)

// broadcast describes how the right operand of a binary operation is expanded
// to the shape of the left one.
type broadcast int

const (
	broadcastNone   broadcast = iota // identical shapes
	broadcastScalar                  // right operand has shape [1]
	broadcastRow                     // left is [R,C], right is [C]
)

func broadcastMode(a, b []int) (broadcast, error) {
	if shapesEqual(a, b) {
		return broadcastNone, nil
	}
	if len(b) == 1 && b[0] == 1 {
		return broadcastScalar, nil
	}
	if len(a) == 2 && len(b) == 1 && b[0] == a[1] {
		return broadcastRow, nil
	}
	return broadcastNone, fmt.Errorf("shapes %v and %v cannot be broadcast", a, b)
}

func (m broadcast) index(i, cols int) int {
	switch m {
	case broadcastScalar:
		return 0
	case broadcastRow:
		return i % cols
	default:
		return i
	}
}

// reduceTo sums a full-size gradient down to the shape of the broadcast operand.
func (m broadcast) reduceTo(grad *Tensor, shape []int) (*Tensor, error) {
	switch m {
	case broadcastScalar:
		return Sum(grad), nil
	case broadcastRow:
		out, err := Zeros(shape)
		if err != nil {
			return nil, err
		}
		cols := shape[0]
		for i, v := range grad.Data {
			out.Data[i%cols] += v
		}
		return out, nil
	default:
		return grad, nil
	}
}

func binary(a, b *Tensor, f func(x, y float32) float32) (*Tensor, broadcast, error) {
	mode, err := broadcastMode(a.Shape, b.Shape)
	if err != nil {
		return nil, mode, err
	}
	out, err := Zeros(a.Shape)
	if err != nil {
		return nil, mode, err
	}
	cols := a.Shape[len(a.Shape)-1]
	for i := range out.Data {
		out.Data[i] = f(a.Data[i], b.Data[mode.index(i, cols)])
	}
	return out, mode, nil
}

// ordered puts the larger operand first for commutative operations.
func ordered(a, b *Tensor) (*Tensor, *Tensor) {
	if a.NumElems < b.NumElems {
		return b, a
	}
	return a, b
}

func Add(a, b *Tensor) (*Tensor, error) {
	a, b = ordered(a, b)
	out, _, err := binary(a, b, func(x, y float32) float32 { return x + y })
	return out, err
}

func Sub(a, b *Tensor) (*Tensor, error) {
	out, _, err := binary(a, b, func(x, y float32) float32 { return x - y })
	return out, err
}

func Mul(a, b *Tensor) (*Tensor, error) {
	a, b = ordered(a, b)
	out, _, err := binary(a, b, func(x, y float32) float32 { return x * y })
	return out, err
}

// Scale multiplies every element by a constant.
func Scale(t *Tensor, s float64) *Tensor {
	out := t.Clone()
	out.requiresGrad = false
	for i := range out.Data {
		out.Data[i] = float32(float64(out.Data[i]) * s)
	}
	return out
}

// Sum adds every element into a tensor of shape [1].
func Sum(t *Tensor) *Tensor {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return FromScalar(sum)
}

// Mean averages every element into a tensor of shape [1].
func Mean(t *Tensor) *Tensor {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return FromScalar(sum / float64(t.NumElems))
}

func Sqrt(t *Tensor) *Tensor {
	out := t.Clone()
	out.requiresGrad = false
	for i, v := range out.Data {
		out.Data[i] = float32(math.Sqrt(float64(v)))
	}
	return out
}

// AddOp adds two tensors, broadcasting a scalar or a row vector on the right.
type AddOp struct {
	inputs []*Tensor
	mode   broadcast
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs")
	}
	a, b := ordered(inputs[0], inputs[1])
	op.inputs = []*Tensor{a, b}

	out, mode, err := binary(a, b, func(x, y float32) float32 { return x + y })
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	op.mode = mode
	return record(out, op, a, b), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradB, err := op.mode.reduceTo(gradOut, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, gradB}, nil
}

// SubOp subtracts the right operand from the left one.
type SubOp struct {
	inputs []*Tensor
	mode   broadcast
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	out, mode, err := binary(inputs[0], inputs[1], func(x, y float32) float32 { return x - y })
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	op.mode = mode
	return record(out, op, inputs...), nil
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradB, err := op.mode.reduceTo(Scale(gradOut, -1), op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, gradB}, nil
}

// MulOp multiplies element-wise.
type MulOp struct {
	inputs []*Tensor
	mode   broadcast
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs")
	}
	a, b := ordered(inputs[0], inputs[1])
	op.inputs = []*Tensor{a, b}

	out, mode, err := binary(a, b, func(x, y float32) float32 { return x * y })
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	op.mode = mode
	return record(out, op, a, b), nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	cols := a.Shape[len(a.Shape)-1]

	// ∂(a*b)/∂a = b, ∂(a*b)/∂b = a
	gradA, err := Zeros(a.Shape)
	if err != nil {
		return nil, err
	}
	full, err := Zeros(a.Shape)
	if err != nil {
		return nil, err
	}
	for i, g := range gradOut.Data {
		gradA.Data[i] = g * b.Data[op.mode.index(i, cols)]
		full.Data[i] = g * a.Data[i]
	}
	gradB, err := op.mode.reduceTo(full, b.Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp requires exactly 1 input")
	}
	op.inputs = inputs
	return record(Scale(inputs[0], op.factor), op, inputs[0]), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{Scale(gradOut, op.factor)}, nil
}

// MeanOp averages all elements into a scalar.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("MeanOp requires exactly 1 input")
	}
	op.inputs = inputs
	return record(Mean(inputs[0]), op, inputs[0]), nil
}

func (op *MeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	return []*Tensor{mustFull(in.Shape, gradOut.Data[0]/float32(in.NumElems))}, nil
}

// ReLUOp clamps negative values to zero.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs
	out := inputs[0].Clone()
	out.requiresGrad = false
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return record(out, op, inputs[0]), nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	grad := gradOut.Clone()
	for i := range grad.Data {
		if in.Data[i] <= 0 {
			grad.Data[i] = 0
		}
	}
	return []*Tensor{grad}, nil
}

func mustFull(shape []int, v float32) *Tensor {
	t, err := Full(shape, v)
	if err != nil {
		panic(fmt.Sprintf("invalid shape %v: %v", shape, err))
	}
	return t
}

// High-level autograd functions that create and execute operations

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	return (&SubOp{}).Forward(a, b)
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MulOp{}).Forward(a, b)
}

func ScaleAutograd(t *Tensor, factor float64) (*Tensor, error) {
	return (&ScaleOp{factor: factor}).Forward(t)
}

func MeanAutograd(t *Tensor) (*Tensor, error) {
	return (&MeanOp{}).Forward(t)
}

func ReLUAutograd(t *Tensor) (*Tensor, error) {
	return (&ReLUOp{}).Forward(t)
}
