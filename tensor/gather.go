package tensor

import (
	"fmt"
)

// Point addresses one spatial location (row, column) of a [C,H,W] tensor.
type Point struct {
	Y, X int
}

// Gather reads the channel vectors of a [C,H,W] tensor at the given points and
// returns them as the columns of a [C,len(points)] matrix.
func Gather(fm *Tensor, points []Point) (*Tensor, error) {
	if len(fm.Shape) != 3 {
		return nil, fmt.Errorf("Gather requires a [C,H,W] tensor, got shape %v", fm.Shape)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("Gather requires at least one point")
	}
	c, h, w := fm.Shape[0], fm.Shape[1], fm.Shape[2]
	for _, p := range points {
		if p.Y < 0 || p.Y >= h || p.X < 0 || p.X >= w {
			return nil, fmt.Errorf("point (%d,%d) out of bounds for feature map %dx%d", p.Y, p.X, h, w)
		}
	}

	out, err := Zeros([]int{c, len(points)})
	if err != nil {
		return nil, err
	}
	n := len(points)
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		for j, p := range points {
			out.Data[ch*n+j] = fm.Data[base+p.Y*w+p.X]
		}
	}
	return out, nil
}

// GatherOp is the autograd version of Gather. The gradient scatters back into
// the sampled locations and accumulates when a point repeats.
type GatherOp struct {
	inputs []*Tensor
	points []Point
}

func (op *GatherOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("GatherOp requires exactly 1 input")
	}
	op.inputs = inputs
	out, err := Gather(inputs[0], op.points)
	if err != nil {
		return nil, err
	}
	return record(out, op, inputs[0]), nil
}

func (op *GatherOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	fm := op.inputs[0]
	grad, err := Zeros(fm.Shape)
	if err != nil {
		return nil, err
	}
	c, h, w := fm.Shape[0], fm.Shape[1], fm.Shape[2]
	n := len(op.points)
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		for j, p := range op.points {
			grad.Data[base+p.Y*w+p.X] += gradOut.Data[ch*n+j]
		}
	}
	return []*Tensor{grad}, nil
}

// MeanOfOp averages several tensors of identical shape element-wise.
type MeanOfOp struct {
	inputs []*Tensor
}

func (op *MeanOfOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOfOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("MeanOfOp requires at least 1 input")
	}
	op.inputs = inputs

	out, err := Zeros(inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if !shapesEqual(in.Shape, out.Shape) {
			return nil, fmt.Errorf("MeanOfOp shape mismatch: %v vs %v", in.Shape, out.Shape)
		}
		for i, v := range in.Data {
			out.Data[i] += v
		}
	}
	k := float32(len(inputs))
	for i := range out.Data {
		out.Data[i] /= k
	}
	return record(out, op, inputs...), nil
}

func (op *MeanOfOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := Scale(gradOut, 1/float64(len(op.inputs)))
	grads := make([]*Tensor, len(op.inputs))
	for i := range grads {
		grads[i] = g
	}
	return grads, nil
}

func GatherAutograd(fm *Tensor, points []Point) (*Tensor, error) {
	return (&GatherOp{points: points}).Forward(fm)
}

func MeanOfAutograd(inputs []*Tensor) (*Tensor, error) {
	return (&MeanOfOp{}).Forward(inputs...)
}
