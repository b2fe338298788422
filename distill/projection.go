package distill

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
)

// Projection is a learned linear map applied along the last axis of a
// [rows, in] matrix: y = x·W + b.
type Projection struct {
	Weight *tensor.Tensor // [in, out]
	Bias   *tensor.Tensor // [out]
	name   string
}

// NewProjection initialises weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewProjection(name string, in, out int, rng *rand.Rand) (*Projection, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("projection dimensions must be positive, got %d -> %d", in, out)
	}
	bound := 1 / math.Sqrt(float64(in))
	w, err := tensor.RandomUniform([]int{in, out}, bound, rng)
	if err != nil {
		return nil, err
	}
	b, err := tensor.RandomUniform([]int{out}, bound, rng)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &Projection{Weight: w, Bias: b, name: name}, nil
}

// In returns the input width.
func (p *Projection) In() int { return p.Weight.Shape[0] }

// Out returns the output width.
func (p *Projection) Out() int { return p.Weight.Shape[1] }

// Forward projects x of shape [rows, in] to [rows, out].
func (p *Projection) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != p.In() {
		return nil, fmt.Errorf("%w: projection expects [*, %d], got %v", ErrShapeMismatch, p.In(), x.Shape)
	}
	y, err := tensor.MatMulAutograd(x, p.Weight)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(y, p.Bias)
}

// NamedParameters returns the weight and bias under the projection's name.
func (p *Projection) NamedParameters() []model.NamedParameter {
	return []model.NamedParameter{
		{Name: p.name + ".weight", Value: p.Weight},
		{Name: p.name + ".bias", Value: p.Bias},
	}
}
