package distill

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
)

// ImageAligner ignores box geometry: each side's activations are flattened to
// [C, H*W] and averaged over the batch, and the student's spatial axis is
// projected onto the teacher's.
type ImageAligner struct {
	rng        *rand.Rand
	projection *Projection
}

// NewImageAligner returns an aligner whose projection is sized by Probe.
func NewImageAligner(rng *rand.Rand) *ImageAligner {
	return &ImageAligner{rng: rng}
}

func (a *ImageAligner) Mode() string { return "image" }

// Probe sizes the projection from one batch of each side. Probing again with
// the same dimensions is a no-op.
func (a *ImageAligner) Probe(student, teacher Side) error {
	s, err := pooledShape(student)
	if err != nil {
		return err
	}
	t, err := pooledShape(teacher)
	if err != nil {
		return err
	}
	if s[0] != t[0] {
		return fmt.Errorf("%w: student has %d channels, teacher has %d", ErrShapeMismatch, s[0], t[0])
	}

	if a.projection != nil {
		if a.projection.In() != s[1] || a.projection.Out() != t[1] {
			return fmt.Errorf("%w: aligner already probed for %d -> %d, got %d -> %d",
				ErrShapeMismatch, a.projection.In(), a.projection.Out(), s[1], t[1])
		}
		return nil
	}
	p, err := NewProjection("distill.projection", s[1], t[1], a.rng)
	if err != nil {
		return err
	}
	a.projection = p
	return nil
}

func (a *ImageAligner) NamedParameters() []model.NamedParameter {
	if a.projection == nil {
		return nil
	}
	return a.projection.NamedParameters()
}

// Align pools both sides and projects the student.
func (a *ImageAligner) Align(student, teacher Side) (Pair, error) {
	if a.projection == nil {
		return Pair{}, ErrNotProbed
	}
	var t *tensor.Tensor
	err := tensor.NoGrad(func() error {
		var err error
		t, err = pool(teacher)
		return err
	})
	if err != nil {
		return Pair{}, err
	}
	s, err := pool(student)
	if err != nil {
		return Pair{}, err
	}
	s, err = a.projection.Forward(s)
	if err != nil {
		return Pair{}, err
	}
	if s.Shape[0] != t.Shape[0] || s.Shape[1] != t.Shape[1] {
		return Pair{}, fmt.Errorf("%w: projected student %v, teacher %v", ErrShapeMismatch, s.Shape, t.Shape)
	}
	return Pair{Student: s, Teacher: t.Detach()}, nil
}

func pooledShape(side Side) ([2]int, error) {
	if err := side.validate(); err != nil {
		return [2]int{}, err
	}
	f := side.Features[0]
	return [2]int{f.Shape[0], f.Shape[1] * f.Shape[2]}, nil
}

// pool flattens every activation to [C, H*W] and averages over the batch.
func pool(side Side) (*tensor.Tensor, error) {
	if err := side.validate(); err != nil {
		return nil, err
	}
	first := side.Features[0].Shape
	flat := make([]*tensor.Tensor, len(side.Features))
	for i, f := range side.Features {
		if f.Shape[0] != first[0] || f.Shape[1] != first[1] || f.Shape[2] != first[2] {
			return nil, fmt.Errorf("%w: %s activation %d has shape %v, batch started with %v",
				ErrShapeMismatch, side.Role, i, f.Shape, first)
		}
		r, err := tensor.ReshapeAutograd(f, []int{f.Shape[0], f.Shape[1] * f.Shape[2]})
		if err != nil {
			return nil, err
		}
		flat[i] = r
	}
	return tensor.MeanOfAutograd(flat)
}
