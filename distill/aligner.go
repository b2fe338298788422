package distill

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
)

// Side is one network's view of a batch: its captured per-sample [C,H,W]
// activations, the ground truth of the same samples and the sizes of the
// images the network was fed.
type Side struct {
	Role       model.Role
	Features   []*tensor.Tensor
	Targets    []detection.Target
	ImageSizes []ImageSize
}

func (s Side) validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("%s side has no activations", s.Role)
	}
	for i, f := range s.Features {
		if f.Dim() != 3 {
			return fmt.Errorf("%w: %s activation %d has shape %v, expected [C,H,W]", ErrShapeMismatch, s.Role, i, f.Shape)
		}
	}
	return nil
}

// Pair is the student and teacher representation handed to the loss. Both
// tensors have the same shape; Teacher carries no gradient.
type Pair struct {
	Student *tensor.Tensor
	Teacher *tensor.Tensor
}

// Aligner turns two sides into a Pair. Probe must be called once, with
// representative sides, before Align.
type Aligner interface {
	Probe(student, teacher Side) error
	Align(student, teacher Side) (Pair, error)
	// NamedParameters returns the learned projection, nil before Probe.
	NamedParameters() []model.NamedParameter
	Mode() string
}

// ObjectAligner samples nine anchor vectors per box, averages them per
// sample and then over the samples that have boxes, and projects the
// student's anchor axis through a learned 9→9 map.
type ObjectAligner struct {
	projection *Projection
	channels   int
}

// NewObjectAligner builds the aligner and its projection.
func NewObjectAligner(rng *rand.Rand) (*ObjectAligner, error) {
	p, err := NewProjection("distill.projection", NumAnchors, NumAnchors, rng)
	if err != nil {
		return nil, err
	}
	return &ObjectAligner{projection: p}, nil
}

func (a *ObjectAligner) Mode() string { return "object" }

// Probe checks that both networks report the same channel count.
func (a *ObjectAligner) Probe(student, teacher Side) error {
	if err := student.validate(); err != nil {
		return err
	}
	if err := teacher.validate(); err != nil {
		return err
	}
	cs, ct := student.Features[0].Shape[0], teacher.Features[0].Shape[0]
	if cs != ct {
		return fmt.Errorf("%w: student has %d channels, teacher has %d", ErrShapeMismatch, cs, ct)
	}
	a.channels = cs
	return nil
}

func (a *ObjectAligner) NamedParameters() []model.NamedParameter {
	return a.projection.NamedParameters()
}

// Align aggregates both sides and projects the student matrix.
func (a *ObjectAligner) Align(student, teacher Side) (Pair, error) {
	if a.channels == 0 {
		return Pair{}, ErrNotProbed
	}
	var t *tensor.Tensor
	err := tensor.NoGrad(func() error {
		var err error
		t, err = a.Aggregate(teacher)
		return err
	})
	if err != nil {
		return Pair{}, err
	}
	s, err := a.Aggregate(student)
	if err != nil {
		return Pair{}, err
	}
	s, err = a.projection.Forward(s)
	if err != nil {
		return Pair{}, err
	}
	if s.Shape[0] != t.Shape[0] {
		return Pair{}, fmt.Errorf("%w: student aggregate %v, teacher aggregate %v", ErrShapeMismatch, s.Shape, t.Shape)
	}
	return Pair{Student: s, Teacher: t.Detach()}, nil
}

// Aggregate returns the [C,9] anchor matrix of one side. Each sample's boxes
// are averaged first, then the per-sample matrices are averaged over the
// samples that have at least one box.
func (a *ObjectAligner) Aggregate(side Side) (*tensor.Tensor, error) {
	if err := side.validate(); err != nil {
		return nil, err
	}
	if len(side.Targets) != len(side.Features) || len(side.ImageSizes) != len(side.Features) {
		return nil, fmt.Errorf("%s side has %d activations, %d targets and %d image sizes",
			side.Role, len(side.Features), len(side.Targets), len(side.ImageSizes))
	}

	var perSample []*tensor.Tensor
	for i, fm := range side.Features {
		boxes := side.Targets[i].Boxes
		if len(boxes) == 0 {
			continue
		}
		m, err := sampleAnchors(fm, boxes, side.ImageSizes[i])
		if err != nil {
			return nil, fmt.Errorf("%s sample %d: %w", side.Role, i, err)
		}
		perSample = append(perSample, m)
	}
	if len(perSample) == 0 {
		return nil, fmt.Errorf("%s: %w", side.Role, ErrNoBoxes)
	}

	agg, err := tensor.MeanOfAutograd(perSample)
	if err != nil {
		return nil, fmt.Errorf("%w: %s activations differ in channels: %v", ErrShapeMismatch, side.Role, err)
	}
	return agg, nil
}

// sampleAnchors gathers the anchors of every box of one sample and averages
// them per anchor tag, giving [C,9].
func sampleAnchors(fm *tensor.Tensor, boxes []detection.Box, img ImageSize) (*tensor.Tensor, error) {
	h, w := fm.Shape[1], fm.Shape[2]
	points := make([]tensor.Point, 0, NumAnchors*len(boxes))
	for _, b := range boxes {
		pts := anchorPoints(b, img, h, w)
		points = append(points, pts[:]...)
	}

	gathered, err := tensor.GatherAutograd(fm, points)
	if err != nil {
		return nil, err
	}
	avg, err := groupMeanMatrix(len(boxes), NumAnchors)
	if err != nil {
		return nil, err
	}
	return tensor.MatMulAutograd(gathered, avg)
}

// IsConfigError reports whether err is fatal for the run rather than for one
// batch.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrShapeMismatch) || errors.Is(err, ErrNotProbed)
}
