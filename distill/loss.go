package distill

import (
	"fmt"

	"github.com/tsawler/lesion-distill/tensor"
)

// Loss is the temperature-scaled distillation objective
//
//	KL(softmax(teacher/T) || softmax(student/T)) * Alpha * T^2
//
// with the softmax over the last axis and the divergence averaged over rows.
type Loss struct {
	Temperature float64
	Alpha       float64
}

// Validate rejects a non-positive temperature or a negative weight.
func (l Loss) Validate() error {
	if l.Temperature <= 0 {
		return fmt.Errorf("distillation temperature must be positive, got %g", l.Temperature)
	}
	if l.Alpha < 0 {
		return fmt.Errorf("distillation alpha must be non-negative, got %g", l.Alpha)
	}
	return nil
}

// Compute scores a pair. The teacher side never receives a gradient.
func (l Loss) Compute(p Pair) (*tensor.Tensor, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if p.Student == nil || p.Teacher == nil {
		return nil, fmt.Errorf("distillation pair is incomplete")
	}
	if p.Student.Dim() != 2 || p.Teacher.Dim() != 2 ||
		p.Student.Shape[0] != p.Teacher.Shape[0] || p.Student.Shape[1] != p.Teacher.Shape[1] {
		return nil, fmt.Errorf("%w: loss got %v and %v", ErrShapeMismatch, p.Student.Shape, p.Teacher.Shape)
	}
	kl, err := tensor.KLDivAutograd(p.Student, p.Teacher.Detach(), l.Temperature)
	if err != nil {
		return nil, err
	}
	return tensor.ScaleAutograd(kl, l.Alpha*l.Temperature*l.Temperature)
}
