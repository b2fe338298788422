// Package model defines the contract between the training engine and the
// detection networks it drives.
package model

import (
	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
)

// Output is the result of one forward pass. In training mode Losses holds the
// named detection loss terms; in eval mode Detections holds one record per
// input image. Activations always carries the per-sample [C,H,W] feature maps
// of the network's capture point, in input order.
type Output struct {
	Losses      map[string]*tensor.Tensor
	Detections  []detection.Detections
	Activations []*tensor.Tensor
}

// TotalLoss sums the loss terms in a deterministic order.
func (o *Output) TotalLoss() (*tensor.Tensor, error) {
	var total *tensor.Tensor
	for _, name := range SortedKeys(o.Losses) {
		l := o.Losses[name]
		if total == nil {
			total = l
			continue
		}
		sum, err := tensor.AddAutograd(total, l)
		if err != nil {
			return nil, err
		}
		total = sum
	}
	if total == nil {
		return nil, ErrNoLoss
	}
	return total, nil
}

// NamedParameter pairs a trainable tensor with a stable name used by
// checkpoints.
type NamedParameter struct {
	Name  string
	Value *tensor.Tensor
}

// Network is a detection network with one designated capture point.
type Network interface {
	Train()
	Eval()
	IsTraining() bool

	// Forward runs the network on a batch. targets may be nil in eval mode.
	Forward(images []*tensor.Tensor, targets []detection.Target) (*Output, error)

	Parameters() []*tensor.Tensor
	NamedParameters() []NamedParameter

	// CapturePoint names the sub-module whose output is reported in
	// Output.Activations.
	CapturePoint() string
}

// InputSizer is implemented by networks that resize their input. Predictors
// use it to map boxes back to original image coordinates.
type InputSizer interface {
	InputSize() (height, width int)
}

// Role identifies one side of the distillation pair.
type Role string

const (
	Teacher Role = "teacher"
	Student Role = "student"
)

func (r Role) String() string { return string(r) }

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == Teacher || r == Student
}
