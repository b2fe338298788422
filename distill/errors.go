// Package distill turns the intermediate activations of a teacher and a
// student detector into comparable representations and scores them.
package distill

import "errors"

var (
	// ErrNoBoxes is returned when no sample of a batch has a box to sample
	// anchors from.
	ErrNoBoxes = errors.New("no sample in the batch has boxes")

	// ErrShapeMismatch marks incompatible student and teacher representations.
	// It is a configuration error.
	ErrShapeMismatch = errors.New("student and teacher shapes are incompatible")

	// ErrNotProbed is returned by Align before Probe has sized the projection.
	ErrNotProbed = errors.New("aligner has not been probed")

	// ErrNoCapture is returned when a tap slot is empty.
	ErrNoCapture = errors.New("no activation captured")
)
