package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor of the given shape. A nil data slice allocates
// zeros; otherwise the slice is used as backing storage without copying.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar returns a one-element tensor of shape [1].
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}

// RandomUniform fills a tensor with values drawn from U(-bound, bound).
func RandomUniform(shape []int, bound float64, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t, nil
}

// Parameter creates a leaf tensor that requires gradients.
func Parameter(shape []int, data []float32) (*Tensor, error) {
	t, err := NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	t.requiresGrad = true
	return t, nil
}
