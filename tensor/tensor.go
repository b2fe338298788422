package tensor

import (
	"fmt"
	"math"
)

// Operation is a node in the autograd graph. Forward computes the output and
// records what Backward needs; Backward maps the output gradient to one
// gradient per input (nil for inputs that do not need one).
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float32 tensor living in host memory.
type Tensor struct {
	Shape        []int
	Strides      []int
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created by the user rather than by an
// operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
	}
	return t.Data[coordsToIndex(indices, t.Strides)], nil
}

// Clone returns a deep copy of the data. The copy is a leaf.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Detach returns a tensor sharing the same data but cut from the autograd
// graph. Gradients never flow through a detached tensor.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// SetData overwrites the tensor values in place.
func (t *Tensor) SetData(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

// IsFinite reports whether every element is neither NaN nor infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Equal reports whether both tensors have identical shapes and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

func coordsToIndex(coords []int, strides []int) int {
	index := 0
	for i, coord := range coords {
		index += coord * strides[i]
	}
	return index
}
