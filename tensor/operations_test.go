package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestCreation(t *testing.T) {
	if _, err := NewTensor([]int{2, 0}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewTensor(nil, nil); err == nil {
		t.Error("expected error for empty shape")
	}
	if _, err := NewTensor([]int{2}, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for data length mismatch")
	}

	full, err := Full([]int{2, 2}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(full.Data, []float32{3, 3, 3, 3}) {
		t.Errorf("Full = %v", full.Data)
	}

	r, err := RandomUniform([]int{64}, 0.5, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range r.Data {
		if v < -0.5 || v > 0.5 {
			t.Fatalf("RandomUniform value %v outside [-0.5, 0.5]", v)
		}
	}

	p, err := Parameter([]int{1}, []float32{1})
	if err != nil {
		t.Fatal(err)
	}
	if !p.RequiresGrad() || !p.IsLeaf() {
		t.Error("Parameter should be a leaf that requires grad")
	}
}

func TestElementwise(t *testing.T) {
	m, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	row, _ := NewTensor([]int{2}, []float32{10, 20})
	one := FromScalar(2)

	tests := []struct {
		name string
		fn   func() (*Tensor, error)
		want []float32
	}{
		{"add same shape", func() (*Tensor, error) { return Add(m, m) }, []float32{2, 4, 6, 8}},
		{"add row", func() (*Tensor, error) { return Add(m, row) }, []float32{11, 22, 13, 24}},
		{"add row first", func() (*Tensor, error) { return Add(row, m) }, []float32{11, 22, 13, 24}},
		{"sub scalar", func() (*Tensor, error) { return Sub(m, one) }, []float32{-1, 0, 1, 2}},
		{"mul scalar", func() (*Tensor, error) { return Mul(one, m) }, []float32{2, 4, 6, 8}},
		{"scale", func() (*Tensor, error) { return Scale(m, 0.5), nil }, []float32{0.5, 1, 1.5, 2}},
		{"sum", func() (*Tensor, error) { return Sum(m), nil }, []float32{10}},
		{"mean", func() (*Tensor, error) { return Mean(m), nil }, []float32{2.5}},
		{"sqrt", func() (*Tensor, error) { return Sqrt(m), nil }, []float32{1, float32(math.Sqrt(2)), float32(math.Sqrt(3)), 2}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got.Data, test.want) {
				t.Errorf("got %v, expected %v", got.Data, test.want)
			}
		})
	}

	if _, err := Sub(row, m); err == nil {
		t.Error("Sub should not broadcast the left operand")
	}
	bad, _ := NewTensor([]int{3}, nil)
	if _, err := Add(m, bad); err == nil {
		t.Error("expected error for incompatible shapes")
	}
}

func TestReshapeSharesStorage(t *testing.T) {
	m, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	r, err := Reshape(m, []int{3, 2})
	if err != nil {
		t.Fatal(err)
	}
	r.Data[0] = 42
	if m.Data[0] != 42 {
		t.Error("Reshape should share storage")
	}
	if _, err := Reshape(m, []int{4}); err == nil {
		t.Error("expected error for size mismatch")
	}
}

func TestReLUAndMeanGradient(t *testing.T) {
	x, _ := Parameter([]int{4}, []float32{-1, 2, 0, 3})
	y, err := ReLUAutograd(x)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(y.Data, []float32{0, 2, 0, 3}) {
		t.Errorf("ReLU = %v", y.Data)
	}
	loss, err := MeanAutograd(y)
	if err != nil {
		t.Fatal(err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}
	assertGradClose(t, "x", x.Grad(), []float64{0, 0.25, 0, 0.25}, 1e-6)
}

func TestBroadcastGradientReduces(t *testing.T) {
	m, _ := Parameter([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := Parameter([]int{2}, []float32{0, 0})
	s, _ := Parameter([]int{1}, []float32{3})

	sum, err := AddAutograd(m, b)
	if err != nil {
		t.Fatal(err)
	}
	prod, err := MulAutograd(sum, s)
	if err != nil {
		t.Fatal(err)
	}
	loss, err := MeanAutograd(prod)
	if err != nil {
		t.Fatal(err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}
	assertGradClose(t, "m", m.Grad(), []float64{0.75, 0.75, 0.75, 0.75}, 1e-6)
	assertGradClose(t, "b", b.Grad(), []float64{1.5, 1.5}, 1e-6)
	assertGradClose(t, "s", s.Grad(), []float64{2.5}, 1e-6)
}
