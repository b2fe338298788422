package tensor

import (
	"reflect"
	"testing"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensor(t *testing.T) {
	tt, err := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	if tt.NumElems != 6 {
		t.Errorf("NumElems = %d, expected 6", tt.NumElems)
	}
	v, err := tt.At(1, 2)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if v != 6 {
		t.Errorf("At(1,2) = %f, expected 6", v)
	}

	if _, err := NewTensor([]int{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for data length mismatch")
	}
	if _, err := NewTensor([]int{0, 2}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := tt.At(2, 0); err == nil {
		t.Error("expected error for out of bounds index")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float32{1, 2})
	b := a.Clone()
	b.Data[0] = 10
	if a.Data[0] != 1 {
		t.Errorf("clone shares storage with source")
	}
}

func TestDetachSharesDataButNotGraph(t *testing.T) {
	a, _ := Parameter([]int{2}, []float32{1, 2})
	b, err := ScaleAutograd(a, 2)
	if err != nil {
		t.Fatal(err)
	}
	d := b.Detach()
	if d.RequiresGrad() || !d.IsLeaf() {
		t.Errorf("detached tensor should be a leaf without grad")
	}
	if &d.Data[0] != &b.Data[0] {
		t.Errorf("detached tensor should share data")
	}
}

func TestBroadcastAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	row, _ := NewTensor([]int{3}, []float32{10, 20, 30})

	out, err := Add(a, row)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	expected := []float32{11, 22, 33, 14, 25, 36}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("Add = %v, expected %v", out.Data, expected)
	}

	out, err = Add(FromScalar(1), a)
	if err != nil {
		t.Fatalf("scalar Add failed: %v", err)
	}
	if out.Data[5] != 7 {
		t.Errorf("scalar Add last element = %f, expected 7", out.Data[5])
	}

	bad, _ := NewTensor([]int{2}, []float32{1, 2})
	if _, err := Add(a, bad); err == nil {
		t.Error("expected broadcast error")
	}
}

func TestMatMulAndTranspose(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := []float32{58, 64, 139, 154}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("MatMul = %v, expected %v", out.Data, expected)
	}

	tr, err := Transpose(a)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !reflect.DeepEqual(tr.Shape, []int{3, 2}) || tr.Data[1] != 4 {
		t.Errorf("Transpose = %v %v", tr.Shape, tr.Data)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestGather(t *testing.T) {
	// 2 channels of a 2x3 map
	fm, _ := NewTensor([]int{2, 2, 3}, []float32{
		0, 1, 2,
		3, 4, 5,
		10, 11, 12,
		13, 14, 15,
	})
	out, err := Gather(fm, []Point{{Y: 0, X: 0}, {Y: 1, X: 2}})
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	expected := []float32{0, 5, 10, 15}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("Gather = %v, expected %v", out.Data, expected)
	}

	if _, err := Gather(fm, []Point{{Y: 2, X: 0}}); err == nil {
		t.Error("expected out of bounds error")
	}
}

func TestSoftmaxRows(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 0, 0, 0})
	p, err := SoftmaxRows(x, 1)
	if err != nil {
		t.Fatalf("SoftmaxRows failed: %v", err)
	}
	for r := 0; r < 2; r++ {
		var sum float32
		for k := 0; k < 3; k++ {
			sum += p.Data[r*3+k]
		}
		if sum < 0.9999 || sum > 1.0001 {
			t.Errorf("row %d sums to %f", r, sum)
		}
	}
	if p.Data[3] != p.Data[4] {
		t.Errorf("uniform row should give equal probabilities")
	}
	if _, err := SoftmaxRows(x, 0); err == nil {
		t.Error("expected error for zero temperature")
	}
}
