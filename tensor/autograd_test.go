package tensor

import (
	"math"
	"testing"
)

// numericGrad estimates d f / d x[i] with central differences.
func numericGrad(t *testing.T, x *Tensor, f func() *Tensor) []float64 {
	t.Helper()
	const h = 1e-3
	grads := make([]float64, x.NumElems)
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + h
		up := float64(f().Data[0])
		x.Data[i] = orig - h
		down := float64(f().Data[0])
		x.Data[i] = orig
		grads[i] = (up - down) / (2 * h)
	}
	return grads
}

func assertGradClose(t *testing.T, name string, got *Tensor, want []float64, tol float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: gradient is nil", name)
	}
	for i, w := range want {
		if math.Abs(float64(got.Data[i])-w) > tol {
			t.Errorf("%s[%d]: got %f, expected %f", name, i, got.Data[i], w)
		}
	}
}

func TestLinearChainGradient(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, []float32{0.5, -1, 2, 1.5, 0.25, -0.75})
	w, _ := Parameter([]int{3, 2}, []float32{0.1, -0.2, 0.3, 0.4, -0.5, 0.6})
	b, _ := Parameter([]int{2}, []float32{0.05, -0.05})

	forward := func() *Tensor {
		y, err := MatMulAutograd(x, w)
		if err != nil {
			t.Fatal(err)
		}
		y, err = AddAutograd(y, b)
		if err != nil {
			t.Fatal(err)
		}
		sq, err := MulAutograd(y, y)
		if err != nil {
			t.Fatal(err)
		}
		loss, err := MeanAutograd(sq)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	loss := forward()
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	assertGradClose(t, "w", w.Grad(), numericGrad(t, w, forward), 1e-2)
	assertGradClose(t, "b", b.Grad(), numericGrad(t, b, forward), 1e-2)
	if x.Grad() != nil {
		t.Errorf("constant input should not receive a gradient")
	}
}

func TestGradientsAccumulateUntilZeroGrad(t *testing.T) {
	w, _ := Parameter([]int{2}, []float32{1, 2})
	run := func() {
		s, _ := ScaleAutograd(w, 3)
		loss, _ := MeanAutograd(s)
		if err := loss.Backward(); err != nil {
			t.Fatal(err)
		}
	}

	run()
	run()
	if w.Grad().Data[0] != 3 {
		t.Errorf("accumulated grad = %f, expected 3", w.Grad().Data[0])
	}

	ZeroGrad([]*Tensor{w})
	if w.Grad() != nil {
		t.Errorf("ZeroGrad should clear the gradient")
	}
}

func TestNoGradDisconnectsGraph(t *testing.T) {
	w, _ := Parameter([]int{2}, []float32{1, 2})
	var out *Tensor
	err := NoGrad(func() error {
		var err error
		out, err = ScaleAutograd(w, 2)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.RequiresGrad() || !out.IsLeaf() {
		t.Errorf("tensor produced under NoGrad should be detached")
	}
	if !IsGradEnabled() {
		t.Errorf("grad mode should be restored after NoGrad")
	}
	if err := out.Backward(); err == nil {
		t.Errorf("expected error for backward on a non-grad tensor")
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	w, _ := Parameter([]int{2}, []float32{1, 2})
	s, _ := ScaleAutograd(w, 2)
	if err := s.Backward(); err == nil {
		t.Error("expected error for non-scalar backward")
	}
}

func TestGatherGradientScatters(t *testing.T) {
	fm, _ := Parameter([]int{1, 2, 2}, []float32{1, 2, 3, 4})
	g, err := GatherAutograd(fm, []Point{{Y: 0, X: 1}, {Y: 0, X: 1}, {Y: 1, X: 0}})
	if err != nil {
		t.Fatal(err)
	}
	loss, _ := MeanAutograd(g)
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}
	expected := []float32{0, 2.0 / 3, 1.0 / 3, 0}
	for i, e := range expected {
		if math.Abs(float64(fm.Grad().Data[i]-e)) > 1e-6 {
			t.Errorf("grad[%d] = %f, expected %f", i, fm.Grad().Data[i], e)
		}
	}
}

func TestKLDivIdenticalIsZero(t *testing.T) {
	x, _ := NewTensor([]int{3, 4}, []float32{0.1, 2, -1, 0.5, 3, 3, 3, 3, -2, 0, 1, 7})
	for _, temp := range []float64{0.5, 1, 4} {
		loss, err := KLDivAutograd(x, x, temp)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(loss.Data[0])) > 1e-6 {
			t.Errorf("T=%f: KL(x,x) = %f, expected 0", temp, loss.Data[0])
		}
	}
}

func TestKLDivGradient(t *testing.T) {
	s, _ := Parameter([]int{2, 3}, []float32{0.2, -0.4, 1.0, 0.3, 0.3, -0.9})
	teacher, _ := NewTensor([]int{2, 3}, []float32{1.0, 0.0, -1.0, 0.5, 0.1, 0.2})

	forward := func() *Tensor {
		loss, err := KLDivAutograd(s, teacher, 2)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}
	loss := forward()
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}
	assertGradClose(t, "student", s.Grad(), numericGrad(t, s, forward), 1e-3)
}

func TestCosineGradient(t *testing.T) {
	a, _ := Parameter([]int{3}, []float32{1, 2, -1})
	b, _ := Parameter([]int{3}, []float32{0.5, -1, 2})

	forward := func() *Tensor {
		c, err := CosineAutograd(a, b)
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	c := forward()
	if err := c.Backward(); err != nil {
		t.Fatal(err)
	}
	assertGradClose(t, "a", a.Grad(), numericGrad(t, a, forward), 1e-3)
	assertGradClose(t, "b", b.Grad(), numericGrad(t, b, forward), 1e-3)
}
