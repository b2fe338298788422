package tensor

import (
	"fmt"
	"math"
)

// SoftmaxRows applies softmax(x/temperature) independently to every row of a
// 2-D tensor. Computation is done in float64 and max-shifted for stability.
func SoftmaxRows(t *Tensor, temperature float64) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("SoftmaxRows requires a 2D tensor, got shape %v", t.Shape)
	}
	if temperature <= 0 {
		return nil, fmt.Errorf("temperature must be positive, got %f", temperature)
	}
	out, err := Zeros(t.Shape)
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	probs := make([]float64, cols)
	for r := 0; r < rows; r++ {
		softmaxRow(t.Data[r*cols:(r+1)*cols], temperature, probs, nil)
		for k, p := range probs {
			out.Data[r*cols+k] = float32(p)
		}
	}
	return out, nil
}

// softmaxRow writes softmax(row/T) into probs and, when logProbs is non-nil,
// the matching log-probabilities.
func softmaxRow(row []float32, temperature float64, probs, logProbs []float64) {
	maxV := math.Inf(-1)
	for _, v := range row {
		if s := float64(v) / temperature; s > maxV {
			maxV = s
		}
	}
	var z float64
	for k, v := range row {
		e := math.Exp(float64(v)/temperature - maxV)
		probs[k] = e
		z += e
	}
	logZ := math.Log(z)
	for k, v := range row {
		probs[k] /= z
		if logProbs != nil {
			logProbs[k] = float64(v)/temperature - maxV - logZ
		}
	}
}

// KLDivOp computes KL(softmax(teacher/T) || softmax(student/T)) summed over
// the last axis and averaged over rows. Only the student input receives a
// gradient; the teacher distribution is a constant target.
type KLDivOp struct {
	inputs      []*Tensor
	temperature float64
	studentP    []float64
	teacherP    []float64
}

func (op *KLDivOp) Inputs() []*Tensor { return op.inputs }

func (op *KLDivOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("KLDivOp requires exactly 2 inputs")
	}
	student, teacher := inputs[0], inputs[1]
	if len(student.Shape) != 2 || !shapesEqual(student.Shape, teacher.Shape) {
		return nil, fmt.Errorf("KLDivOp requires equal 2D shapes, got %v and %v", student.Shape, teacher.Shape)
	}
	if op.temperature <= 0 {
		return nil, fmt.Errorf("temperature must be positive, got %f", op.temperature)
	}
	op.inputs = inputs

	rows, cols := student.Shape[0], student.Shape[1]
	op.studentP = make([]float64, rows*cols)
	op.teacherP = make([]float64, rows*cols)
	logQ := make([]float64, cols)
	logP := make([]float64, cols)

	var loss float64
	for r := 0; r < rows; r++ {
		q := op.studentP[r*cols : (r+1)*cols]
		p := op.teacherP[r*cols : (r+1)*cols]
		softmaxRow(student.Data[r*cols:(r+1)*cols], op.temperature, q, logQ)
		softmaxRow(teacher.Data[r*cols:(r+1)*cols], op.temperature, p, logP)
		for k := range p {
			if p[k] > 0 {
				loss += p[k] * (logP[k] - logQ[k])
			}
		}
	}
	loss /= float64(rows)

	// Identical inputs give exactly zero; rounding may leave a tiny negative.
	if loss < 0 {
		loss = 0
	}
	return record(FromScalar(loss), op, student), nil
}

func (op *KLDivOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	student := op.inputs[0]
	rows := student.Shape[0]
	grad, err := Zeros(student.Shape)
	if err != nil {
		return nil, err
	}
	scale := float64(gradOut.Data[0]) / (op.temperature * float64(rows))
	for i := range grad.Data {
		grad.Data[i] = float32((op.studentP[i] - op.teacherP[i]) * scale)
	}
	return []*Tensor{grad, nil}, nil
}

// CosineOp computes the cosine similarity of two equally shaped tensors,
// treating each as a flat vector.
type CosineOp struct {
	inputs []*Tensor
	dot    float64
	normA  float64
	normB  float64
}

const cosineEps = 1e-8

func (op *CosineOp) Inputs() []*Tensor { return op.inputs }

func (op *CosineOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("CosineOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("CosineOp shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	op.inputs = inputs

	var dot, na, nb float64
	for i := range a.Data {
		x, y := float64(a.Data[i]), float64(b.Data[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	op.dot = dot
	op.normA = math.Max(math.Sqrt(na), cosineEps)
	op.normB = math.Max(math.Sqrt(nb), cosineEps)

	return record(FromScalar(dot/(op.normA*op.normB)), op, a, b), nil
}

func (op *CosineOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	g := float64(gradOut.Data[0])
	cos := op.dot / (op.normA * op.normB)

	gradA, err := Zeros(a.Shape)
	if err != nil {
		return nil, err
	}
	gradB, err := Zeros(b.Shape)
	if err != nil {
		return nil, err
	}
	// ∂cos/∂a = b/(|a||b|) - cos·a/|a|²
	for i := range a.Data {
		x, y := float64(a.Data[i]), float64(b.Data[i])
		gradA.Data[i] = float32(g * (y/(op.normA*op.normB) - cos*x/(op.normA*op.normA)))
		gradB.Data[i] = float32(g * (x/(op.normA*op.normB) - cos*y/(op.normB*op.normB)))
	}
	return []*Tensor{gradA, gradB}, nil
}

func KLDivAutograd(student, teacher *Tensor, temperature float64) (*Tensor, error) {
	return (&KLDivOp{temperature: temperature}).Forward(student, teacher)
}

func CosineAutograd(a, b *Tensor) (*Tensor, error) {
	return (&CosineOp{}).Forward(a, b)
}
