package pixelnet

import (
	"testing"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/optimizer"
	"github.com/tsawler/lesion-distill/tensor"
)

func smallConfig() Config {
	c := DefaultConfig()
	c.Height, c.Width = 6, 6
	c.Features = 4
	return c
}

// lesionImage returns a dark image with a bright 2x2 square at (2,2).
func lesionImage(t *testing.T) (*tensor.Tensor, detection.Target) {
	t.Helper()
	img, err := tensor.Full([]int{1, 6, 6}, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	for y := 2; y <= 3; y++ {
		for x := 2; x <= 3; x++ {
			img.Data[y*6+x] = 0.9
		}
	}
	return img, detection.Target{Boxes: []detection.Box{{XMin: 2, YMin: 2, XMax: 3, YMax: 3}}, Labels: []int{1}}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero height", func(c *Config) { c.Height = 0 }, true},
		{"no channels", func(c *Config) { c.InChannels = 0 }, true},
		{"no features", func(c *Config) { c.Features = 0 }, true},
		{"threshold one", func(c *Config) { c.ScoreThreshold = 1 }, true},
		{"down-weighted positives", func(c *Config) { c.PositiveWeight = 0.5 }, true},
	}
	for _, test := range tests {
		c := DefaultConfig()
		test.modify(&c)
		if err := c.Validate(); (err != nil) != test.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", test.name, err, test.wantErr)
		}
	}
}

func TestForwardTraining(t *testing.T) {
	net, err := New(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	img, target := lesionImage(t)

	out, err := net.Forward([]*tensor.Tensor{img, img}, []detection.Target{target, {}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(out.Activations) != 2 {
		t.Fatalf("expected 2 activations, got %d", len(out.Activations))
	}
	if s := out.Activations[0].Shape; s[0] != 4 || s[1] != 6 || s[2] != 6 {
		t.Errorf("activation shape %v, expected [4 6 6]", s)
	}
	if out.Detections != nil {
		t.Error("training forward should not produce detections")
	}

	loss, err := out.TotalLoss()
	if err != nil {
		t.Fatal(err)
	}
	if !loss.IsFinite() {
		t.Fatal("loss is not finite")
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range net.NamedParameters() {
		if p.Value.Grad() == nil {
			t.Errorf("%s has no gradient", p.Name)
		}
	}

	if _, err := net.Forward([]*tensor.Tensor{img}, nil); err == nil {
		t.Error("expected error for training forward without targets")
	}
	bad, _ := tensor.Zeros([]int{1, 5, 6})
	if _, err := net.Forward([]*tensor.Tensor{bad}, []detection.Target{{}}); err == nil {
		t.Error("expected error for wrong image size")
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	net, _ := New(smallConfig())
	img, target := lesionImage(t)
	opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.01}, net.Parameters())
	if err != nil {
		t.Fatal(err)
	}

	lossAt := func() float32 {
		out, err := net.Forward([]*tensor.Tensor{img}, []detection.Target{target})
		if err != nil {
			t.Fatal(err)
		}
		l, _ := out.TotalLoss()
		opt.ZeroGrad()
		if err := l.Backward(); err != nil {
			t.Fatal(err)
		}
		if err := opt.Step(); err != nil {
			t.Fatal(err)
		}
		return l.Data[0]
	}

	first := lossAt()
	var last float32
	for i := 0; i < 30; i++ {
		last = lossAt()
	}
	if last >= first {
		t.Errorf("loss did not decrease: %f -> %f", first, last)
	}
}

func TestDetectRegions(t *testing.T) {
	net, _ := New(smallConfig())
	logits, _ := tensor.Zeros([]int{1, 36})
	// region A: 2x2 at rows 0-1, cols 0-1, score 0.8
	for _, i := range []int{0, 1, 6, 7} {
		logits.Data[i] = 0.8
	}
	// region B: one row at row 4, cols 2-5, score clipped to 1
	for x := 2; x <= 5; x++ {
		logits.Data[4*6+x] = 3
	}
	// below threshold
	logits.Data[3*6] = 0.4

	d := net.detect(logits)
	if d.Len() != 2 {
		t.Fatalf("expected 2 detections, got %d", d.Len())
	}
	want := []detection.Box{{XMin: 2, YMin: 4, XMax: 5, YMax: 4}, {XMin: 0, YMin: 0, XMax: 1, YMax: 1}}
	for i, b := range want {
		if d.Boxes[i] != b {
			t.Errorf("box %d = %+v, expected %+v", i, d.Boxes[i], b)
		}
		if d.Labels[i] != LesionLabel {
			t.Errorf("label %d = %d", i, d.Labels[i])
		}
	}
	if d.Scores[0] != 1 || d.Scores[1] < 0.79 || d.Scores[1] > 0.81 {
		t.Errorf("scores = %v", d.Scores)
	}
}

func TestEvalForward(t *testing.T) {
	net, _ := New(smallConfig())
	net.Eval()
	if net.IsTraining() {
		t.Fatal("Eval() should leave training mode")
	}
	img, _ := lesionImage(t)
	out, err := net.Forward([]*tensor.Tensor{img, img, img}, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(out.Detections) != 3 || out.Losses != nil {
		t.Errorf("eval output has %d detections and losses %v", len(out.Detections), out.Losses)
	}
	if h, w := net.InputSize(); h != 6 || w != 6 {
		t.Errorf("InputSize() = %d, %d", h, w)
	}
}
