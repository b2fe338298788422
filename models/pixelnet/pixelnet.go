// Package pixelnet is a minimal per-pixel lesion detector: a 1x1 convolution
// backbone followed by a 1x1 scoring head. Connected regions of the score map
// above a threshold become detections. It exists so the training engine can be
// driven end to end without an external detector.
package pixelnet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
)

// CapturePoint is the sub-module whose output is reported as activations.
const CapturePoint = "backbone"

// Config sizes the network.
type Config struct {
	Height         int     `yaml:"height"`
	Width          int     `yaml:"width"`
	InChannels     int     `yaml:"in_channels"`
	Features       int     `yaml:"features"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	// PositiveWeight scales the loss of in-lesion pixels.
	PositiveWeight float64 `yaml:"positive_weight"`
	Seed           int64   `yaml:"seed"`
}

// DefaultConfig returns a 32x32 single-channel network with 8 features.
func DefaultConfig() Config {
	return Config{
		Height:         32,
		Width:          32,
		InChannels:     1,
		Features:       8,
		ScoreThreshold: 0.5,
		PositiveWeight: 4,
		Seed:           1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Height <= 0 || c.Width <= 0:
		return fmt.Errorf("input size must be positive, got %dx%d", c.Height, c.Width)
	case c.InChannels <= 0:
		return fmt.Errorf("in_channels must be positive, got %d", c.InChannels)
	case c.Features <= 0:
		return fmt.Errorf("features must be positive, got %d", c.Features)
	case c.ScoreThreshold <= 0 || c.ScoreThreshold >= 1:
		return fmt.Errorf("score_threshold must be in (0, 1), got %g", c.ScoreThreshold)
	case c.PositiveWeight < 1:
		return fmt.Errorf("positive_weight must be at least 1, got %g", c.PositiveWeight)
	}
	return nil
}

// Network implements model.Network.
type Network struct {
	config   Config
	training bool

	backboneW *tensor.Tensor // [F, Cin]
	backboneB *tensor.Tensor // [F, 1]
	headW     *tensor.Tensor // [1, F]
	headB     *tensor.Tensor // [1]
	ones      *tensor.Tensor // [1, H*W]
}

// New builds a network with seeded uniform initialization.
func New(config Config) (*Network, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(config.Seed))
	f, cin := config.Features, config.InChannels

	param := func(shape []int, fanIn int) (*tensor.Tensor, error) {
		init, err := tensor.RandomUniform(shape, 1/math.Sqrt(float64(fanIn)), rng)
		if err != nil {
			return nil, err
		}
		return tensor.Parameter(shape, init.Data)
	}

	n := &Network{config: config, training: true}
	var err error
	if n.backboneW, err = param([]int{f, cin}, cin); err != nil {
		return nil, err
	}
	if n.backboneB, err = tensor.Parameter([]int{f, 1}, nil); err != nil {
		return nil, err
	}
	if n.headW, err = param([]int{1, f}, f); err != nil {
		return nil, err
	}
	if n.headB, err = tensor.Parameter([]int{1}, nil); err != nil {
		return nil, err
	}
	if n.ones, err = tensor.Ones([]int{1, config.Height * config.Width}); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Network) Train()           { n.training = true }
func (n *Network) Eval()            { n.training = false }
func (n *Network) IsTraining() bool { return n.training }

func (n *Network) CapturePoint() string { return CapturePoint }

// InputSize returns the image size the network expects.
func (n *Network) InputSize() (int, int) {
	return n.config.Height, n.config.Width
}

// Config returns the configuration the network was built with.
func (n *Network) Config() Config { return n.config }

func (n *Network) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{n.backboneW, n.backboneB, n.headW, n.headB}
}

func (n *Network) NamedParameters() []model.NamedParameter {
	return []model.NamedParameter{
		{Name: "backbone.weight", Value: n.backboneW},
		{Name: "backbone.bias", Value: n.backboneB},
		{Name: "head.weight", Value: n.headW},
		{Name: "head.bias", Value: n.headB},
	}
}

// Forward scores every pixel. In training mode targets are required and the
// output carries the "heatmap" loss; in eval mode it carries detections.
func (n *Network) Forward(images []*tensor.Tensor, targets []detection.Target) (*model.Output, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("pixelnet: empty batch")
	}
	if n.training && len(targets) != len(images) {
		return nil, fmt.Errorf("pixelnet: training needs one target per image, got %d for %d images", len(targets), len(images))
	}

	out := &model.Output{Activations: make([]*tensor.Tensor, 0, len(images))}
	var total *tensor.Tensor
	for i, img := range images {
		features, logits, err := n.forwardOne(img)
		if err != nil {
			return nil, fmt.Errorf("pixelnet: image %d: %w", i, err)
		}
		out.Activations = append(out.Activations, features)

		if n.training {
			l, err := n.loss(logits, targets[i])
			if err != nil {
				return nil, fmt.Errorf("pixelnet: image %d: %w", i, err)
			}
			if total == nil {
				total = l
			} else if total, err = tensor.AddAutograd(total, l); err != nil {
				return nil, err
			}
			continue
		}
		out.Detections = append(out.Detections, n.detect(logits))
	}

	if total != nil {
		mean, err := tensor.ScaleAutograd(total, 1/float64(len(images)))
		if err != nil {
			return nil, err
		}
		out.Losses = map[string]*tensor.Tensor{"heatmap": mean}
	}
	return out, nil
}

// forwardOne returns the [F,H,W] backbone features and the [1,H*W] logits.
func (n *Network) forwardOne(img *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	c, h, w := n.config.InChannels, n.config.Height, n.config.Width
	if img.Dim() != 3 || img.Shape[0] != c || img.Shape[1] != h || img.Shape[2] != w {
		return nil, nil, fmt.Errorf("expected image shape [%d %d %d], got %v", c, h, w, img.Shape)
	}
	x, err := tensor.Reshape(img, []int{c, h * w})
	if err != nil {
		return nil, nil, err
	}

	hidden, err := tensor.MatMulAutograd(n.backboneW, x)
	if err != nil {
		return nil, nil, err
	}
	bias, err := tensor.MatMulAutograd(n.backboneB, n.ones)
	if err != nil {
		return nil, nil, err
	}
	if hidden, err = tensor.AddAutograd(hidden, bias); err != nil {
		return nil, nil, err
	}
	if hidden, err = tensor.ReLUAutograd(hidden); err != nil {
		return nil, nil, err
	}
	features, err := tensor.ReshapeAutograd(hidden, []int{n.config.Features, h, w})
	if err != nil {
		return nil, nil, err
	}

	logits, err := tensor.MatMulAutograd(n.headW, hidden)
	if err != nil {
		return nil, nil, err
	}
	if logits, err = tensor.AddAutograd(logits, n.headB); err != nil {
		return nil, nil, err
	}
	return features, logits, nil
}

// loss is the weighted squared error between the logits and the box mask.
func (n *Network) loss(logits *tensor.Tensor, target detection.Target) (*tensor.Tensor, error) {
	mask := boxMask(target, n.config.Height, n.config.Width)
	want, err := tensor.NewTensor([]int{1, len(mask)}, mask)
	if err != nil {
		return nil, err
	}
	weights := make([]float32, len(mask))
	for i, m := range mask {
		weights[i] = 1 + float32(n.config.PositiveWeight-1)*m
	}
	wt, err := tensor.NewTensor([]int{1, len(mask)}, weights)
	if err != nil {
		return nil, err
	}

	diff, err := tensor.SubAutograd(logits, want)
	if err != nil {
		return nil, err
	}
	sq, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, err
	}
	if sq, err = tensor.MulAutograd(sq, wt); err != nil {
		return nil, err
	}
	return tensor.MeanAutograd(sq)
}

// boxMask marks the pixels covered by any lesion box. Box coordinates are
// inclusive pixel indices.
func boxMask(target detection.Target, h, w int) []float32 {
	mask := make([]float32, h*w)
	for i, b := range target.Boxes {
		if target.Labels[i] == detection.Background {
			continue
		}
		y0, y1 := clampIndex(b.YMin, h), clampIndex(b.YMax, h)
		x0, x1 := clampIndex(b.XMin, w), clampIndex(b.XMax, w)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				mask[y*w+x] = 1
			}
		}
	}
	return mask
}

func clampIndex(v float64, size int) int {
	return min(max(int(math.Round(v)), 0), size-1)
}
