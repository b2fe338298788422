// Package dataset provides lesion datasets for the training engine: a seeded
// synthetic generator for smoke runs and an annotated image folder.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
	"github.com/tsawler/lesion-distill/vision/dataloader"
)

// LesionLabel is the class assigned to every generated lesion.
const LesionLabel = 1

// SyntheticConfig describes a generated dataset.
type SyntheticConfig struct {
	Samples    int     `yaml:"samples"`
	Height     int     `yaml:"height"`
	Width      int     `yaml:"width"`
	Channels   int     `yaml:"channels"`
	MaxLesions int     `yaml:"max_lesions"`
	Groups     int     `yaml:"groups"`
	EmptyRatio float64 `yaml:"empty_ratio"`
	Seed       int64   `yaml:"seed"`
}

// DefaultSyntheticConfig returns a small grayscale dataset.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Samples:    32,
		Height:     32,
		Width:      32,
		Channels:   1,
		MaxLesions: 2,
		Groups:     8,
		EmptyRatio: 0.1,
		Seed:       1,
	}
}

// Synthetic draws slices of low-intensity noise with bright rectangular
// lesions. Sample i depends only on the seed and i.
type Synthetic struct {
	config SyntheticConfig
}

// NewSynthetic validates config and returns the dataset.
func NewSynthetic(config SyntheticConfig) (*Synthetic, error) {
	switch {
	case config.Samples < 0:
		return nil, fmt.Errorf("sample count must not be negative, got %d", config.Samples)
	case config.Height < 4 || config.Width < 4:
		return nil, fmt.Errorf("synthetic slices must be at least 4x4, got %dx%d", config.Height, config.Width)
	case config.Channels <= 0:
		return nil, fmt.Errorf("channels must be positive, got %d", config.Channels)
	case config.MaxLesions <= 0:
		return nil, fmt.Errorf("max lesions must be positive, got %d", config.MaxLesions)
	case config.EmptyRatio < 0 || config.EmptyRatio > 1:
		return nil, fmt.Errorf("empty ratio must be in [0, 1], got %g", config.EmptyRatio)
	}
	if config.Groups <= 0 {
		config.Groups = 1
	}
	return &Synthetic{config: config}, nil
}

// Len returns the number of items in the dataset
func (s *Synthetic) Len() int {
	return s.config.Samples
}

// Get generates sample index.
func (s *Synthetic) Get(index int) (dataloader.Sample, error) {
	if index < 0 || index >= s.config.Samples {
		return dataloader.Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, s.config.Samples)
	}
	c, h, w := s.config.Channels, s.config.Height, s.config.Width
	rng := rand.New(rand.NewSource(s.config.Seed*1_000_003 + int64(index)))

	img, err := tensor.Zeros([]int{c, h, w})
	if err != nil {
		return dataloader.Sample{}, err
	}
	for i := range img.Data {
		img.Data[i] = float32(rng.Float64() * 0.2)
	}

	var target detection.Target
	if rng.Float64() >= s.config.EmptyRatio {
		n := 1 + rng.Intn(s.config.MaxLesions)
		for k := 0; k < n; k++ {
			b := randomLesion(rng, h, w)
			paint(img, b, float32(0.8+0.2*rng.Float64()))
			target.Boxes = append(target.Boxes, b)
			target.Labels = append(target.Labels, LesionLabel)
		}
	}

	return dataloader.Sample{
		ID:     fmt.Sprintf("synthetic_%05d", index),
		Group:  fmt.Sprintf("group_%03d", index%s.config.Groups),
		Image:  img,
		Target: target,
	}, nil
}

// randomLesion picks a box covering 15-35% of each axis. Coordinates are
// inclusive pixel indices.
func randomLesion(rng *rand.Rand, h, w int) detection.Box {
	bw := max(1, int(float64(w)*(0.15+0.2*rng.Float64())))
	bh := max(1, int(float64(h)*(0.15+0.2*rng.Float64())))
	x0 := rng.Intn(w - bw + 1)
	y0 := rng.Intn(h - bh + 1)
	return detection.Box{
		XMin: float64(x0),
		YMin: float64(y0),
		XMax: float64(x0 + bw - 1),
		YMax: float64(y0 + bh - 1),
	}
}

func paint(img *tensor.Tensor, b detection.Box, v float32) {
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	for ch := 0; ch < c; ch++ {
		for y := int(b.YMin); y <= int(b.YMax); y++ {
			for x := int(b.XMin); x <= int(b.XMax); x++ {
				img.Data[(ch*h+y)*w+x] = v
			}
		}
	}
}
