// Package detection holds the box, target and prediction records exchanged
// between the training engine and its detection networks, plus the IoU
// matching used to score them.
package detection

import (
	"fmt"
	"math"
)

// Background is the label reserved for "no lesion". Metrics never report it.
const Background = 0

// Box is an axis-aligned rectangle in the coordinate space of the image the
// network was fed.
type Box struct {
	XMin float64 `json:"xmin" yaml:"xmin"`
	YMin float64 `json:"ymin" yaml:"ymin"`
	XMax float64 `json:"xmax" yaml:"xmax"`
	YMax float64 `json:"ymax" yaml:"ymax"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w := b.XMax - b.XMin
	h := b.YMax - b.YMin
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
func (b Box) Scale(sx, sy float64) Box {
	return Box{XMin: b.XMin * sx, YMin: b.YMin * sy, XMax: b.XMax * sx, YMax: b.YMax * sy}
}

// Validate rejects boxes with inverted or non-finite coordinates.
func (b Box) Validate() error {
	for _, v := range []float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("box %v has non-finite coordinates", b)
		}
	}
	if b.XMax < b.XMin || b.YMax < b.YMin {
		return fmt.Errorf("box %v has inverted coordinates", b)
	}
	return nil
}

// Target is the ground truth for one image. Boxes and Labels are parallel.
type Target struct {
	Boxes  []Box `json:"boxes"`
	Labels []int `json:"labels"`
}

// Len returns the number of annotated objects.
func (t Target) Len() int {
	return len(t.Boxes)
}

// Validate checks that every box has a label.
func (t Target) Validate() error {
	if len(t.Boxes) != len(t.Labels) {
		return fmt.Errorf("target has %d boxes but %d labels", len(t.Boxes), len(t.Labels))
	}
	for _, b := range t.Boxes {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Detections is the prediction record for one image. Boxes, Labels and Scores
// are parallel.
type Detections struct {
	Boxes  []Box     `json:"boxes"`
	Labels []int     `json:"labels"`
	Scores []float64 `json:"scores"`
}

// Len returns the number of predicted objects.
func (d Detections) Len() int {
	return len(d.Boxes)
}

// Rescale maps every box by the given per-axis factors.
func (d Detections) Rescale(sx, sy float64) Detections {
	out := Detections{
		Boxes:  make([]Box, len(d.Boxes)),
		Labels: append([]int(nil), d.Labels...),
		Scores: append([]float64(nil), d.Scores...),
	}
	for i, b := range d.Boxes {
		out.Boxes[i] = b.Scale(sx, sy)
	}
	return out
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	ix := math.Min(a.XMax, b.XMax) - math.Max(a.XMin, b.XMin)
	iy := math.Min(a.YMax, b.YMax) - math.Max(a.YMin, b.YMin)
	if ix <= 0 || iy <= 0 {
		// identical degenerate boxes still match each other
		if a == b {
			return 1
		}
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
