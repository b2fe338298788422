package distill

import (
	"math"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
)

// Anchor tags one of the nine sampling positions of a box.
type Anchor int

const (
	TopLeft Anchor = iota
	TopRight
	BottomLeft
	BottomRight
	TopMid
	BottomMid
	LeftMid
	RightMid
	Center

	NumAnchors = 9
)

var anchorNames = [NumAnchors]string{
	"top_left", "top_right", "bottom_left", "bottom_right",
	"top_mid", "bottom_mid", "left_mid", "right_mid", "center",
}

func (a Anchor) String() string {
	if a < 0 || int(a) >= NumAnchors {
		return "unknown"
	}
	return anchorNames[a]
}

// ImageSize is the height and width of a network input image.
type ImageSize struct {
	Height, Width int
}

// featureRatio maps an image coordinate onto a feature map axis so that the
// first and last pixels land on the first and last cells.
func featureRatio(featureDim, imageDim int) float64 {
	if imageDim <= 1 {
		return 0
	}
	return float64(featureDim-1) / float64(imageDim-1)
}

func scaleCoord(v, ratio float64, limit int) int {
	i := int(math.Round(v * ratio))
	if i < 0 {
		return 0
	}
	if i > limit-1 {
		return limit - 1
	}
	return i
}

// scaledBox is a box in feature map cells, bounds inclusive.
type scaledBox struct {
	x0, y0, x1, y1 int
}

func scaleBox(b detection.Box, img ImageSize, h, w int) scaledBox {
	rx := featureRatio(w, img.Width)
	ry := featureRatio(h, img.Height)
	return scaledBox{
		x0: scaleCoord(b.XMin, rx, w),
		y0: scaleCoord(b.YMin, ry, h),
		x1: scaleCoord(b.XMax, rx, w),
		y1: scaleCoord(b.YMax, ry, h),
	}
}

// anchorPoints returns the nine sampling positions of a box on an h×w
// feature map, in Anchor order. Positions are always inside the map.
func anchorPoints(b detection.Box, img ImageSize, h, w int) [NumAnchors]tensor.Point {
	s := scaleBox(b, img, h, w)
	cx := (s.x0 + s.x1) / 2
	cy := (s.y0 + s.y1) / 2
	return [NumAnchors]tensor.Point{
		TopLeft:     {Y: s.y0, X: s.x0},
		TopRight:    {Y: s.y0, X: s.x1},
		BottomLeft:  {Y: s.y1, X: s.x0},
		BottomRight: {Y: s.y1, X: s.x1},
		TopMid:      {Y: s.y0, X: cx},
		BottomMid:   {Y: s.y1, X: cx},
		LeftMid:     {Y: cy, X: s.x0},
		RightMid:    {Y: cy, X: s.x1},
		Center:      {Y: cy, X: cx},
	}
}

// groupMeanMatrix builds the [groups*k, k] matrix that averages the columns
// of a [C, groups*k] matrix over the groups, keeping the k slots apart.
func groupMeanMatrix(groups, k int) (*tensor.Tensor, error) {
	m, err := tensor.Zeros([]int{groups * k, k})
	if err != nil {
		return nil, err
	}
	v := float32(1 / float64(groups))
	for g := 0; g < groups; g++ {
		for j := 0; j < k; j++ {
			m.Data[(g*k+j)*k+j] = v
		}
	}
	return m, nil
}
