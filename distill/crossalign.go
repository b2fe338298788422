package distill

import (
	"fmt"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
)

// CrossAlignmentLoss pulls the in-lesion mean feature of every sample towards
// the batch's in-lesion mean, and pushes it away from the same sample's
// background mean once their cosine similarity exceeds Margin.
//
//	loss_i = (1 - cos(in_i, mean(in))) + max(0, cos(in_i, out_i) - Margin)
//
// Samples without boxes, or whose boxes cover the whole map, are skipped.
type CrossAlignmentLoss struct {
	Margin float64
}

// Compute averages loss_i over the usable samples. It returns ErrNoBoxes when
// no sample is usable.
func (c CrossAlignmentLoss) Compute(side Side) (*tensor.Tensor, error) {
	if err := side.validate(); err != nil {
		return nil, err
	}
	if len(side.Targets) != len(side.Features) || len(side.ImageSizes) != len(side.Features) {
		return nil, fmt.Errorf("%s side has %d activations, %d targets and %d image sizes",
			side.Role, len(side.Features), len(side.Targets), len(side.ImageSizes))
	}

	var inMeans, outMeans []*tensor.Tensor
	for i, fm := range side.Features {
		if len(side.Targets[i].Boxes) == 0 {
			continue
		}
		in, out := splitCells(fm, side.Targets[i].Boxes, side.ImageSizes[i])
		if len(in) == 0 || len(out) == 0 {
			continue
		}
		mi, err := meanVector(fm, in)
		if err != nil {
			return nil, err
		}
		mo, err := meanVector(fm, out)
		if err != nil {
			return nil, err
		}
		inMeans = append(inMeans, mi)
		outMeans = append(outMeans, mo)
	}
	if len(inMeans) == 0 {
		return nil, fmt.Errorf("%s: %w", side.Role, ErrNoBoxes)
	}

	center, err := tensor.MeanOfAutograd(inMeans)
	if err != nil {
		return nil, err
	}

	terms := make([]*tensor.Tensor, len(inMeans))
	for i := range inMeans {
		pull, err := tensor.CosineAutograd(inMeans[i], center)
		if err != nil {
			return nil, err
		}
		pull, err = tensor.SubAutograd(tensor.FromScalar(1), pull)
		if err != nil {
			return nil, err
		}
		push, err := tensor.CosineAutograd(inMeans[i], outMeans[i])
		if err != nil {
			return nil, err
		}
		push, err = tensor.SubAutograd(push, tensor.FromScalar(c.Margin))
		if err != nil {
			return nil, err
		}
		push, err = tensor.ReLUAutograd(push)
		if err != nil {
			return nil, err
		}
		terms[i], err = tensor.AddAutograd(pull, push)
		if err != nil {
			return nil, err
		}
	}
	return tensor.MeanOfAutograd(terms)
}

// splitCells partitions the cells of a [C,H,W] map into those covered by at
// least one scaled box and the rest.
func splitCells(fm *tensor.Tensor, boxes []detection.Box, img ImageSize) (in, out []tensor.Point) {
	h, w := fm.Shape[1], fm.Shape[2]
	covered := make([]bool, h*w)
	for _, b := range boxes {
		s := scaleBox(b, img, h, w)
		for y := s.y0; y <= s.y1; y++ {
			for x := s.x0; x <= s.x1; x++ {
				covered[y*w+x] = true
			}
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := tensor.Point{Y: y, X: x}
			if covered[y*w+x] {
				in = append(in, p)
			} else {
				out = append(out, p)
			}
		}
	}
	return in, out
}

// meanVector averages the channel vectors at points, giving [C,1].
func meanVector(fm *tensor.Tensor, points []tensor.Point) (*tensor.Tensor, error) {
	g, err := tensor.GatherAutograd(fm, points)
	if err != nil {
		return nil, err
	}
	avg, err := groupMeanMatrix(len(points), 1)
	if err != nil {
		return nil, err
	}
	return tensor.MatMulAutograd(g, avg)
}
