package training

import (
	"fmt"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
)

// VolumeDetection is one lesion followed across consecutive slices.
type VolumeDetection struct {
	Label      int     `json:"label"`
	Score      float64 `json:"score"`
	FirstSlice int     `json:"first_slice"`
	LastSlice  int     `json:"last_slice"`
	// Box is the union of the per-slice boxes.
	Box detection.Box `json:"box"`
}

// VolumeFuser merges per-slice detections of one volume into 3-D findings.
type VolumeFuser interface {
	Fuse(slices []detection.Detections) ([]VolumeDetection, error)
}

// Predict runs role on one preprocessed [C,H,W] image and returns detections
// in the coordinates of the original origH x origW image.
func (e *Engine) Predict(role model.Role, image *tensor.Tensor, origH, origW int) (detection.Detections, error) {
	dets, err := e.predictBatch(role, []*tensor.Tensor{image}, origH, origW)
	if err != nil {
		return detection.Detections{}, err
	}
	return dets[0], nil
}

// PredictVolume predicts every slice of a volume and, when fuser is not
// nil, fuses the results. Slices share the original size.
func (e *Engine) PredictVolume(role model.Role, slices []*tensor.Tensor, origH, origW int, fuser VolumeFuser) ([]detection.Detections, []VolumeDetection, error) {
	if len(slices) == 0 {
		return nil, nil, fmt.Errorf("volume has no slices")
	}
	perSlice, err := e.predictBatch(role, slices, origH, origW)
	if err != nil {
		return nil, nil, err
	}
	if fuser == nil {
		return perSlice, nil, nil
	}
	fused, err := fuser.Fuse(perSlice)
	if err != nil {
		return nil, nil, fmt.Errorf("fusing %d slices: %w", len(slices), err)
	}
	return perSlice, fused, nil
}

func (e *Engine) predictBatch(role model.Role, images []*tensor.Tensor, origH, origW int) ([]detection.Detections, error) {
	if origH <= 0 || origW <= 0 {
		return nil, fmt.Errorf("original image size must be positive, got %dx%d", origH, origW)
	}
	rs, err := e.role(role)
	if err != nil {
		return nil, err
	}
	net := rs.Network
	wasTraining := net.IsTraining()
	net.Eval()
	defer func() {
		if wasTraining {
			net.Train()
		}
	}()

	var out *model.Output
	err = tensor.NoGrad(func() error {
		var err error
		out, err = net.Forward(images, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s prediction: %w", role, err)
	}
	if len(out.Detections) != len(images) {
		return nil, fmt.Errorf("%s returned %d detection records for %d images", role, len(out.Detections), len(images))
	}

	result := make([]detection.Detections, len(images))
	for i, img := range images {
		h, w := img.Shape[len(img.Shape)-2], img.Shape[len(img.Shape)-1]
		if sizer, ok := net.(model.InputSizer); ok {
			h, w = sizer.InputSize()
		}
		result[i] = out.Detections[i].Rescale(float64(origW)/float64(w), float64(origH)/float64(h))
	}
	return result, nil
}

// OverlapFuser links detections of the same label on consecutive slices
// whose boxes overlap by at least MinIoU. A chain's score is the mean of its
// slice scores.
type OverlapFuser struct {
	MinIoU float64
}

type chain struct {
	det   VolumeDetection
	last  detection.Box
	sum   float64
	count int
}

// Fuse implements VolumeFuser.
func (f OverlapFuser) Fuse(slices []detection.Detections) ([]VolumeDetection, error) {
	if f.MinIoU < 0 || f.MinIoU > 1 {
		return nil, fmt.Errorf("min IoU %v outside [0, 1]", f.MinIoU)
	}
	var open, closed []*chain
	for z, dets := range slices {
		var next []*chain
		used := make([]bool, len(open))
		for i, box := range dets.Boxes {
			best, bestIoU := -1, f.MinIoU
			for k, c := range open {
				if used[k] || c.det.Label != dets.Labels[i] {
					continue
				}
				if iou := detection.IoU(c.last, box); iou >= bestIoU && iou > 0 {
					best, bestIoU = k, iou
				}
			}
			if best < 0 {
				next = append(next, &chain{
					det:   VolumeDetection{Label: dets.Labels[i], FirstSlice: z, LastSlice: z, Box: box},
					last:  box,
					sum:   dets.Scores[i],
					count: 1,
				})
				continue
			}
			used[best] = true
			c := open[best]
			c.det.LastSlice = z
			c.det.Box = union(c.det.Box, box)
			c.last = box
			c.sum += dets.Scores[i]
			c.count++
			next = append(next, c)
		}
		for k, c := range open {
			if !used[k] {
				closed = append(closed, c)
			}
		}
		open = next
	}
	closed = append(closed, open...)

	out := make([]VolumeDetection, len(closed))
	for i, c := range closed {
		out[i] = c.det
		out[i].Score = c.sum / float64(c.count)
	}
	return out, nil
}

func union(a, b detection.Box) detection.Box {
	return detection.Box{
		XMin: min(a.XMin, b.XMin),
		YMin: min(a.YMin, b.YMin),
		XMax: max(a.XMax, b.XMax),
		YMax: max(a.YMax, b.YMax),
	}
}
