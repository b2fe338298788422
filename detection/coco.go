package detection

import (
	"fmt"
	"sort"
)

// recallPoints is the COCO interpolation grid: 0, 0.01, ..., 1.
const recallPoints = 101

// ClassMetric is the score for one class at one IoU threshold.
type ClassMetric struct {
	Label     int
	IoU       float64
	AP        float64
	Precision float64
	Recall    float64
	NumTruth  int
}

// Backend scores a split's predictions against its ground truth.
// predictions[i] and truths[i] refer to the same image.
type Backend interface {
	Evaluate(predictions []Detections, truths []Target, iouThresholds []float64) ([]ClassMetric, error)
}

// COCOBackend matches predictions greedily by descending score, per class and
// per image, and integrates precision over a 101-point recall grid.
type COCOBackend struct{}

// NewCOCOBackend returns the default metric backend.
func NewCOCOBackend() *COCOBackend {
	return &COCOBackend{}
}

type scoredPrediction struct {
	image int
	box   Box
	score float64
}

// Evaluate implements Backend. Classes without any ground truth are skipped,
// as is the background label.
func (c *COCOBackend) Evaluate(predictions []Detections, truths []Target, iouThresholds []float64) ([]ClassMetric, error) {
	if len(predictions) != len(truths) {
		return nil, fmt.Errorf("got %d prediction records for %d targets", len(predictions), len(truths))
	}
	for _, thr := range iouThresholds {
		if thr <= 0 || thr > 1 {
			return nil, fmt.Errorf("IoU threshold %v outside (0, 1]", thr)
		}
	}

	// label -> image -> boxes
	gt := make(map[int]map[int][]Box)
	numTruth := make(map[int]int)
	for i, t := range truths {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		for j, b := range t.Boxes {
			label := t.Labels[j]
			if label == Background {
				continue
			}
			if gt[label] == nil {
				gt[label] = make(map[int][]Box)
			}
			gt[label][i] = append(gt[label][i], b)
			numTruth[label]++
		}
	}

	preds := make(map[int][]scoredPrediction)
	for i, d := range predictions {
		if len(d.Labels) != len(d.Boxes) || len(d.Scores) != len(d.Boxes) {
			return nil, fmt.Errorf("prediction %d has mismatched boxes, labels and scores", i)
		}
		for j, b := range d.Boxes {
			label := d.Labels[j]
			if label == Background {
				continue
			}
			preds[label] = append(preds[label], scoredPrediction{image: i, box: b, score: d.Scores[j]})
		}
	}

	labels := make([]int, 0, len(numTruth))
	for label := range numTruth {
		labels = append(labels, label)
	}
	sort.Ints(labels)

	var metrics []ClassMetric
	for _, label := range labels {
		ps := preds[label]
		sort.SliceStable(ps, func(a, b int) bool { return ps[a].score > ps[b].score })
		for _, thr := range iouThresholds {
			m := averagePrecision(ps, gt[label], numTruth[label], thr)
			m.Label = label
			m.IoU = thr
			metrics = append(metrics, m)
		}
	}
	return metrics, nil
}

// averagePrecision assumes preds is sorted by descending score.
func averagePrecision(preds []scoredPrediction, truth map[int][]Box, numTruth int, thr float64) ClassMetric {
	used := make(map[int][]bool, len(truth))
	for img, boxes := range truth {
		used[img] = make([]bool, len(boxes))
	}

	precision := make([]float64, len(preds))
	recall := make([]float64, len(preds))
	tp, fp := 0, 0
	for i, p := range preds {
		best, bestIoU := -1, thr
		for j, g := range truth[p.image] {
			if used[p.image][j] {
				continue
			}
			if iou := IoU(p.box, g); iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 {
			used[p.image][best] = true
			tp++
		} else {
			fp++
		}
		precision[i] = float64(tp) / float64(tp+fp)
		recall[i] = float64(tp) / float64(numTruth)
	}

	m := ClassMetric{NumTruth: numTruth}
	if len(preds) == 0 {
		return m
	}
	m.Precision = precision[len(preds)-1]
	m.Recall = recall[len(preds)-1]

	// precision envelope
	for i := len(precision) - 2; i >= 0; i-- {
		if precision[i+1] > precision[i] {
			precision[i] = precision[i+1]
		}
	}

	var sum float64
	k := 0
	for r := 0; r < recallPoints; r++ {
		target := float64(r) / float64(recallPoints-1)
		for k < len(recall) && recall[k] < target-1e-12 {
			k++
		}
		if k == len(recall) {
			break
		}
		sum += precision[k]
	}
	m.AP = sum / recallPoints
	return m
}
