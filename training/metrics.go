package training

import (
	"fmt"
	"sort"

	"github.com/tsawler/lesion-distill/detection"
)

// MetricType represents the slice-level screening metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value
	Accuracy
	AUCROC
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "precision"
	case Recall:
		return "sensitivity"
	case F1Score:
		return "f1"
	case Specificity:
		return "specificity"
	case NPV:
		return "npv"
	case Accuracy:
		return "accuracy"
	case AUCROC:
		return "auc_roc"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// SliceConfusion scores detectors as slice-level screeners: a slice is
// positive when it has at least one ground-truth lesion, and predicted
// positive when its highest detection score reaches Threshold.
type SliceConfusion struct {
	Threshold float64

	tp, fp, tn, fn int
	scores         []float64
	labels         []bool
}

// NewSliceConfusion creates an empty matrix.
func NewSliceConfusion(threshold float64) *SliceConfusion {
	return &SliceConfusion{Threshold: threshold}
}

// Reset clears the confusion matrix
func (sc *SliceConfusion) Reset() {
	sc.tp, sc.fp, sc.tn, sc.fn = 0, 0, 0, 0
	sc.scores = sc.scores[:0]
	sc.labels = sc.labels[:0]
}

// Update adds one batch of predictions and their ground truth.
func (sc *SliceConfusion) Update(preds []detection.Detections, truths []detection.Target) error {
	if len(preds) != len(truths) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(truths), len(preds))
	}
	for i := range preds {
		score := maxLesionScore(preds[i])
		positive := false
		for _, l := range truths[i].Labels {
			if l != detection.Background {
				positive = true
				break
			}
		}
		predicted := score >= sc.Threshold && score > 0

		switch {
		case positive && predicted:
			sc.tp++
		case positive:
			sc.fn++
		case predicted:
			sc.fp++
		default:
			sc.tn++
		}
		sc.scores = append(sc.scores, score)
		sc.labels = append(sc.labels, positive)
	}
	return nil
}

func maxLesionScore(d detection.Detections) float64 {
	best := 0.0
	for i, s := range d.Scores {
		if d.Labels[i] != detection.Background && s > best {
			best = s
		}
	}
	return best
}

// Total returns the number of slices seen.
func (sc *SliceConfusion) Total() int {
	return sc.tp + sc.fp + sc.tn + sc.fn
}

// GetMetric calculates one metric. Ratios with an empty denominator are 0.
func (sc *SliceConfusion) GetMetric(metric MetricType) float64 {
	tp, fp, tn, fn := float64(sc.tp), float64(sc.fp), float64(sc.tn), float64(sc.fn)
	switch metric {
	case Precision:
		return ratio(tp, tp+fp)
	case Recall:
		return ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		return ratio(2*p*r, p+r)
	case Specificity:
		return ratio(tn, tn+fp)
	case NPV:
		return ratio(tn, tn+fn)
	case Accuracy:
		return ratio(tp+tn, tp+tn+fp+fn)
	case AUCROC:
		return CalculateAUCROC(sc.scores, sc.labels)
	default:
		return 0
	}
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// CalculateAUCROC calculates the area under the ROC curve with the
// trapezoidal rule. It returns 0 unless both classes are present.
func CalculateAUCROC(scores []float64, positive []bool) float64 {
	if len(scores) != len(positive) {
		return 0
	}
	type scored struct {
		score    float64
		positive bool
	}
	pairs := make([]scored, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pairs[i] = scored{scores[i], positive[i]}
		if positive[i] {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })

	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for i := 0; i < len(pairs); {
		// tied scores move along the diagonal together
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].positive {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc
}
