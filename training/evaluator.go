package training

import (
	"context"
	"fmt"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
	"github.com/tsawler/lesion-distill/vision/dataloader"
)

// Split names a dataset partition.
type Split int

const (
	SplitTrain Split = iota
	SplitValid
	SplitTest
)

func (s Split) String() string {
	switch s {
	case SplitTrain:
		return "train"
	case SplitValid:
		return "valid"
	case SplitTest:
		return "test"
	default:
		return fmt.Sprintf("split(%d)", int(s))
	}
}

// ParseSplit accepts "train", "valid"/"val"/"validation" and "test".
func ParseSplit(name string) (Split, error) {
	switch name {
	case "train":
		return SplitTrain, nil
	case "valid", "val", "validation":
		return SplitValid, nil
	case "test":
		return SplitTest, nil
	}
	return 0, fmt.Errorf("unknown split %q", name)
}

// DefaultIoUThresholds is the COCO grid 0.50:0.05:0.95.
func DefaultIoUThresholds() []float64 {
	out := make([]float64, 10)
	for i := range out {
		out[i] = 0.5 + 0.05*float64(i)
	}
	return out
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	IoUThresholds []float64 `yaml:"iou_thresholds"`
	// ScreeningThreshold is the detection score that flags a slice as
	// containing a lesion. Zero disables the slice-level metrics.
	ScreeningThreshold float64 `yaml:"screening_threshold"`
}

// Evaluator scores a network on one split.
type Evaluator struct {
	backend detection.Backend
	config  EvaluatorConfig
}

// NewEvaluator creates an evaluator. A nil backend selects the COCO backend.
func NewEvaluator(backend detection.Backend, config EvaluatorConfig) (*Evaluator, error) {
	if backend == nil {
		backend = detection.NewCOCOBackend()
	}
	if len(config.IoUThresholds) == 0 {
		config.IoUThresholds = DefaultIoUThresholds()
	}
	for _, thr := range config.IoUThresholds {
		if thr <= 0 || thr > 1 {
			return nil, fmt.Errorf("IoU threshold %v outside (0, 1]", thr)
		}
	}
	if config.ScreeningThreshold < 0 || config.ScreeningThreshold > 1 {
		return nil, fmt.Errorf("screening threshold %v outside [0, 1]", config.ScreeningThreshold)
	}
	return &Evaluator{backend: backend, config: config}, nil
}

// Evaluate runs net in eval mode without gradients over one pass of loader
// and returns, for non-background classes only:
//
//	"<role>: AP@<iou>/class_<label>"  per class and threshold
//	"<role>: mAP@<iou>"               mean over classes per threshold
//	"<role>: mAP"                     mean over thresholds
//
// The network's previous mode is restored afterwards.
func (e *Evaluator) Evaluate(ctx context.Context, role model.Role, net model.Network, loader dataloader.Loader) (MetricRecord, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: %s evaluation", ErrNoLoader, role)
	}
	wasTraining := net.IsTraining()
	net.Eval()
	defer func() {
		if wasTraining {
			net.Train()
		}
	}()

	var preds []detection.Detections
	var truths []detection.Target
	err := tensor.NoGrad(func() error {
		return eachBatch(ctx, loader, func(step int, b *dataloader.Batch) error {
			out, err := net.Forward(b.Images, nil)
			if err != nil {
				return fmt.Errorf("%s forward on evaluation batch %d: %w", role, step, err)
			}
			if len(out.Detections) != b.Len() {
				return fmt.Errorf("%s returned %d detection records for %d images", role, len(out.Detections), b.Len())
			}
			preds = append(preds, out.Detections...)
			truths = append(truths, b.Targets...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return e.Score(role, preds, truths)
}

// Score turns collected predictions into a record.
func (e *Evaluator) Score(role model.Role, preds []detection.Detections, truths []detection.Target) (MetricRecord, error) {
	metrics, err := e.backend.Evaluate(preds, truths, e.config.IoUThresholds)
	if err != nil {
		return nil, fmt.Errorf("%s evaluation: %w", role, err)
	}

	record := make(MetricRecord)
	perThreshold := make(map[float64][]float64)
	for _, m := range metrics {
		if m.Label == detection.Background {
			continue
		}
		record[MetricKey(role, fmt.Sprintf("AP@%.2f/class_%d", m.IoU, m.Label))] = m.AP
		perThreshold[m.IoU] = append(perThreshold[m.IoU], m.AP)
	}

	// Thresholds without any scored class count as 0, so the keys always
	// exist for checkpoint selection.
	overall := 0.0
	for _, thr := range e.config.IoUThresholds {
		v := mean(perThreshold[thr])
		record[MetricKey(role, fmt.Sprintf("mAP@%.2f", thr))] = v
		overall += v
	}
	record[MetricKey(role, "mAP")] = overall / float64(len(e.config.IoUThresholds))

	if e.config.ScreeningThreshold > 0 {
		sc := NewSliceConfusion(e.config.ScreeningThreshold)
		if err := sc.Update(preds, truths); err != nil {
			return nil, err
		}
		for _, mt := range []MetricType{Recall, Specificity, Precision, F1Score, AUCROC} {
			record[MetricKey(role, mt.String())] = sc.GetMetric(mt)
		}
	}
	return record, nil
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range vs {
		s += v
	}
	return s / float64(len(vs))
}
