package training

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/optimizer"
	"github.com/tsawler/lesion-distill/tensor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func param(t *testing.T, name string, data ...float32) model.NamedParameter {
	t.Helper()
	p, err := tensor.Parameter([]int{len(data)}, data)
	if err != nil {
		t.Fatal(err)
	}
	return model.NamedParameter{Name: name, Value: p}
}

func newManager(t *testing.T, format checkpoints.CheckpointFormat, saveOptimizer bool) *CheckpointManager {
	t.Helper()
	cm, err := NewCheckpointManager(CheckpointConfig{
		Dir:           t.TempDir(),
		Format:        format,
		SaveOptimizer: saveOptimizer,
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return cm
}

func TestCheckpointManagerBestSelection(t *testing.T) {
	cm := newManager(t, checkpoints.FormatJSON, false)
	w := param(t, "w", 0)
	key := DefaultSelectionMetric(model.Student)
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)

	tests := []struct {
		value     float64
		wantBest  bool
		bestEpoch int
	}{
		{0.2, true, 1},
		{0.5, true, 2},
		{0.3, false, 2},
		{0.5, true, 4},
	}
	for i, test := range tests {
		epoch := i + 1
		w.Value.Data[0] = float32(epoch)
		saved, err := cm.Commit(Snapshot{Role: model.Student, Params: []model.NamedParameter{w}, Epoch: epoch},
			MetricRecord{key: test.value})
		if err != nil {
			t.Fatalf("epoch %d: Commit failed: %v", epoch, err)
		}
		if saved != test.wantBest {
			t.Errorf("epoch %d: saved best = %v, expected %v", epoch, saved, test.wantBest)
		}

		best, err := saver.LoadCheckpoint(cm.Path(model.Student, checkpoints.KindBest))
		if err != nil {
			t.Fatal(err)
		}
		if best.TrainingState.Epoch != test.bestEpoch || best.Weights[0].Data[0] != float32(test.bestEpoch) {
			t.Errorf("epoch %d: best checkpoint holds epoch %d, expected %d", epoch, best.TrainingState.Epoch, test.bestEpoch)
		}
		last, err := saver.LoadCheckpoint(cm.Path(model.Student, checkpoints.KindLast))
		if err != nil {
			t.Fatal(err)
		}
		if last.TrainingState.Epoch != epoch {
			t.Errorf("last checkpoint holds epoch %d, expected %d", last.TrainingState.Epoch, epoch)
		}
	}
	if cm.Best(model.Student) != 0.5 {
		t.Errorf("Best() = %f", cm.Best(model.Student))
	}
	if cm.Best(model.Teacher) != 0 {
		t.Error("roles must keep separate running bests")
	}
}

func TestCheckpointManagerMissingMetric(t *testing.T) {
	cm := newManager(t, checkpoints.FormatJSON, false)
	w := param(t, "w", 1)
	_, err := cm.Commit(Snapshot{Role: model.Teacher, Params: []model.NamedParameter{w}, Epoch: 1},
		MetricRecord{"teacher: mAP": 0.9})
	if !errors.Is(err, ErrMissingMetric) {
		t.Fatalf("expected ErrMissingMetric, got %v", err)
	}
	if _, err := os.Stat(cm.Path(model.Teacher, checkpoints.KindLast)); !os.IsNotExist(err) {
		t.Error("no checkpoint should be written when the metric is missing")
	}
}

func TestCheckpointManagerCustomSelectionMetric(t *testing.T) {
	cm, err := NewCheckpointManager(CheckpointConfig{
		Dir:             t.TempDir(),
		SelectionMetric: map[model.Role]string{model.Teacher: "teacher: mAP"},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := cm.SelectionMetric(model.Teacher); got != "teacher: mAP" {
		t.Errorf("teacher selection metric = %q", got)
	}
	if got := cm.SelectionMetric(model.Student); got != "student: mAP@0.50" {
		t.Errorf("student selection metric = %q", got)
	}
	if _, err := NewCheckpointManager(CheckpointConfig{}, nil); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestCheckpointManagerLoad(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto, checkpoints.FormatMsgpack} {
		t.Run(format.String(), func(t *testing.T) {
			cm := newManager(t, format, false)
			key := DefaultSelectionMetric(model.Student)
			stored := []model.NamedParameter{
				param(t, "w", 1, 2, 3),
				param(t, "b", 4),
				param(t, AuxiliaryPrefix+"projection.weight", 5, 6),
			}
			if _, err := cm.Commit(Snapshot{Role: model.Student, Params: stored, Epoch: 3, LR: 0.01},
				MetricRecord{key: 0.7}); err != nil {
				t.Fatal(err)
			}

			fresh := newManager(t, format, false)
			fresh.config.Dir = cm.config.Dir

			target := []model.NamedParameter{param(t, "w", 0, 0, 0), param(t, "b", 0)}
			res, err := fresh.Load(model.Student, checkpoints.KindBest, target, nil)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if target[0].Value.Data[2] != 3 || target[1].Value.Data[0] != 4 {
				t.Errorf("weights not restored: %v %v", target[0].Value.Data, target[1].Value.Data)
			}
			if len(res.Skipped) != 1 || res.Skipped[0] != AuxiliaryPrefix+"projection.weight" {
				t.Errorf("Skipped = %v", res.Skipped)
			}
			if res.State.Epoch != 3 || fresh.Best(model.Student) != 0.7 {
				t.Errorf("state epoch %d, best %f", res.State.Epoch, fresh.Best(model.Student))
			}

			tests := []struct {
				name   string
				params []model.NamedParameter
			}{
				{"wrong shape", []model.NamedParameter{param(t, "w", 0, 0), param(t, "b", 0)}},
				{"missing parameter", []model.NamedParameter{param(t, "w", 0, 0, 0), param(t, "c", 0)}},
				{"unexpected stored parameter", []model.NamedParameter{param(t, "w", 0, 0, 0)}},
			}
			for _, test := range tests {
				_, err := fresh.Load(model.Student, checkpoints.KindBest, test.params, nil)
				if !errors.Is(err, ErrIncompatibleCheckpoint) {
					t.Errorf("%s: expected ErrIncompatibleCheckpoint, got %v", test.name, err)
				}
				for _, p := range test.params {
					for _, v := range p.Value.Data {
						if v != 0 {
							t.Errorf("%s: parameter %s modified on failed load", test.name, p.Name)
						}
					}
				}
			}
		})
	}
}

func TestCheckpointManagerResumeFromLast(t *testing.T) {
	cm := newManager(t, checkpoints.FormatJSON, false)
	key := DefaultSelectionMetric(model.Student)
	w := param(t, "w", 0)
	commit := func(m *CheckpointManager, epoch int, value float64) bool {
		t.Helper()
		w.Value.Data[0] = float32(epoch)
		saved, err := m.Commit(Snapshot{Role: model.Student, Params: []model.NamedParameter{w}, Epoch: epoch},
			MetricRecord{key: value})
		if err != nil {
			t.Fatalf("epoch %d: Commit failed: %v", epoch, err)
		}
		return saved
	}
	commit(cm, 1, 0.2)
	commit(cm, 2, 0.9)

	resumed := newManager(t, checkpoints.FormatJSON, false)
	resumed.config.Dir = cm.config.Dir
	res, err := resumed.Load(model.Student, checkpoints.KindLast, []model.NamedParameter{w}, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.State.BestValue != 0.9 || resumed.Best(model.Student) != 0.9 {
		t.Fatalf("last checkpoint carries best %f, running best %f, expected 0.9",
			res.State.BestValue, resumed.Best(model.Student))
	}

	if commit(resumed, 3, 0.5) {
		t.Error("epoch 3 with 0.5 must not replace a best of 0.9")
	}
	best, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(cm.Path(model.Student, checkpoints.KindBest))
	if err != nil {
		t.Fatal(err)
	}
	if best.TrainingState.Epoch != 2 || best.Weights[0].Data[0] != 2 {
		t.Errorf("best checkpoint holds epoch %d, expected 2", best.TrainingState.Epoch)
	}
	if !commit(resumed, 4, 0.9) {
		t.Error("a value equal to the best should save best")
	}
}

func TestCheckpointManagerRoleMismatch(t *testing.T) {
	cm := newManager(t, checkpoints.FormatJSON, false)
	c := &checkpoints.Checkpoint{
		Weights:  []checkpoints.WeightTensor{{Name: "w", Shape: []int{1}, Data: []float32{1}}},
		Metadata: checkpoints.CheckpointMetadata{Role: "teacher"},
	}
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(c, cm.Path(model.Student, checkpoints.KindLast)); err != nil {
		t.Fatal(err)
	}
	_, err := cm.Load(model.Student, checkpoints.KindLast, []model.NamedParameter{param(t, "w", 0)}, nil)
	if !errors.Is(err, ErrIncompatibleCheckpoint) {
		t.Errorf("expected ErrIncompatibleCheckpoint, got %v", err)
	}
}

func TestCheckpointManagerOptimizerState(t *testing.T) {
	cm := newManager(t, checkpoints.FormatMsgpack, true)
	w := param(t, "w", 1, 1)
	sgd, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*tensor.Tensor{w.Value})
	if err != nil {
		t.Fatal(err)
	}
	key := DefaultSelectionMetric(model.Teacher)
	if _, err := cm.Commit(Snapshot{Role: model.Teacher, Params: []model.NamedParameter{w}, Optimizer: sgd, Epoch: 1},
		MetricRecord{key: 0.1}); err != nil {
		t.Fatal(err)
	}

	target := param(t, "w", 0, 0)
	restored, _ := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.5}, []*tensor.Tensor{target.Value})
	res, err := cm.Load(model.Teacher, checkpoints.KindLast, []model.NamedParameter{target}, restored)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !res.OptimizerRestored {
		t.Error("optimizer state should be restored")
	}
	if lr := restored.ParamGroups()[0].LR; lr != 0.1 {
		t.Errorf("restored learning rate = %f, expected 0.1", lr)
	}

	other := param(t, "w", 0, 0)
	adam, _ := optimizer.NewAdam(optimizer.DefaultAdamConfig(), []*tensor.Tensor{other.Value})
	if _, err := cm.Load(model.Teacher, checkpoints.KindLast, []model.NamedParameter{other}, adam); !errors.Is(err, ErrIncompatibleCheckpoint) {
		t.Errorf("expected ErrIncompatibleCheckpoint for optimizer type mismatch, got %v", err)
	}
}
