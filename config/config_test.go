package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/metriclog"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/training"
	"github.com/tsawler/lesion-distill/vision/dataloader"
)

const smallRun = `
run_name: smoke
networks:
  teacher:
    variant: pixelnet
    params: {height: 8, width: 8, features: 4, seed: 1}
  student:
    variant: pixelnet
    params: {height: 8, width: 8, features: 4, seed: 2}
optimizers:
  teacher: {variant: sgd, params: {lr: 0.01}}
  student: {variant: adam, params: {lr: 0.001}}
schedulers:
  teacher: {variant: step, params: {step_size: 1, gamma: 0.5}}
  student: {variant: cosine, params: {t_max: 4}}
data:
  teacher: &data
    variant: synthetic
    params: {samples: 12, height: 8, width: 8, groups: 4, empty_ratio: 0, seed: 3}
    train_ratio: 0.5
    valid_ratio: 0.25
    loader: {batch_size: 4, shuffle: true, seed: 1}
    prefetch: 2
  student: *data
train:
  epochs: 1
  warmup_epochs: 1
  distill_epoch: 0
  iou_thresholds: [0.5]
checkpoints:
  format: msgpack
metrics:
  log: false
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil, nil)
	if err != nil {
		t.Fatalf("empty document should use defaults: %v", err)
	}
	if cfg.Networks.Student.Name != "pixelnet" || cfg.Optimizers.Teacher.Name != "sgd" {
		t.Errorf("unexpected default variants: %+v %+v", cfg.Networks.Student, cfg.Optimizers.Teacher)
	}
	if cfg.Train.Epochs != training.DefaultEngineConfig().Epochs {
		t.Errorf("epochs = %d", cfg.Train.Epochs)
	}
	if len(cfg.Train.IoUThresholds) != 10 {
		t.Errorf("expected the COCO IoU grid, got %v", cfg.Train.IoUThresholds)
	}
	if cfg.Checkpoints.Format != "json" || !cfg.Checkpoints.SaveOptimizer {
		t.Errorf("checkpoints = %+v", cfg.Checkpoints)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(smallRun), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.RunName != "smoke" || cfg.Train.Epochs != 1 || cfg.Train.DistillEpoch != 0 {
		t.Errorf("train = %+v", cfg.Train)
	}
	// Keys absent from the document keep their defaults.
	if cfg.Train.Temperature != 4 || cfg.Train.Alignment != training.AlignObject {
		t.Errorf("defaults lost: T=%v alignment=%q", cfg.Train.Temperature, cfg.Train.Alignment)
	}
	if cfg.Data.Student.TrainRatio != 0.5 || cfg.Data.Student.Loader.BatchSize != 4 {
		t.Errorf("yaml anchor not applied to student data: %+v", cfg.Data.Student)
	}
	if cfg.Optimizers.Get(model.Student).Name != "adam" {
		t.Errorf("student optimizer = %q", cfg.Optimizers.Student.Name)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
		substr  string
	}{
		{"unknown key", "trian: {epochs: 1}", ErrInvalidConfig, "trian"},
		{"unknown network", "networks: {student: {variant: resnet}}", ErrUnknownVariant, "networks.student"},
		{"unknown optimizer", "optimizers: {teacher: {variant: lamb}}", ErrUnknownVariant, "optimizers.teacher"},
		{"unknown scheduler", "schedulers: {student: {variant: plateau}}", ErrUnknownVariant, "plateau"},
		{"unknown dataset", "data: {teacher: {variant: imagenet}}", ErrUnknownVariant, "imagenet"},
		{"bad network params", "networks: {teacher: {variant: pixelnet, params: {features: 0}}}", ErrInvalidConfig, "features"},
		{"bad cyclic params", "schedulers: {teacher: {variant: cyclic, params: {max_lr: 0}}}", ErrInvalidConfig, "max_lr"},
		{"folder without root", "data: {student: {variant: folder}}", ErrInvalidConfig, "root"},
		{"split ratios", "data: {student: {train_ratio: 0.9, valid_ratio: 0.2}}", ErrInvalidConfig, "split ratios"},
		{"batch size", "data: {teacher: {loader: {batch_size: 0}}}", ErrInvalidConfig, "batch_size"},
		{"prefetch", "data: {teacher: {prefetch: -1}}", ErrInvalidConfig, "prefetch"},
		{"alignment", "train: {alignment: pixel}", ErrInvalidConfig, "alignment"},
		{"temperature", "train: {temperature: 0}", ErrInvalidConfig, "train"},
		{"iou", "train: {iou_thresholds: [0.5, 1.5]}", ErrInvalidConfig, "iou_thresholds"},
		{"format", "checkpoints: {format: onnx}", ErrInvalidConfig, "format"},
		{"no dir", "checkpoints: {dir: ''}", ErrInvalidConfig, "checkpoints.dir"},
		{"mqtt broker", "metrics: {mqtt: {topic: x}}", ErrInvalidConfig, "mqtt.broker"},
		{"http url", "metrics: {http: {timeout: 1s}}", ErrInvalidConfig, "base_url"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.doc), nil)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("expected %v, got %v", test.wantErr, err)
			}
			if !strings.Contains(err.Error(), test.substr) {
				t.Errorf("error %q does not mention %q", err, test.substr)
			}
		})
	}
}

func TestCustomRegistry(t *testing.T) {
	reg := DefaultRegistry()
	called := false
	reg.RegisterScheduler("flat", func(node *yaml.Node) (SchedulerBuilder, error) {
		called = true
		return func() (training.LRScheduler, error) { return &training.NoOpScheduler{}, nil }, nil
	})
	if _, err := Parse([]byte("schedulers: {student: {variant: flat}}"), reg); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("factory was not resolved at load time")
	}

	names := reg.Names("schedulers")
	want := []string{"cosine", "cyclic", "exponential", "flat", "none", "step"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Names = %v, expected %v", names, want)
	}
	if _, err := Parse([]byte("schedulers: {student: {variant: flat}}"), NewRegistry()); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("empty registry should reject every variant, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(smallRun), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Schedulers.Teacher.Name != "step" {
		t.Errorf("scheduler = %q", cfg.Schedulers.Teacher.Name)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuildUnresolved(t *testing.T) {
	if _, err := Default().Build(context.Background(), quietLogger(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBuildAndRun(t *testing.T) {
	cfg, err := Parse([]byte(smallRun), nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	cfg.Checkpoints.Dir = filepath.Join(dir, "ckpt")
	cfg.Metrics.SQLite = filepath.Join(dir, "metrics.sqlite3")

	ctx := context.Background()
	run, err := cfg.Build(ctx, quietLogger(), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer run.Close()

	splits := run.Samples[model.Teacher]
	if splits.Train.Len() != 6 || splits.Valid.Len() != 3 || splits.Test.Len() != 3 {
		t.Errorf("split sizes = %d/%d/%d", splits.Train.Len(), splits.Valid.Len(), splits.Test.Len())
	}
	if _, ok := run.Roles[model.Teacher].Loaders[training.SplitTrain].(*dataloader.Prefetcher); !ok {
		t.Error("train loader should prefetch")
	}
	if got := run.Roles[model.Student].Optimizer.Type(); got != "adam" {
		t.Errorf("student optimizer = %s", got)
	}
	if len(run.Sinks) != 1 {
		t.Fatalf("expected only the SQLite sink, got %d", len(run.Sinks))
	}

	if err := run.Engine.Warmup(ctx); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if err := run.Engine.Train(ctx); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	for _, role := range []model.Role{model.Teacher, model.Student} {
		path := checkpoints.Path(cfg.Checkpoints.Dir, role.String(), checkpoints.KindLast, checkpoints.FormatMsgpack)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s checkpoint: %v", role, err)
		}
	}

	sqlite, ok := run.Sinks[0].(*metriclog.SQLiteSink)
	if !ok {
		t.Fatalf("sink is %T", run.Sinks[0])
	}
	rows, err := sqlite.Rows(ctx, "student: total_loss")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Phase != training.PhaseDistilling.String() {
		t.Errorf("student rows = %+v", rows)
	}
	teacherRows, err := sqlite.Rows(ctx, "teacher: mAP@0.50")
	if err != nil || len(teacherRows) != 1 || teacherRows[0].Phase != training.PhaseWarmup.String() {
		t.Errorf("teacher rows = %+v, %v", teacherRows, err)
	}
}
