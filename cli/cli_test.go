package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/config"
	"github.com/tsawler/lesion-distill/distill"
	"github.com/tsawler/lesion-distill/training"
)

func TestNewCommand(t *testing.T) {
	cmd := NewCommand(nil)

	t.Run("root command exists", func(t *testing.T) {
		if cmd.Use != "lesion-distill" {
			t.Errorf("Use = %q, want %q", cmd.Use, "lesion-distill")
		}
	})

	t.Run("has global flags", func(t *testing.T) {
		for _, name := range []string{"config", "log-format", "log-level", "progress"} {
			if cmd.PersistentFlags().Lookup(name) == nil {
				t.Errorf("missing global flag: %s", name)
			}
		}
	})

	t.Run("has subcommands", func(t *testing.T) {
		for _, name := range []string{"warmup", "train", "evaluate", "predict"} {
			sub, _, err := cmd.Find([]string{name})
			if err != nil || sub.Name() != name {
				t.Errorf("missing subcommand: %s", name)
			}
		}
	})

	t.Run("train flags", func(t *testing.T) {
		train, _, _ := cmd.Find([]string{"train"})
		for _, name := range []string{"resume", "teacher", "warmup"} {
			if train.Flags().Lookup(name) == nil {
				t.Errorf("missing train flag: %s", name)
			}
		}
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("boom"), ExitGeneralError},
		{fmt.Errorf("run: %w", context.Canceled), ExitCancelled},
		{fmt.Errorf("load: %w", config.ErrInvalidConfig), ExitInvalidConfig},
		{config.ErrUnknownVariant, ExitInvalidConfig},
		{checkpoints.ErrUnknownFormat, ExitInvalidConfig},
		{fmt.Errorf("x: %w", training.ErrIncompatibleCheckpoint), ExitIncompatibleCheckpoint},
		{distill.ErrShapeMismatch, ExitAlignment},
		{distill.ErrNoBoxes, ExitAlignment},
		{training.ErrEmptyStream, ExitAlignment},
		{training.ErrMissingMetric, ExitMissingMetric},
		{fmt.Errorf("%w: role", errInvalidArgs), ExitInvalidArgs},
	}
	for _, test := range tests {
		if got := ExitCode(test.err); got != test.want {
			t.Errorf("ExitCode(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("unexpected log output %q", buf.String())
	}

	for _, bad := range [][2]string{{"xml", "info"}, {"text", "loud"}} {
		if _, err := NewLogger(&buf, bad[0], bad[1]); !errors.Is(err, errInvalidArgs) {
			t.Errorf("NewLogger(%q, %q) = %v, expected invalid args", bad[0], bad[1], err)
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name      string
		allowNone bool
		want      checkpoints.Kind
		wantErr   bool
	}{
		{"best", false, checkpoints.KindBest, false},
		{"LAST", false, checkpoints.KindLast, false},
		{"none", true, "", false},
		{"", true, "", false},
		{"none", false, "", true},
		{"latest", true, "", true},
	}
	for _, test := range tests {
		got, err := parseKind(test.name, test.allowNone)
		if (err != nil) != test.wantErr || got != test.want {
			t.Errorf("parseKind(%q, %v) = %q, %v", test.name, test.allowNone, got, err)
		}
	}
	if _, err := parseRole("nurse"); !errors.Is(err, errInvalidArgs) {
		t.Errorf("expected invalid role error, got %v", err)
	}
	if r, err := parseRole("Teacher"); err != nil || r != "teacher" {
		t.Errorf("parseRole(Teacher) = %q, %v", r, err)
	}
}

const runTemplate = `
networks:
  teacher: {variant: pixelnet, params: {height: 8, width: 8, features: 4, seed: 1}}
  student: {variant: pixelnet, params: {height: 8, width: 8, features: 4, seed: 2}}
data:
  teacher: &data
    variant: synthetic
    params: {samples: 12, height: 8, width: 8, groups: 4, empty_ratio: 0, seed: 3}
    train_ratio: 0.5
    valid_ratio: 0.25
    loader: {batch_size: 4}
  student: *data
train:
  epochs: 1
  warmup_epochs: 1
  distill_epoch: 0
  iou_thresholds: [0.5]
checkpoints:
  dir: %s
metrics:
  log: false
`

func writeConfig(t *testing.T) (path, ckptDir string) {
	t.Helper()
	dir := t.TempDir()
	ckptDir = filepath.Join(dir, "ckpt")
	path = filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(runTemplate, ckptDir)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, ckptDir
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 4; y < 10; y++ {
		for x := 6; x < 12; x++ {
			img.SetGray(x, y, color.Gray{Y: 230})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs one invocation with a fresh command tree and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand(nil)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestEndToEnd(t *testing.T) {
	cfgPath, ckptDir := writeConfig(t)
	global := []string{"--config", cfgPath, "--log-level", "error"}

	if _, err := execute(t, append([]string{"warmup"}, global...)...); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ckptDir, "teacher_last.json")); err != nil {
		t.Fatalf("warmup wrote no teacher checkpoint: %v", err)
	}

	if _, err := execute(t, append([]string{"train", "--teacher", "last"}, global...)...); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	for _, name := range []string{"student_last.json", "student_best.json"} {
		if _, err := os.Stat(filepath.Join(ckptDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	out, err := execute(t, append([]string{"evaluate", "--role", "student", "--checkpoint", "last", "--json"}, global...)...)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	var record map[string]float64
	if err := json.Unmarshal([]byte(out), &record); err != nil {
		t.Fatalf("evaluate output is not JSON: %v\n%s", err, out)
	}
	if _, ok := record["student: mAP@0.50"]; !ok {
		t.Errorf("record lacks student mAP: %v", record)
	}

	out, err = execute(t, append([]string{"evaluate", "--role", "teacher", "--split", "test"}, global...)...)
	if err != nil {
		t.Fatalf("evaluate table failed: %v", err)
	}
	if !strings.HasPrefix(out, "METRIC") || !strings.Contains(out, "teacher: mAP@0.50") {
		t.Errorf("unexpected table output:\n%s", out)
	}

	imgDir := t.TempDir()
	a := writePNG(t, imgDir, "a.png")
	b := writePNG(t, imgDir, "b.png")
	out, err = execute(t, append([]string{"predict", "--volume", a, b}, global...)...)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	var pred predictOutput
	if err := json.Unmarshal([]byte(out), &pred); err != nil {
		t.Fatalf("predict output is not JSON: %v\n%s", err, out)
	}
	if len(pred.Images) != 2 || pred.Images[0].File != a || pred.Images[1].File != b {
		t.Errorf("predict images = %+v", pred.Images)
	}
	for _, img := range pred.Images {
		for _, box := range img.Detections.Boxes {
			if box.XMax > 16 || box.YMax > 16 {
				t.Errorf("box %+v not in original 16x16 coordinates", box)
			}
		}
	}
}

func TestCommandErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	global := []string{"--config", cfgPath, "--log-level", "error"}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"bad role", append([]string{"evaluate", "--role", "nurse", "--checkpoint", "none"}, global...), ExitInvalidArgs},
		{"bad split", append([]string{"evaluate", "--split", "holdout", "--checkpoint", "none"}, global...), ExitInvalidArgs},
		{"exclusive flags", append([]string{"train", "--warmup", "--teacher", "best"}, global...), ExitInvalidArgs},
		{"missing checkpoint", append([]string{"evaluate", "--checkpoint", "best"}, global...), ExitGeneralError},
		{"bad log format", []string{"warmup", "--log-format", "xml"}, ExitInvalidArgs},
		{"missing config", []string{"warmup", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, ExitGeneralError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := execute(t, test.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ExitCode(err); got != test.want {
				t.Errorf("ExitCode = %d, want %d (err %v)", got, test.want, err)
			}
		})
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("networks: {student: {variant: transformer}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "warmup", "--config", bad, "--log-level", "error"); ExitCode(err) != ExitInvalidConfig {
		t.Errorf("unknown variant: ExitCode = %d (err %v)", ExitCode(err), err)
	}
}
