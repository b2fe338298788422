// Package cli is the lesion-distill command tree.
//
// Commands provided:
//   - warmup                     train the teacher alone
//   - train [--resume] [--teacher] [--warmup]
//   - evaluate --role --split [--checkpoint] [--json]
//   - predict --role [--checkpoint] [--volume] <image>...
//
// Global flags: --config, --log-format, --log-level, --progress
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/config"
	"github.com/tsawler/lesion-distill/distill"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/training"
)

// CLI exit codes.
const (
	ExitSuccess                = 0
	ExitGeneralError           = 1
	ExitInvalidArgs            = 2
	ExitInvalidConfig          = 3
	ExitIncompatibleCheckpoint = 4
	ExitAlignment              = 5
	ExitMissingMetric          = 6
	ExitCancelled              = 130
)

// ExitCode maps an error returned by the command tree to a process exit
// code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, config.ErrUnknownVariant),
		errors.Is(err, checkpoints.ErrUnknownFormat):
		return ExitInvalidConfig
	case errors.Is(err, training.ErrIncompatibleCheckpoint):
		return ExitIncompatibleCheckpoint
	case errors.Is(err, distill.ErrShapeMismatch), errors.Is(err, distill.ErrNoBoxes),
		errors.Is(err, distill.ErrNotProbed), errors.Is(err, training.ErrEmptyStream):
		return ExitAlignment
	case errors.Is(err, training.ErrMissingMetric):
		return ExitMissingMetric
	case errors.Is(err, errInvalidArgs):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}

var errInvalidArgs = errors.New("invalid arguments")

// state is shared by the subcommands. It is filled in PersistentPreRunE.
type state struct {
	configPath string
	logFormat  string
	logLevel   string
	progress   bool

	logger *slog.Logger
	cfg    *config.Config
	run    *config.Run
}

// NewCommand creates the root command. reg resolves configuration variants;
// nil uses config.DefaultRegistry.
func NewCommand(reg *config.Registry) *cobra.Command {
	st := &state{}

	cmd := &cobra.Command{
		Use:   "lesion-distill",
		Short: "Teacher/student distillation for lesion detectors",
		Long:  "Warm up a teacher detector, distill it into a student with spatially aligned feature matching, evaluate and predict.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return st.setup(cmd, reg)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if st.run == nil {
				return nil
			}
			return st.run.Close()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&st.configPath, "config", "c", "", "YAML run configuration (defaults when empty)")
	cmd.PersistentFlags().StringVar(&st.logFormat, "log-format", "text", "Log format: text or json")
	cmd.PersistentFlags().StringVar(&st.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&st.progress, "progress", false, "Render a progress bar on stderr")

	cmd.AddCommand(warmupCmd(st))
	cmd.AddCommand(trainCmd(st))
	cmd.AddCommand(evaluateCmd(st))
	cmd.AddCommand(predictCmd(st))
	return cmd
}

func (st *state) setup(cmd *cobra.Command, reg *config.Registry) error {
	logger, err := NewLogger(cmd.ErrOrStderr(), st.logFormat, st.logLevel)
	if err != nil {
		return err
	}
	st.logger = logger
	logger.Info("lesion-distill starting", "host", checkpoints.HostDescription())

	if st.configPath == "" {
		st.cfg, err = config.Parse(nil, reg)
	} else {
		st.cfg, err = config.Load(st.configPath, reg)
	}
	if err != nil {
		return err
	}

	var progress io.Writer
	if st.progress {
		progress = cmd.ErrOrStderr()
	}
	st.run, err = st.cfg.Build(cmd.Context(), logger, progress)
	if err != nil {
		return err
	}
	logger.Info("run ready",
		"run", st.cfg.RunName,
		"run_id", st.run.Engine.Checkpoints().RunID(),
		"checkpoints", st.cfg.Checkpoints.Dir)
	return nil
}

// NewLogger builds the process logger.
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", errInvalidArgs, level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("%w: log format %q", errInvalidArgs, format)
}

func parseRole(name string) (model.Role, error) {
	role := model.Role(strings.ToLower(name))
	if !role.Valid() {
		return "", fmt.Errorf("%w: role must be teacher or student, got %q", errInvalidArgs, name)
	}
	return role, nil
}

// parseKind accepts "best", "last" and, when allowNone is set, "none" or an
// empty string, which return an empty kind.
func parseKind(name string, allowNone bool) (checkpoints.Kind, error) {
	switch strings.ToLower(name) {
	case string(checkpoints.KindBest):
		return checkpoints.KindBest, nil
	case string(checkpoints.KindLast):
		return checkpoints.KindLast, nil
	case "", "none":
		if allowNone {
			return "", nil
		}
	}
	return "", fmt.Errorf("%w: checkpoint must be best or last, got %q", errInvalidArgs, name)
}

// load restores role from kind unless kind is empty. Student checkpoints
// carry the projection and its optimizer group, so distillation is prepared
// before a student is restored.
func (st *state) load(ctx context.Context, role model.Role, kind checkpoints.Kind) error {
	if kind == "" {
		return nil
	}
	if role == model.Student {
		if err := st.run.Engine.Prepare(ctx); err != nil {
			return err
		}
	}
	res, err := st.run.Engine.Load(role, kind)
	if err != nil {
		return err
	}
	st.logger.Info("checkpoint restored",
		"role", role,
		"kind", kind,
		"path", st.run.Engine.Checkpoints().Path(role, kind),
		"epoch", res.State.Epoch)
	return nil
}
