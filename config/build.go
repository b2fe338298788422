package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/metriclog"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/training"
	"github.com/tsawler/lesion-distill/vision/dataloader"
	"github.com/tsawler/lesion-distill/vision/dataset"
)

// Run is an assembled engine with the sinks it writes to.
type Run struct {
	Engine  *training.Engine
	Roles   map[model.Role]*training.RoleState
	Sinks   metriclog.Multi
	Samples map[model.Role]*dataset.Splits
}

// Close releases every sink.
func (r *Run) Close() error {
	return r.Sinks.Close()
}

// Build constructs both roles, the checkpoint manager, the metric sinks and
// the engine. progress may be nil.
func (c *Config) Build(ctx context.Context, logger *slog.Logger, progress io.Writer) (*Run, error) {
	if c.resolved == nil {
		return nil, fmt.Errorf("%w: configuration was not loaded through Parse or Load", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	run := &Run{
		Roles:   make(map[model.Role]*training.RoleState, 2),
		Samples: make(map[model.Role]*dataset.Splits, 2),
	}
	for _, role := range []model.Role{model.Teacher, model.Student} {
		rs, splits, err := c.buildRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", role, err)
		}
		run.Roles[role] = rs
		run.Samples[role] = splits
		logger.Info("role assembled",
			"role", role,
			"network", c.Networks.Get(role).Name,
			"optimizer", rs.Optimizer.Type(),
			"scheduler", rs.Scheduler.Name(),
			"train_batches", rs.Loaders[training.SplitTrain].Len(),
			"valid_batches", rs.Loaders[training.SplitValid].Len())
	}

	format, err := checkpoints.ParseFormat(c.Checkpoints.Format)
	if err != nil {
		return nil, err
	}
	cm, err := training.NewCheckpointManager(training.CheckpointConfig{
		Dir:           c.Checkpoints.Dir,
		Format:        format,
		SaveOptimizer: c.Checkpoints.SaveOptimizer,
		SelectionMetric: map[model.Role]string{
			model.Teacher: c.Train.SelectionMetric.Teacher,
			model.Student: c.Train.SelectionMetric.Student,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	ev, err := training.NewEvaluator(nil, training.EvaluatorConfig{
		IoUThresholds:      c.Train.IoUThresholds,
		ScreeningThreshold: c.Train.ScreeningThreshold,
	})
	if err != nil {
		return nil, err
	}

	run.Sinks, err = c.openSinks(ctx, logger, cm.RunID())
	if err != nil {
		return nil, err
	}
	sinks := make([]training.MetricSink, len(run.Sinks))
	for i, s := range run.Sinks {
		sinks[i] = s
	}

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithEvaluator(ev),
		training.WithSinks(sinks...),
	}
	if progress != nil {
		opts = append(opts, training.WithProgress(progress))
	}
	run.Engine, err = training.NewEngine(c.Train.EngineConfig, run.Roles[model.Teacher], run.Roles[model.Student], cm, opts...)
	if err != nil {
		return nil, errors.Join(err, run.Close())
	}
	return run, nil
}

func (c *Config) buildRole(ctx context.Context, role model.Role) (*training.RoleState, *dataset.Splits, error) {
	b := c.resolved[role]
	net, err := b.network()
	if err != nil {
		return nil, nil, err
	}
	opt, err := b.optimizer(net.Parameters())
	if err != nil {
		return nil, nil, err
	}
	policy, err := b.scheduler()
	if err != nil {
		return nil, nil, err
	}

	ds, err := b.dataset()
	if err != nil {
		return nil, nil, err
	}
	data := c.Data.Get(role)
	splits, err := dataset.SplitByGroup(ds, data.TrainRatio, data.ValidRatio, data.SplitSeed)
	if err != nil {
		return nil, nil, err
	}

	loaders := make(map[training.Split]dataloader.Loader, 3)
	for split, subset := range map[training.Split]*dataset.Subset{
		training.SplitTrain: splits.Train,
		training.SplitValid: splits.Valid,
		training.SplitTest:  splits.Test,
	} {
		lc := data.Loader
		if split != training.SplitTrain {
			lc.Shuffle = false
			lc.DropLast = false
		}
		dl, err := dataloader.NewDataLoader(subset, lc)
		if err != nil {
			return nil, nil, fmt.Errorf("%s loader: %w", split, err)
		}
		var l dataloader.Loader = dl
		if split == training.SplitTrain && data.Prefetch > 0 {
			if l, err = dataloader.NewPrefetcher(ctx, dl, data.Prefetch); err != nil {
				return nil, nil, err
			}
		}
		loaders[split] = l
	}

	return &training.RoleState{
		Network:   net,
		Optimizer: opt,
		Scheduler: training.NewScheduler(policy, opt),
		Loaders:   loaders,
	}, splits, nil
}

// openSinks connects every enabled metric sink. On failure the sinks opened
// so far are closed.
func (c *Config) openSinks(ctx context.Context, logger *slog.Logger, runID string) (metriclog.Multi, error) {
	var sinks metriclog.Multi
	fail := func(err error) (metriclog.Multi, error) {
		return nil, errors.Join(err, sinks.Close())
	}

	if c.Metrics.Log {
		sinks = append(sinks, metriclog.NewSlogSink(logger, slog.LevelInfo))
	}
	if c.Metrics.SQLite != "" {
		s, err := metriclog.NewSQLiteSink(ctx, c.Metrics.SQLite, runID, c.RunName)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if c.Metrics.MQTT != nil {
		s, err := metriclog.DialMQTT(ctx, *c.Metrics.MQTT, runID, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if c.Metrics.HTTP != nil {
		s := metriclog.NewHTTPSink(*c.Metrics.HTTP, runID)
		if err := s.CheckHealth(ctx); err != nil {
			logger.Warn("metrics sidecar is not healthy, records may be dropped", "url", c.Metrics.HTTP.BaseURL, "error", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
