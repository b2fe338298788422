package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/distill"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/optimizer"
	"github.com/tsawler/lesion-distill/tensor"
	"github.com/tsawler/lesion-distill/vision/dataloader"
)

// Phase is the engine's position in a run.
type Phase int

const (
	// PhaseWarmup trains the teacher alone.
	PhaseWarmup Phase = iota
	// PhasePreDistill trains the student on its detection loss only.
	PhasePreDistill
	// PhaseDistilling adds the distillation term to the student loss.
	PhaseDistilling
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhasePreDistill:
		return "pre-distill"
	case PhaseDistilling:
		return "distilling"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StudentPhase returns the phase of the zero-based student epoch index. The
// switch to distillation happens once and is never undone.
func StudentPhase(epochIndex, distillEpoch int) Phase {
	if epochIndex >= distillEpoch {
		return PhaseDistilling
	}
	return PhasePreDistill
}

// Alignment modes.
const (
	AlignObject = "object"
	AlignImage  = "image"
)

// EngineConfig holds the run-level training settings.
type EngineConfig struct {
	Epochs       int `yaml:"epochs"`
	WarmupEpochs int `yaml:"warmup_epochs"`
	// DistillEpoch is the zero-based student epoch from which the
	// distillation term is added.
	DistillEpoch     int     `yaml:"distill_epoch"`
	DistillCoeff     float64 `yaml:"distill_coeff"`
	Temperature      float64 `yaml:"temperature"`
	Alpha            float64 `yaml:"alpha"`
	Alignment        string  `yaml:"alignment"`
	CrossAlignCoeff  float64 `yaml:"cross_align_coeff"`
	CrossAlignMargin float64 `yaml:"cross_align_margin"`
	Seed             int64   `yaml:"seed"`
}

// DefaultEngineConfig returns the settings used when a config file omits
// them.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Epochs:           10,
		WarmupEpochs:     5,
		DistillEpoch:     2,
		DistillCoeff:     1,
		Temperature:      4,
		Alpha:            0.5,
		Alignment:        AlignObject,
		CrossAlignMargin: 0.5,
		Seed:             1,
	}
}

// Validate checks the configuration.
func (c EngineConfig) Validate() error {
	switch {
	case c.Epochs < 0 || c.WarmupEpochs < 0:
		return fmt.Errorf("epoch counts must not be negative, got epochs=%d warmup_epochs=%d", c.Epochs, c.WarmupEpochs)
	case c.DistillEpoch < 0:
		return fmt.Errorf("distill_epoch must not be negative, got %d", c.DistillEpoch)
	case c.DistillCoeff < 0 || c.CrossAlignCoeff < 0:
		return fmt.Errorf("loss coefficients must not be negative")
	case c.Alignment != AlignObject && c.Alignment != AlignImage:
		return fmt.Errorf("alignment must be %q or %q, got %q", AlignObject, AlignImage, c.Alignment)
	}
	return c.loss().Validate()
}

func (c EngineConfig) loss() distill.Loss {
	return distill.Loss{Temperature: c.Temperature, Alpha: c.Alpha}
}

// RoleState is everything the engine owns for one network.
type RoleState struct {
	Network   model.Network
	Optimizer optimizer.Optimizer
	// Scheduler is stepped once per epoch. Nil keeps the rate constant.
	Scheduler *Scheduler
	Loaders   map[Split]dataloader.Loader
}

func (rs *RoleState) loader(role model.Role, split Split) (dataloader.Loader, error) {
	l := rs.Loaders[split]
	if l == nil {
		return nil, fmt.Errorf("%w: %s %s split", ErrNoLoader, role, split)
	}
	return l, nil
}

// MetricSink receives every epoch record.
type MetricSink interface {
	Write(ctx context.Context, entry EpochEntry) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSinks adds metric sinks.
func WithSinks(sinks ...MetricSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithProgress renders a progress bar per epoch on w.
func WithProgress(w io.Writer) Option {
	return func(e *Engine) { e.progress = w }
}

// WithAligner replaces the aligner selected by EngineConfig.Alignment.
func WithAligner(a distill.Aligner) Option {
	return func(e *Engine) { e.aligner = a }
}

// WithEvaluator replaces the default COCO evaluator.
func WithEvaluator(ev *Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// Engine runs the teacher warmup and the student training with
// distillation. It is single-threaded; no method may be called concurrently.
type Engine struct {
	config      EngineConfig
	roles       map[model.Role]*RoleState
	regs        map[model.Role]*distill.Registration
	tap         *distill.FeatureTap
	aligner     distill.Aligner
	loss        distill.Loss
	crossAlign  distill.CrossAlignmentLoss
	evaluator   *Evaluator
	checkpoints *CheckpointManager
	history     History
	sinks       []MetricSink
	progress    io.Writer
	logger      *slog.Logger

	prepared bool
	phase    Phase
	// start holds the number of completed epochs per role, non-zero after a
	// resume.
	start map[model.Role]int
}

// NewEngine wires both roles to a feature tap and builds the aligner.
func NewEngine(config EngineConfig, teacher, student *RoleState, cm *CheckpointManager, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if cm == nil {
		return nil, fmt.Errorf("engine needs a checkpoint manager")
	}
	e := &Engine{
		config:      config,
		roles:       map[model.Role]*RoleState{model.Teacher: teacher, model.Student: student},
		regs:        make(map[model.Role]*distill.Registration, 2),
		tap:         distill.NewFeatureTap(),
		loss:        config.loss(),
		crossAlign:  distill.CrossAlignmentLoss{Margin: config.CrossAlignMargin},
		checkpoints: cm,
		phase:       PhaseWarmup,
		start:       make(map[model.Role]int, 2),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	for role, rs := range e.roles {
		if rs == nil || rs.Network == nil || rs.Optimizer == nil {
			return nil, fmt.Errorf("%s needs a network and an optimizer", role)
		}
		reg, err := e.tap.Attach(role, rs.Network)
		if err != nil {
			return nil, err
		}
		e.regs[role] = reg
	}

	if e.evaluator == nil {
		ev, err := NewEvaluator(nil, EvaluatorConfig{})
		if err != nil {
			return nil, err
		}
		e.evaluator = ev
	}
	if e.aligner == nil {
		rng := rand.New(rand.NewSource(config.Seed))
		switch config.Alignment {
		case AlignImage:
			e.aligner = distill.NewImageAligner(rng)
		default:
			a, err := distill.NewObjectAligner(rng)
			if err != nil {
				return nil, err
			}
			e.aligner = a
		}
	}
	return e, nil
}

// Phase returns the phase of the most recent epoch.
func (e *Engine) Phase() Phase { return e.phase }

// History returns the records of every completed epoch.
func (e *Engine) History() *History { return &e.history }

// Aligner returns the aligner used for distillation.
func (e *Engine) Aligner() distill.Aligner { return e.aligner }

// Checkpoints returns the checkpoint manager.
func (e *Engine) Checkpoints() *CheckpointManager { return e.checkpoints }

// Warmup trains the teacher alone for WarmupEpochs epochs, evaluating and
// checkpointing it after each one. With zero warmup epochs nothing is
// touched.
func (e *Engine) Warmup(ctx context.Context) error {
	e.phase = PhaseWarmup
	total := e.config.WarmupEpochs
	first := e.start[model.Teacher]
	if first >= total {
		e.logger.Info("teacher warmup skipped", "warmup_epochs", total, "completed", first)
		return nil
	}

	rs := e.roles[model.Teacher]
	loader, err := rs.loader(model.Teacher, SplitTrain)
	if err != nil {
		return err
	}
	valid, err := rs.loader(model.Teacher, SplitValid)
	if err != nil {
		return err
	}

	e.logger.Info("teacher warmup started", "epochs", total, "batches", loader.Len(),
		"cross_align_coeff", e.config.CrossAlignCoeff)
	for idx := first; idx < total; idx++ {
		epoch := idx + 1
		started := time.Now()
		rs.Network.Train()
		meter := newLossMeter()
		bar := e.newBar(fmt.Sprintf("Warmup %d/%d", epoch, total), loader.Len())

		err := eachBatch(ctx, loader, func(step int, b *dataloader.Batch) error {
			values, err := e.teacherStep(b)
			if err != nil {
				return fmt.Errorf("warmup epoch %d batch %d: %w", epoch, step, err)
			}
			meter.add(values)
			e.logger.Debug("warmup iteration", "epoch", epoch, "step", step+1, "losses", values)
			if bar != nil {
				bar.Update(step+1, values)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if bar != nil {
			bar.Finish()
		}
		if err := e.endEpoch(ctx, model.Teacher, PhaseWarmup, epoch, valid, meter, started); err != nil {
			return err
		}
		e.start[model.Teacher] = epoch
	}
	return nil
}

// teacherStep runs one warmup iteration.
func (e *Engine) teacherStep(b *dataloader.Batch) (map[string]float64, error) {
	rs := e.roles[model.Teacher]
	out, err := e.regs[model.Teacher].Forward(b.Images, b.Targets)
	if err != nil {
		return nil, err
	}
	base, err := out.TotalLoss()
	if err != nil {
		return nil, err
	}
	total := base
	terms := map[string]*tensor.Tensor{"loss": base}

	if e.config.CrossAlignCoeff > 0 {
		feats, err := e.tap.Read(model.Teacher)
		if err != nil {
			return nil, err
		}
		ca, err := e.crossAlign.Compute(side(model.Teacher, feats, b))
		switch {
		case errors.Is(err, distill.ErrNoBoxes):
			// nothing to contrast in this batch
		case err != nil:
			return nil, err
		default:
			weighted, err := tensor.ScaleAutograd(ca, e.config.CrossAlignCoeff)
			if err != nil {
				return nil, err
			}
			if total, err = tensor.AddAutograd(base, weighted); err != nil {
				return nil, err
			}
			terms["cross_align_loss"] = ca
		}
	}
	terms["total_loss"] = total
	values, err := scalars(terms)
	if err != nil {
		return nil, err
	}

	rs.Optimizer.ZeroGrad()
	if err := total.Backward(); err != nil {
		return nil, err
	}
	if err := rs.Optimizer.Step(); err != nil {
		return nil, err
	}
	return values, nil
}

// Prepare probes the aligner with the first unshuffled training batch of each
// role, without advancing the loaders, and registers its projection as a new
// param group of the student optimizer. Calling it again is a no-op.
func (e *Engine) Prepare(ctx context.Context) error {
	if e.prepared {
		return nil
	}
	sides := make(map[model.Role]distill.Side, 2)
	for _, role := range []model.Role{model.Student, model.Teacher} {
		rs := e.roles[role]
		loader, err := rs.loader(role, SplitTrain)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := dataloader.Peek(loader)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: %s training loader is empty", ErrEmptyStream, role)
		}
		feats, err := e.probeForward(role, b)
		if err != nil {
			return fmt.Errorf("probing %s: %w", role, err)
		}
		sides[role] = side(role, feats, b)
	}

	if err := e.aligner.Probe(sides[model.Student], sides[model.Teacher]); err != nil {
		return fmt.Errorf("preparing %s alignment: %w", e.aligner.Mode(), err)
	}

	params := e.aligner.NamedParameters()
	if len(params) > 0 {
		opt := e.roles[model.Student].Optimizer
		lead := opt.ParamGroups()[0]
		group := optimizer.ParamGroup{Name: AuxiliaryPrefix + "projection", LR: lead.LR, InitialLR: lead.InitialLR}
		for _, p := range params {
			group.Params = append(group.Params, p.Value)
		}
		if err := opt.AddParamGroup(group); err != nil {
			return fmt.Errorf("registering projection with student optimizer: %w", err)
		}
	}
	e.prepared = true
	e.logger.Info("distillation prepared", "alignment", e.aligner.Mode(),
		"projection_params", model.ParameterCount(params))
	return nil
}

// probeForward runs role on b in eval mode without gradients and returns the
// captured activations. The previous mode is restored.
func (e *Engine) probeForward(role model.Role, b *dataloader.Batch) ([]*tensor.Tensor, error) {
	net := e.roles[role].Network
	wasTraining := net.IsTraining()
	net.Eval()
	defer func() {
		if wasTraining {
			net.Train()
		}
	}()
	err := tensor.NoGrad(func() error {
		_, err := e.regs[role].Forward(b.Images, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	feats, err := e.tap.Read(role)
	if err != nil {
		return nil, err
	}
	detached := make([]*tensor.Tensor, len(feats))
	for i, f := range feats {
		detached[i] = f.Detach()
	}
	return detached, nil
}

// Train runs the student epochs. Before DistillEpoch the student learns from
// its detection loss alone; from then on every student batch is paired with
// a cycled teacher batch and the distillation term is added. The teacher is
// frozen in eval mode throughout.
func (e *Engine) Train(ctx context.Context) error {
	if err := e.Prepare(ctx); err != nil {
		return err
	}
	rs := e.roles[model.Student]
	loader, err := rs.loader(model.Student, SplitTrain)
	if err != nil {
		return err
	}
	valid, err := rs.loader(model.Student, SplitValid)
	if err != nil {
		return err
	}
	teacherLoader, err := e.roles[model.Teacher].loader(model.Teacher, SplitTrain)
	if err != nil {
		return err
	}
	cycler, err := NewStreamCycler(loader, teacherLoader)
	if err != nil {
		return err
	}
	defer cycler.Close()
	e.roles[model.Teacher].Network.Eval()

	total := e.config.Epochs
	e.logger.Info("student training started", "epochs", total, "distill_epoch", e.config.DistillEpoch,
		"batches", loader.Len(), "teacher_batches", teacherLoader.Len(), "alignment", e.aligner.Mode())
	for idx := e.start[model.Student]; idx < total; idx++ {
		epoch := idx + 1
		phase := StudentPhase(idx, e.config.DistillEpoch)
		if phase != e.phase {
			e.logger.Info("entering phase", "phase", phase, "epoch", epoch)
		}
		e.phase = phase

		started := time.Now()
		rs.Network.Train()
		meter := newLossMeter()
		bar := e.newBar(fmt.Sprintf("Epoch %d/%d", epoch, total), loader.Len())
		step := func(i int, sb, tb *dataloader.Batch) error {
			values, err := e.studentStep(phase, sb, tb)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			meter.add(values)
			e.logger.Debug("training iteration", "epoch", epoch, "step", i+1, "phase", phase, "losses", values)
			if bar != nil {
				bar.Update(i+1, values)
			}
			return nil
		}

		if phase == PhaseDistilling {
			err = cycler.Each(ctx, func(i int, p BatchPair) error {
				return step(i, p.Primary, p.Secondary)
			})
		} else {
			err = eachBatch(ctx, loader, func(i int, b *dataloader.Batch) error {
				return step(i, b, nil)
			})
		}
		if err != nil {
			return err
		}
		if bar != nil {
			bar.Finish()
		}
		if err := e.endEpoch(ctx, model.Student, phase, epoch, valid, meter, started); err != nil {
			return err
		}
		e.start[model.Student] = epoch
	}
	return nil
}

// studentStep runs one student iteration. tb is nil before distillation.
func (e *Engine) studentStep(phase Phase, sb, tb *dataloader.Batch) (map[string]float64, error) {
	rs := e.roles[model.Student]
	out, err := e.regs[model.Student].Forward(sb.Images, sb.Targets)
	if err != nil {
		return nil, err
	}
	base, err := out.TotalLoss()
	if err != nil {
		return nil, err
	}
	terms := map[string]*tensor.Tensor{"base_loss": base}
	total := base

	if phase == PhaseDistilling {
		d, err := e.distillTerm(sb, tb)
		if err != nil {
			return nil, err
		}
		weighted, err := tensor.ScaleAutograd(d, e.config.DistillCoeff)
		if err != nil {
			return nil, err
		}
		if total, err = tensor.AddAutograd(base, weighted); err != nil {
			return nil, err
		}
		terms["distill_loss"] = d
	}
	terms["total_loss"] = total
	values, err := scalars(terms)
	if err != nil {
		return nil, err
	}

	rs.Optimizer.ZeroGrad()
	if err := total.Backward(); err != nil {
		return nil, err
	}
	if err := rs.Optimizer.Step(); err != nil {
		return nil, err
	}
	return values, nil
}

// distillTerm reads the student capture of the forward pass that just ran,
// runs the frozen teacher on tb without gradients, aligns both captures and
// scores them.
func (e *Engine) distillTerm(sb, tb *dataloader.Batch) (*tensor.Tensor, error) {
	studentFeats, err := e.tap.Read(model.Student)
	if err != nil {
		return nil, err
	}
	err = tensor.NoGrad(func() error {
		_, err := e.regs[model.Teacher].Forward(tb.Images, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("teacher forward: %w", err)
	}
	teacherFeats, err := e.tap.Read(model.Teacher)
	if err != nil {
		return nil, err
	}

	pair, err := e.aligner.Align(side(model.Student, studentFeats, sb), side(model.Teacher, teacherFeats, tb))
	if err != nil {
		return nil, err
	}
	return e.loss.Compute(pair)
}

// endEpoch steps the scheduler, evaluates on the validation split, commits
// checkpoints and publishes the record.
func (e *Engine) endEpoch(ctx context.Context, role model.Role, phase Phase, epoch int, valid dataloader.Loader, meter *lossMeter, started time.Time) error {
	rs := e.roles[role]
	if rs.Scheduler != nil {
		if err := rs.Scheduler.Step(); err != nil {
			return err
		}
	}

	record, err := e.evaluator.Evaluate(ctx, role, rs.Network, valid)
	if err != nil {
		return err
	}
	record.Merge(meter.record(role))

	lr := rs.Optimizer.ParamGroups()[0].LR
	record[MetricKey(role, "lr")] = lr
	best, err := e.checkpoints.Commit(Snapshot{
		Role:      role,
		Params:    e.namedParameters(role),
		Optimizer: rs.Optimizer,
		Epoch:     epoch,
		Step:      int(rs.Optimizer.GetStepCount()),
		LR:        lr,
	}, record)
	if err != nil {
		return err
	}

	e.history.Append(phase, epoch, record)
	entry := EpochEntry{Phase: phase, Epoch: epoch, Record: record}
	for _, s := range e.sinks {
		if err := s.Write(ctx, entry); err != nil {
			e.logger.Warn("metric sink failed", "error", err, "epoch", epoch)
		}
	}

	key := e.checkpoints.SelectionMetric(role)
	e.logger.Info("epoch finished",
		"role", role, "phase", phase, "epoch", epoch,
		"metric", key, "value", record[key], "best", e.checkpoints.Best(role),
		"saved_best", best, "duration", time.Since(started).Round(time.Millisecond))
	return nil
}

// namedParameters returns what is checkpointed for role: the network's own
// parameters plus, for a prepared student, the projection.
func (e *Engine) namedParameters(role model.Role) []model.NamedParameter {
	params := e.roles[role].Network.NamedParameters()
	if role == model.Student && e.prepared {
		params = append(params, e.aligner.NamedParameters()...)
	}
	return params
}

// Evaluate scores role on split.
func (e *Engine) Evaluate(ctx context.Context, role model.Role, split Split) (MetricRecord, error) {
	rs, err := e.role(role)
	if err != nil {
		return nil, err
	}
	loader, err := rs.loader(role, split)
	if err != nil {
		return nil, err
	}
	return e.evaluator.Evaluate(ctx, role, rs.Network, loader)
}

// Load restores role from its kind checkpoint and positions the scheduler
// and the epoch counter after the stored epoch. Load the student after
// Prepare to restore the projection with it.
func (e *Engine) Load(role model.Role, kind checkpoints.Kind) (*LoadResult, error) {
	rs, err := e.role(role)
	if err != nil {
		return nil, err
	}
	res, err := e.checkpoints.Load(role, kind, e.namedParameters(role), rs.Optimizer)
	if err != nil {
		return nil, err
	}
	e.start[role] = res.State.Epoch
	if rs.Scheduler != nil {
		if err := rs.Scheduler.SetEpoch(res.State.Epoch); err != nil {
			return nil, err
		}
	}
	if len(res.Skipped) > 0 {
		e.logger.Info("checkpoint parameters not restored", "role", role, "parameters", res.Skipped)
	}
	return res, nil
}

func (e *Engine) role(role model.Role) (*RoleState, error) {
	rs, ok := e.roles[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return rs, nil
}

func (e *Engine) newBar(description string, total int) *ProgressBar {
	if e.progress == nil {
		return nil
	}
	return NewProgressBar(e.progress, description, total)
}

// side builds the aligner view of one batch. Image sizes come from the
// [C,H,W] image tensors.
func side(role model.Role, feats []*tensor.Tensor, b *dataloader.Batch) distill.Side {
	s := distill.Side{Role: role, Features: feats, Targets: b.Targets}
	for _, img := range b.Images {
		s.ImageSizes = append(s.ImageSizes, distill.ImageSize{Height: img.Shape[1], Width: img.Shape[2]})
	}
	return s
}

// scalars reads the value of every one-element loss term.
func scalars(terms map[string]*tensor.Tensor) (map[string]float64, error) {
	values := make(map[string]float64, len(terms))
	for name, t := range terms {
		v, err := t.Item()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		values[name] = float64(v)
	}
	return values, nil
}
