package training

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/optimizer"
)

// AuxiliaryPrefix marks parameters that are saved with a network but are not
// part of its architecture, such as the distillation projection.
const AuxiliaryPrefix = "distill."

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Dir           string                       `yaml:"dir"`
	Format        checkpoints.CheckpointFormat `yaml:"-"`
	SaveOptimizer bool                         `yaml:"save_optimizer"`
	// SelectionMetric maps each role to the exact record key that decides
	// its best checkpoint.
	SelectionMetric map[model.Role]string `yaml:"-"`
}

// DefaultSelectionMetric returns "<role>: mAP@0.50".
func DefaultSelectionMetric(role model.Role) string {
	return MetricKey(role, "mAP@0.50")
}

// Snapshot is everything persisted for one role.
type Snapshot struct {
	Role      model.Role
	Params    []model.NamedParameter
	Optimizer optimizer.Optimizer
	Epoch     int
	Step      int
	LR        float64
}

// CheckpointManager writes a "last" checkpoint every epoch and a "best"
// checkpoint whenever the role's selection metric is at least the best value
// seen so far. The running best starts at 0.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
	runID  string
	host   string
	best   map[model.Role]float64
	logger *slog.Logger
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, logger *slog.Logger) (*CheckpointManager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sel := make(map[model.Role]string, 2)
	for _, role := range []model.Role{model.Teacher, model.Student} {
		sel[role] = DefaultSelectionMetric(role)
		if v := config.SelectionMetric[role]; v != "" {
			sel[role] = v
		}
	}
	config.SelectionMetric = sel

	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		runID:  checkpoints.NewRunID(),
		host:   checkpoints.HostDescription(),
		best:   make(map[model.Role]float64),
		logger: logger,
	}, nil
}

// RunID identifies the run in checkpoint metadata.
func (cm *CheckpointManager) RunID() string { return cm.runID }

// SelectionMetric returns the record key that selects role's best checkpoint.
func (cm *CheckpointManager) SelectionMetric(role model.Role) string {
	return cm.config.SelectionMetric[role]
}

// Best returns the running best value for role.
func (cm *CheckpointManager) Best(role model.Role) float64 {
	return cm.best[role]
}

// Path returns the file used for role and kind.
func (cm *CheckpointManager) Path(role model.Role, kind checkpoints.Kind) string {
	return checkpoints.Path(cm.config.Dir, role.String(), kind, cm.config.Format)
}

// Commit saves the "last" checkpoint and, when the selection metric in
// record reaches the running best, the "best" checkpoint. It reports whether
// best was written.
func (cm *CheckpointManager) Commit(s Snapshot, record MetricRecord) (bool, error) {
	key := cm.SelectionMetric(s.Role)
	value, err := record.Lookup(key)
	if err != nil {
		return false, fmt.Errorf("%s checkpoint selection: %w", s.Role, err)
	}

	// "last" records the running best including this epoch so that a resume
	// from it cannot lower the bar for "best".
	improved := value >= cm.best[s.Role]
	if improved {
		cm.best[s.Role] = value
	}
	if err := cm.save(s, checkpoints.KindLast, key, value); err != nil {
		return false, err
	}
	if !improved {
		return false, nil
	}
	if err := cm.save(s, checkpoints.KindBest, key, value); err != nil {
		return false, err
	}
	cm.logger.Info("saved best checkpoint",
		"role", s.Role, "epoch", s.Epoch, "metric", key, "value", value,
		"path", cm.Path(s.Role, checkpoints.KindBest))
	return true, nil
}

func (cm *CheckpointManager) save(s Snapshot, kind checkpoints.Kind, key string, value float64) error {
	c := &checkpoints.Checkpoint{
		TrainingState: checkpoints.TrainingState{
			Epoch:           s.Epoch,
			Step:            s.Step,
			LearningRate:    s.LR,
			SelectionMetric: key,
			BestValue:       cm.best[s.Role],
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.runID,
			Role:        s.Role.String(),
			Kind:        kind,
			Host:        cm.host,
			Description: fmt.Sprintf("%s epoch %d, %s=%.4f", s.Role, s.Epoch, key, value),
		},
	}
	for _, p := range s.Params {
		c.Weights = append(c.Weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
		})
	}
	if cm.config.SaveOptimizer && s.Optimizer != nil {
		state, err := s.Optimizer.GetState()
		if err != nil {
			return fmt.Errorf("failed to export %s optimizer state: %w", s.Role, err)
		}
		c.OptimizerState = state
	}

	path := cm.Path(s.Role, kind)
	if err := cm.saver.SaveCheckpoint(c, path); err != nil {
		return fmt.Errorf("failed to save %s %s checkpoint: %w", s.Role, kind, err)
	}
	cm.logger.Debug("saved checkpoint", "role", s.Role, "kind", kind, "epoch", s.Epoch, "path", path)
	return nil
}

// LoadResult describes a restored checkpoint.
type LoadResult struct {
	State    checkpoints.TrainingState
	Metadata checkpoints.CheckpointMetadata
	// Skipped lists auxiliary weights in the file that params did not ask
	// for.
	Skipped []string
	// OptimizerRestored is set when optimizer state was present and loaded.
	OptimizerRestored bool
}

// Load restores role's kind checkpoint into params, and into opt when both
// opt and saved optimizer state are present. Every requested parameter must
// be present with the same shape, and every stored parameter must be
// requested unless it is auxiliary; anything else is
// ErrIncompatibleCheckpoint and leaves params untouched.
func (cm *CheckpointManager) Load(role model.Role, kind checkpoints.Kind, params []model.NamedParameter, opt optimizer.Optimizer) (*LoadResult, error) {
	path := cm.Path(role, kind)
	c, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if c.Metadata.Role != "" && c.Metadata.Role != role.String() {
		return nil, fmt.Errorf("%w: %s holds a %s checkpoint", ErrIncompatibleCheckpoint, path, c.Metadata.Role)
	}

	stored := c.WeightMap()
	requested := make(map[string]bool, len(params))
	for _, p := range params {
		requested[p.Name] = true
		w, ok := stored[p.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no parameter %q", ErrIncompatibleCheckpoint, path, p.Name)
		}
		if !sameShape(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			return nil, fmt.Errorf("%w: parameter %q has shape %v in %s, network expects %v",
				ErrIncompatibleCheckpoint, p.Name, w.Shape, path, p.Value.Shape)
		}
	}
	result := &LoadResult{State: c.TrainingState, Metadata: c.Metadata}
	for _, w := range c.Weights {
		if requested[w.Name] {
			continue
		}
		if !strings.HasPrefix(w.Name, AuxiliaryPrefix) {
			return nil, fmt.Errorf("%w: %s has unexpected parameter %q", ErrIncompatibleCheckpoint, path, w.Name)
		}
		result.Skipped = append(result.Skipped, w.Name)
	}

	for _, p := range params {
		if err := p.Value.SetData(stored[p.Name].Data); err != nil {
			return nil, err
		}
	}

	if opt != nil && c.OptimizerState != nil {
		if c.OptimizerState.Type != opt.Type() {
			return nil, fmt.Errorf("%w: optimizer state is %s, network uses %s",
				ErrIncompatibleCheckpoint, c.OptimizerState.Type, opt.Type())
		}
		if err := opt.LoadState(c.OptimizerState); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncompatibleCheckpoint, err)
		}
		result.OptimizerRestored = true
	}

	if c.TrainingState.BestValue > cm.best[role] {
		cm.best[role] = c.TrainingState.BestValue
	}
	cm.logger.Info("loaded checkpoint", "role", role, "kind", kind, "epoch", c.TrainingState.Epoch,
		"run_id", c.Metadata.RunID, "path", path)
	return result, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
