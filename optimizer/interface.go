package optimizer

import (
	"fmt"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore backs checkpoint resume.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient
	Step() error

	// ZeroGrad clears the gradients of all parameters in all groups
	ZeroGrad()

	// AddParamGroup registers more parameters after construction.
	// A tensor may belong to at most one group.
	AddParamGroup(group ParamGroup) error

	// ParamGroups returns a snapshot of the registered groups
	ParamGroups() []ParamGroup

	// SetLearningRate updates the learning rate of one group
	SetLearningRate(group int, lr float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// Type names the algorithm ("sgd", "adam", "rmsprop")
	Type() string
}

// ParamGroup is a set of parameters sharing one learning rate. InitialLR is
// the rate the group was registered with; schedulers derive from it.
type ParamGroup struct {
	Name      string
	Params    []*tensor.Tensor
	LR        float64
	InitialLR float64
}

// paramGroups implements the group bookkeeping shared by all optimizers.
// Per-parameter state buffers are addressed by the flat index of the
// parameter across groups, in registration order.
type paramGroups struct {
	groups []ParamGroup
	index  map[*tensor.Tensor]int
	flat   []*tensor.Tensor
}

func newParamGroups(params []*tensor.Tensor, lr float64) (*paramGroups, error) {
	pg := &paramGroups{index: make(map[*tensor.Tensor]int)}
	if err := pg.add(ParamGroup{Name: "default", Params: params, LR: lr}); err != nil {
		return nil, err
	}
	return pg, nil
}

func (pg *paramGroups) add(group ParamGroup) error {
	if group.LR < 0 {
		return fmt.Errorf("learning rate must be non-negative, got %f", group.LR)
	}
	if len(group.Params) == 0 {
		return fmt.Errorf("param group %q has no parameters", group.Name)
	}
	for _, p := range group.Params {
		if p == nil {
			return fmt.Errorf("param group %q contains a nil tensor", group.Name)
		}
		if !p.RequiresGrad() {
			return fmt.Errorf("param group %q contains a tensor that does not require grad", group.Name)
		}
		if _, dup := pg.index[p]; dup {
			return fmt.Errorf("parameter of group %q already belongs to another group", group.Name)
		}
	}

	if group.InitialLR == 0 {
		group.InitialLR = group.LR
	}
	group.Params = append([]*tensor.Tensor(nil), group.Params...)
	for _, p := range group.Params {
		pg.index[p] = len(pg.flat)
		pg.flat = append(pg.flat, p)
	}
	pg.groups = append(pg.groups, group)
	return nil
}

func (pg *paramGroups) snapshot() []ParamGroup {
	out := make([]ParamGroup, len(pg.groups))
	copy(out, pg.groups)
	return out
}

func (pg *paramGroups) setLR(group int, lr float64) error {
	if group < 0 || group >= len(pg.groups) {
		return fmt.Errorf("param group %d out of range [0,%d)", group, len(pg.groups))
	}
	if lr < 0 {
		return fmt.Errorf("learning rate must be non-negative, got %f", lr)
	}
	pg.groups[group].LR = lr
	return nil
}

func (pg *paramGroups) zeroGrad() {
	tensor.ZeroGrad(pg.flat)
}

// each visits every parameter that has a gradient with its flat index and
// its group's learning rate.
func (pg *paramGroups) each(fn func(i int, p *tensor.Tensor, grad []float32, lr float64) error) error {
	for _, g := range pg.groups {
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			if err := fn(pg.index[p], p, grad.Data, g.LR); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
