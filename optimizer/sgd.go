package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64 `yaml:"lr"`
	Momentum     float64 `yaml:"momentum"`
	Dampening    float64 `yaml:"dampening"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Nesterov     bool    `yaml:"nesterov"`
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// dampening, Nesterov momentum and L2 weight decay.
type SGD struct {
	config    SGDConfig
	params    *paramGroups
	momentum  map[int][]float32
	stepCount uint64
}

// NewSGD creates an SGD optimizer over params.
func NewSGD(config SGDConfig, params []*tensor.Tensor) (*SGD, error) {
	if config.Momentum < 0 || config.WeightDecay < 0 {
		return nil, fmt.Errorf("momentum and weight decay must be non-negative")
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}
	pg, err := newParamGroups(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &SGD{config: config, params: pg, momentum: make(map[int][]float32)}, nil
}

func (sgd *SGD) Type() string { return "sgd" }

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	err := sgd.params.each(func(i int, p *tensor.Tensor, grad []float32, lr float64) error {
		if len(grad) != len(p.Data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad), len(p.Data))
		}
		d := make([]float64, len(grad))
		for k, g := range grad {
			d[k] = float64(g) + sgd.config.WeightDecay*float64(p.Data[k])
		}

		if sgd.config.Momentum > 0 {
			buf, ok := sgd.momentum[i]
			if !ok {
				buf = make([]float32, len(d))
				for k := range d {
					buf[k] = float32(d[k])
				}
				sgd.momentum[i] = buf
			} else {
				for k := range d {
					buf[k] = float32(sgd.config.Momentum*float64(buf[k]) + (1-sgd.config.Dampening)*d[k])
				}
			}
			for k := range d {
				if sgd.config.Nesterov {
					d[k] += sgd.config.Momentum * float64(buf[k])
				} else {
					d[k] = float64(buf[k])
				}
			}
		}

		for k := range p.Data {
			p.Data[k] -= float32(lr * d[k])
		}
		return nil
	})
	if err != nil {
		return err
	}
	sgd.stepCount++
	return nil
}

func (sgd *SGD) ZeroGrad() {
	sgd.params.zeroGrad()
}

func (sgd *SGD) AddParamGroup(group ParamGroup) error {
	return sgd.params.add(group)
}

func (sgd *SGD) ParamGroups() []ParamGroup {
	return sgd.params.snapshot()
}

func (sgd *SGD) SetLearningRate(group int, lr float64) error {
	return sgd.params.setLR(group, lr)
}

func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	params := map[string]float64{
		"momentum":     sgd.config.Momentum,
		"dampening":    sgd.config.Dampening,
		"weight_decay": sgd.config.WeightDecay,
		"nesterov":     boolParam(sgd.config.Nesterov),
		"step_count":   float64(sgd.stepCount),
	}
	groupLRs(sgd.params, params)
	return &checkpoints.OptimizerState{
		Type:       sgd.Type(),
		Parameters: params,
		StateData:  extractBuffers(sgd.momentum, sgd.params.flat, "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(sgd.Type(), state); err != nil {
		return err
	}
	momentum, err := restoreBuffers(state, sgd.params.flat, "momentum")
	if err != nil {
		return err
	}
	if err := restoreGroupLRs(sgd.params, state.Parameters); err != nil {
		return err
	}

	sgd.config.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.Dampening = extractFloatParam(state.Parameters, "dampening", sgd.config.Dampening)
	sgd.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractFloatParam(state.Parameters, "nesterov", boolParam(sgd.config.Nesterov)) != 0
	sgd.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(sgd.stepCount)))
	sgd.momentum = momentum
	return nil
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// groupLRs records the learning rate of every group as lr_<i>.
func groupLRs(pg *paramGroups, params map[string]float64) {
	for i, g := range pg.groups {
		params[fmt.Sprintf("lr_%d", i)] = g.LR
	}
}

func restoreGroupLRs(pg *paramGroups, params map[string]float64) error {
	for i := range pg.groups {
		lr, ok := params[fmt.Sprintf("lr_%d", i)]
		if !ok {
			continue
		}
		if math.IsNaN(lr) {
			return fmt.Errorf("learning rate of group %d is NaN", i)
		}
		if err := pg.setLR(i, lr); err != nil {
			return err
		}
	}
	return nil
}
