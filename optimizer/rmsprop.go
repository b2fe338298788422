package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64 `yaml:"lr"`
	Alpha        float64 `yaml:"alpha"`
	Epsilon      float64 `yaml:"eps"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Momentum     float64 `yaml:"momentum"`
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
	}
}

// RMSProp scales each update by a running average of squared gradients.
type RMSProp struct {
	config      RMSPropConfig
	params      *paramGroups
	squaredAvg  map[int][]float32
	momentumBuf map[int][]float32
	stepCount   uint64
}

// NewRMSProp creates an RMSProp optimizer over params.
func NewRMSProp(config RMSPropConfig, params []*tensor.Tensor) (*RMSProp, error) {
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0,1), got %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	pg, err := newParamGroups(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &RMSProp{
		config:      config,
		params:      pg,
		squaredAvg:  make(map[int][]float32),
		momentumBuf: make(map[int][]float32),
	}, nil
}

func (r *RMSProp) Type() string { return "rmsprop" }

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	err := r.params.each(func(i int, p *tensor.Tensor, grad []float32, lr float64) error {
		if len(grad) != len(p.Data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad), len(p.Data))
		}
		sq, ok := r.squaredAvg[i]
		if !ok {
			sq = make([]float32, len(p.Data))
			r.squaredAvg[i] = sq
		}
		var buf []float32
		if r.config.Momentum > 0 {
			if buf, ok = r.momentumBuf[i]; !ok {
				buf = make([]float32, len(p.Data))
				r.momentumBuf[i] = buf
			}
		}

		for k := range p.Data {
			g := float64(grad[k]) + r.config.WeightDecay*float64(p.Data[k])
			s := r.config.Alpha*float64(sq[k]) + (1-r.config.Alpha)*g*g
			sq[k] = float32(s)
			update := g / (math.Sqrt(s) + r.config.Epsilon)
			if buf != nil {
				update += r.config.Momentum * float64(buf[k])
				buf[k] = float32(update)
			}
			p.Data[k] -= float32(lr * update)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.stepCount++
	return nil
}

func (r *RMSProp) ZeroGrad() {
	r.params.zeroGrad()
}

func (r *RMSProp) AddParamGroup(group ParamGroup) error {
	return r.params.add(group)
}

func (r *RMSProp) ParamGroups() []ParamGroup {
	return r.params.snapshot()
}

func (r *RMSProp) SetLearningRate(group int, lr float64) error {
	return r.params.setLR(group, lr)
}

func (r *RMSProp) GetStepCount() uint64 {
	return r.stepCount
}

// GetState extracts optimizer state for checkpointing
func (r *RMSProp) GetState() (*checkpoints.OptimizerState, error) {
	params := map[string]float64{
		"alpha":        r.config.Alpha,
		"epsilon":      r.config.Epsilon,
		"weight_decay": r.config.WeightDecay,
		"momentum":     r.config.Momentum,
		"step_count":   float64(r.stepCount),
	}
	groupLRs(r.params, params)

	stateData := extractBuffers(r.squaredAvg, r.params.flat, "squared_grad_avg")
	stateData = append(stateData, extractBuffers(r.momentumBuf, r.params.flat, "momentum")...)
	return &checkpoints.OptimizerState{
		Type:       r.Type(),
		Parameters: params,
		StateData:  stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSProp) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(r.Type(), state); err != nil {
		return err
	}
	sq, err := restoreBuffers(state, r.params.flat, "squared_grad_avg")
	if err != nil {
		return err
	}
	mom, err := restoreBuffers(state, r.params.flat, "momentum")
	if err != nil {
		return err
	}
	if err := restoreGroupLRs(r.params, state.Parameters); err != nil {
		return err
	}

	r.config.Alpha = extractFloatParam(state.Parameters, "alpha", r.config.Alpha)
	r.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", r.config.Epsilon)
	r.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", r.config.WeightDecay)
	r.config.Momentum = extractFloatParam(state.Parameters, "momentum", r.config.Momentum)
	r.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(r.stepCount)))
	r.squaredAvg = sq
	r.momentumBuf = mom
	return nil
}
