package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64 `yaml:"lr"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"eps"`
	WeightDecay  float64 `yaml:"weight_decay"`
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction. Moment buffers
// are created lazily so parameters added through AddParamGroup start from
// zero moments.
type Adam struct {
	config    AdamConfig
	params    *paramGroups
	m         map[int][]float32 // first moment estimates
	v         map[int][]float32 // second moment estimates
	stepCount uint64
}

// NewAdam creates an Adam optimizer over params.
func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0,1), got %f and %f", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	pg, err := newParamGroups(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &Adam{
		config: config,
		params: pg,
		m:      make(map[int][]float32),
		v:      make(map[int][]float32),
	}, nil
}

func (adam *Adam) Type() string { return "adam" }

// Step performs a single optimization step
func (adam *Adam) Step() error {
	step := adam.stepCount + 1
	bias1 := 1.0 - math.Pow(adam.config.Beta1, float64(step))
	bias2 := 1.0 - math.Pow(adam.config.Beta2, float64(step))

	err := adam.params.each(func(i int, p *tensor.Tensor, grad []float32, lr float64) error {
		if len(grad) != len(p.Data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad), len(p.Data))
		}
		m, ok := adam.m[i]
		if !ok {
			m = make([]float32, len(p.Data))
			adam.m[i] = m
		}
		v, ok := adam.v[i]
		if !ok {
			v = make([]float32, len(p.Data))
			adam.v[i] = v
		}

		for k := range p.Data {
			g := float64(grad[k]) + adam.config.WeightDecay*float64(p.Data[k])
			mk := adam.config.Beta1*float64(m[k]) + (1-adam.config.Beta1)*g
			vk := adam.config.Beta2*float64(v[k]) + (1-adam.config.Beta2)*g*g
			m[k] = float32(mk)
			v[k] = float32(vk)

			mHat := mk / bias1
			vHat := vk / bias2
			p.Data[k] -= float32(lr * mHat / (math.Sqrt(vHat) + adam.config.Epsilon))
		}
		return nil
	})
	if err != nil {
		return err
	}
	adam.stepCount = step
	return nil
}

func (adam *Adam) ZeroGrad() {
	adam.params.zeroGrad()
}

func (adam *Adam) AddParamGroup(group ParamGroup) error {
	return adam.params.add(group)
}

func (adam *Adam) ParamGroups() []ParamGroup {
	return adam.params.snapshot()
}

func (adam *Adam) SetLearningRate(group int, lr float64) error {
	return adam.params.setLR(group, lr)
}

func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	params := map[string]float64{
		"beta1":        adam.config.Beta1,
		"beta2":        adam.config.Beta2,
		"epsilon":      adam.config.Epsilon,
		"weight_decay": adam.config.WeightDecay,
		"step_count":   float64(adam.stepCount),
	}
	groupLRs(adam.params, params)

	stateData := extractBuffers(adam.m, adam.params.flat, "m")
	stateData = append(stateData, extractBuffers(adam.v, adam.params.flat, "v")...)
	return &checkpoints.OptimizerState{
		Type:       adam.Type(),
		Parameters: params,
		StateData:  stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(adam.Type(), state); err != nil {
		return err
	}
	m, err := restoreBuffers(state, adam.params.flat, "m")
	if err != nil {
		return err
	}
	v, err := restoreBuffers(state, adam.params.flat, "v")
	if err != nil {
		return err
	}
	if len(m) != len(v) {
		return fmt.Errorf("adam state has %d first moments but %d second moments", len(m), len(v))
	}
	if err := restoreGroupLRs(adam.params, state.Parameters); err != nil {
		return err
	}

	adam.config.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(adam.stepCount)))
	adam.m = m
	adam.v = v
	return nil
}
