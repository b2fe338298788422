package training

import (
	"fmt"
	"math"

	"github.com/tsawler/lesion-distill/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Implementations are pure functions of the epoch and the group's initial
// learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// Cyclic modes.
const (
	CyclicTriangular  = "triangular"
	CyclicTriangular2 = "triangular2"
	CyclicExpRange    = "exp_range"
)

// CyclicLRScheduler oscillates between the group's initial learning rate and
// MaxLR. One cycle lasts StepSizeUp + StepSizeDown scheduler steps.
type CyclicLRScheduler struct {
	MaxLR        float64
	StepSizeUp   int
	StepSizeDown int
	Mode         string
	Gamma        float64 // decay per step in exp_range mode
}

// NewCyclicLRScheduler creates a cyclic scheduler. A zero stepSizeDown makes
// the cycle symmetric.
func NewCyclicLRScheduler(maxLR float64, stepSizeUp, stepSizeDown int, mode string, gamma float64) (*CyclicLRScheduler, error) {
	if maxLR <= 0 {
		return nil, fmt.Errorf("cyclic max_lr must be positive, got %g", maxLR)
	}
	if stepSizeUp <= 0 {
		return nil, fmt.Errorf("cyclic step_size_up must be positive, got %d", stepSizeUp)
	}
	if stepSizeDown <= 0 {
		stepSizeDown = stepSizeUp
	}
	switch mode {
	case "":
		mode = CyclicTriangular
	case CyclicTriangular, CyclicTriangular2:
	case CyclicExpRange:
		if gamma <= 0 || gamma > 1 {
			return nil, fmt.Errorf("exp_range gamma must be in (0, 1], got %g", gamma)
		}
	default:
		return nil, fmt.Errorf("unknown cyclic mode %q", mode)
	}
	return &CyclicLRScheduler{
		MaxLR:        maxLR,
		StepSizeUp:   stepSizeUp,
		StepSizeDown: stepSizeDown,
		Mode:         mode,
		Gamma:        gamma,
	}, nil
}

func (s *CyclicLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	total := s.StepSizeUp + s.StepSizeDown
	cycle := epoch / total
	pos := epoch % total

	var x float64
	if pos < s.StepSizeUp {
		x = float64(pos) / float64(s.StepSizeUp)
	} else {
		x = 1 - float64(pos-s.StepSizeUp)/float64(s.StepSizeDown)
	}

	height := (s.MaxLR - baseLR) * x
	switch s.Mode {
	case CyclicTriangular2:
		height /= math.Pow(2, float64(cycle))
	case CyclicExpRange:
		height *= math.Pow(s.Gamma, float64(epoch))
	}
	return baseLR + height
}

func (s *CyclicLRScheduler) GetName() string {
	return "CyclicLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// Scheduler drives an optimizer's learning rates with an LRScheduler. Every
// param group follows the schedule from its own initial learning rate, so a
// group added mid-run joins at the current epoch of the schedule.
type Scheduler struct {
	policy LRScheduler
	opt    optimizer.Optimizer
	epoch  int
}

// NewScheduler binds policy to opt. A nil policy keeps rates constant.
func NewScheduler(policy LRScheduler, opt optimizer.Optimizer) *Scheduler {
	if policy == nil {
		policy = &NoOpScheduler{}
	}
	return &Scheduler{policy: policy, opt: opt}
}

// Step advances the schedule by one epoch and applies the new rates.
func (s *Scheduler) Step() error {
	s.epoch++
	return s.apply()
}

// SetEpoch moves the schedule to epoch, used when resuming from a checkpoint.
func (s *Scheduler) SetEpoch(epoch int) error {
	if epoch < 0 {
		return fmt.Errorf("scheduler epoch must not be negative, got %d", epoch)
	}
	s.epoch = epoch
	return s.apply()
}

func (s *Scheduler) apply() error {
	for i, g := range s.opt.ParamGroups() {
		if err := s.opt.SetLearningRate(i, s.policy.GetLR(s.epoch, 0, g.InitialLR)); err != nil {
			return err
		}
	}
	return nil
}

// Epoch returns the number of completed schedule steps.
func (s *Scheduler) Epoch() int { return s.epoch }

// Name returns the policy name.
func (s *Scheduler) Name() string { return s.policy.GetName() }

// CurrentLR returns the learning rate of the first param group.
func (s *Scheduler) CurrentLR() float64 {
	groups := s.opt.ParamGroups()
	if len(groups) == 0 {
		return 0
	}
	return groups[0].LR
}
