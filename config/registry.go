package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/models/pixelnet"
	"github.com/tsawler/lesion-distill/optimizer"
	"github.com/tsawler/lesion-distill/tensor"
	"github.com/tsawler/lesion-distill/training"
	"github.com/tsawler/lesion-distill/vision/dataset"
)

// Builders returned by registry factories. Factories decode and validate
// their parameters when the configuration is loaded; builders construct the
// component when the run is assembled.
type (
	NetworkBuilder   func() (model.Network, error)
	OptimizerBuilder func(params []*tensor.Tensor) (optimizer.Optimizer, error)
	SchedulerBuilder func() (training.LRScheduler, error)
	DatasetBuilder   func() (dataset.GroupedDataset, error)
)

// Registry maps variant names to factories.
type Registry struct {
	networks   map[string]func(*yaml.Node) (NetworkBuilder, error)
	optimizers map[string]func(*yaml.Node) (OptimizerBuilder, error)
	schedulers map[string]func(*yaml.Node) (SchedulerBuilder, error)
	datasets   map[string]func(*yaml.Node) (DatasetBuilder, error)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		networks:   make(map[string]func(*yaml.Node) (NetworkBuilder, error)),
		optimizers: make(map[string]func(*yaml.Node) (OptimizerBuilder, error)),
		schedulers: make(map[string]func(*yaml.Node) (SchedulerBuilder, error)),
		datasets:   make(map[string]func(*yaml.Node) (DatasetBuilder, error)),
	}
}

func (r *Registry) RegisterNetwork(name string, f func(*yaml.Node) (NetworkBuilder, error)) {
	r.networks[name] = f
}

func (r *Registry) RegisterOptimizer(name string, f func(*yaml.Node) (OptimizerBuilder, error)) {
	r.optimizers[name] = f
}

func (r *Registry) RegisterScheduler(name string, f func(*yaml.Node) (SchedulerBuilder, error)) {
	r.schedulers[name] = f
}

func (r *Registry) RegisterDataset(name string, f func(*yaml.Node) (DatasetBuilder, error)) {
	r.datasets[name] = f
}

// Names lists the registered variants of kind ("networks", "optimizers",
// "schedulers" or "datasets") in sorted order.
func (r *Registry) Names(kind string) []string {
	var names []string
	collect := func(n string) { names = append(names, n) }
	switch kind {
	case "networks":
		for n := range r.networks {
			collect(n)
		}
	case "optimizers":
		for n := range r.optimizers {
			collect(n)
		}
	case "schedulers":
		for n := range r.schedulers {
			collect(n)
		}
	case "datasets":
		for n := range r.datasets {
			collect(n)
		}
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry knows the networks, optimizers, schedulers and datasets
// shipped with the module.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterNetwork("pixelnet", func(node *yaml.Node) (NetworkBuilder, error) {
		cfg, err := decode(node, pixelnet.DefaultConfig())
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return func() (model.Network, error) { return pixelnet.New(cfg) }, nil
	})

	r.RegisterOptimizer("sgd", func(node *yaml.Node) (OptimizerBuilder, error) {
		cfg, err := decode(node, optimizer.DefaultSGDConfig())
		if err != nil {
			return nil, err
		}
		return func(p []*tensor.Tensor) (optimizer.Optimizer, error) { return optimizer.NewSGD(cfg, p) }, nil
	})
	r.RegisterOptimizer("adam", func(node *yaml.Node) (OptimizerBuilder, error) {
		cfg, err := decode(node, optimizer.DefaultAdamConfig())
		if err != nil {
			return nil, err
		}
		return func(p []*tensor.Tensor) (optimizer.Optimizer, error) { return optimizer.NewAdam(cfg, p) }, nil
	})
	r.RegisterOptimizer("rmsprop", func(node *yaml.Node) (OptimizerBuilder, error) {
		cfg, err := decode(node, optimizer.DefaultRMSPropConfig())
		if err != nil {
			return nil, err
		}
		return func(p []*tensor.Tensor) (optimizer.Optimizer, error) { return optimizer.NewRMSProp(cfg, p) }, nil
	})

	r.RegisterScheduler("none", func(*yaml.Node) (SchedulerBuilder, error) {
		return func() (training.LRScheduler, error) { return &training.NoOpScheduler{}, nil }, nil
	})
	r.RegisterScheduler("step", func(node *yaml.Node) (SchedulerBuilder, error) {
		p, err := decode(node, struct {
			StepSize int     `yaml:"step_size"`
			Gamma    float64 `yaml:"gamma"`
		}{StepSize: 30, Gamma: 0.1})
		if err != nil {
			return nil, err
		}
		return func() (training.LRScheduler, error) {
			return training.NewStepLRScheduler(p.StepSize, p.Gamma), nil
		}, nil
	})
	r.RegisterScheduler("exponential", func(node *yaml.Node) (SchedulerBuilder, error) {
		p, err := decode(node, struct {
			Gamma float64 `yaml:"gamma"`
		}{Gamma: 0.95})
		if err != nil {
			return nil, err
		}
		return func() (training.LRScheduler, error) {
			return training.NewExponentialLRScheduler(p.Gamma), nil
		}, nil
	})
	r.RegisterScheduler("cosine", func(node *yaml.Node) (SchedulerBuilder, error) {
		p, err := decode(node, struct {
			TMax   int     `yaml:"t_max"`
			EtaMin float64 `yaml:"eta_min"`
		}{TMax: 100})
		if err != nil {
			return nil, err
		}
		return func() (training.LRScheduler, error) {
			return training.NewCosineAnnealingLRScheduler(p.TMax, p.EtaMin), nil
		}, nil
	})
	r.RegisterScheduler("cyclic", func(node *yaml.Node) (SchedulerBuilder, error) {
		p, err := decode(node, struct {
			MaxLR        float64 `yaml:"max_lr"`
			StepSizeUp   int     `yaml:"step_size_up"`
			StepSizeDown int     `yaml:"step_size_down"`
			Mode         string  `yaml:"mode"`
			Gamma        float64 `yaml:"gamma"`
		}{StepSizeUp: 2, Mode: training.CyclicTriangular, Gamma: 1})
		if err != nil {
			return nil, err
		}
		if _, err := training.NewCyclicLRScheduler(p.MaxLR, p.StepSizeUp, p.StepSizeDown, p.Mode, p.Gamma); err != nil {
			return nil, err
		}
		return func() (training.LRScheduler, error) {
			return training.NewCyclicLRScheduler(p.MaxLR, p.StepSizeUp, p.StepSizeDown, p.Mode, p.Gamma)
		}, nil
	})

	r.RegisterDataset("synthetic", func(node *yaml.Node) (DatasetBuilder, error) {
		cfg, err := decode(node, dataset.DefaultSyntheticConfig())
		if err != nil {
			return nil, err
		}
		if _, err := dataset.NewSynthetic(cfg); err != nil {
			return nil, err
		}
		return func() (dataset.GroupedDataset, error) { return dataset.NewSynthetic(cfg) }, nil
	})
	r.RegisterDataset("folder", func(node *yaml.Node) (DatasetBuilder, error) {
		cfg, err := decode(node, dataset.FolderConfig{Height: 32, Width: 32, Channels: 1, CacheSize: 256})
		if err != nil {
			return nil, err
		}
		if cfg.Root == "" {
			return nil, fmt.Errorf("folder dataset needs a root directory")
		}
		return func() (dataset.GroupedDataset, error) { return dataset.NewFolder(cfg) }, nil
	})
	return r
}

// decode overlays node on def. An absent node leaves def unchanged.
func decode[T any](node *yaml.Node, def T) (T, error) {
	if node == nil || node.Kind == 0 {
		return def, nil
	}
	if err := node.Decode(&def); err != nil {
		return def, fmt.Errorf("decode params: %w", err)
	}
	return def, nil
}

// builders are the resolved variants of one role.
type builders struct {
	network   NetworkBuilder
	optimizer OptimizerBuilder
	scheduler SchedulerBuilder
	dataset   DatasetBuilder
}

// resolve looks up and decodes every variant.
func (c *Config) resolve(reg *Registry) error {
	c.resolved = make(map[model.Role]*builders, 2)
	for _, role := range []model.Role{model.Teacher, model.Student} {
		b := &builders{}
		var err error
		if b.network, err = lookup(reg.networks, "networks", role, c.Networks.Get(role).Name, &c.Networks.Get(role).Params); err != nil {
			return err
		}
		if b.optimizer, err = lookup(reg.optimizers, "optimizers", role, c.Optimizers.Get(role).Name, &c.Optimizers.Get(role).Params); err != nil {
			return err
		}
		if b.scheduler, err = lookup(reg.schedulers, "schedulers", role, c.Schedulers.Get(role).Name, &c.Schedulers.Get(role).Params); err != nil {
			return err
		}
		if b.dataset, err = lookup(reg.datasets, "data", role, c.Data.Get(role).Name, &c.Data.Get(role).Params); err != nil {
			return err
		}
		c.resolved[role] = b
	}
	return nil
}

func lookup[B any](m map[string]func(*yaml.Node) (B, error), section string, role model.Role, name string, params *yaml.Node) (B, error) {
	var zero B
	f, ok := m[name]
	if !ok {
		return zero, fmt.Errorf("%w: %s.%s.variant %q", ErrUnknownVariant, section, role, name)
	}
	b, err := f(params)
	if err != nil {
		return zero, fmt.Errorf("%w: %s.%s (%s): %v", ErrInvalidConfig, section, role, name, err)
	}
	return b, nil
}
