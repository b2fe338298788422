// Package config loads the YAML description of a distillation run and turns
// it into a ready training engine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/lesion-distill/metriclog"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/training"
	"github.com/tsawler/lesion-distill/vision/dataloader"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrUnknownVariant means a variant name is not in the registry.
	ErrUnknownVariant = errors.New("config: unknown variant")
)

// Config represents a complete run.
type Config struct {
	RunName     string               `yaml:"run_name"`
	Networks    RolePair[Variant]    `yaml:"networks"`
	Optimizers  RolePair[Variant]    `yaml:"optimizers"`
	Schedulers  RolePair[Variant]    `yaml:"schedulers"`
	Data        RolePair[DataConfig] `yaml:"data"`
	Train       TrainConfig          `yaml:"train"`
	Checkpoints CheckpointsConfig    `yaml:"checkpoints"`
	Metrics     MetricsConfig        `yaml:"metrics"`

	resolved map[model.Role]*builders
}

// RolePair holds one value per role.
type RolePair[T any] struct {
	Teacher T `yaml:"teacher"`
	Student T `yaml:"student"`
}

// Get returns the value for role.
func (p *RolePair[T]) Get(role model.Role) *T {
	if role == model.Teacher {
		return &p.Teacher
	}
	return &p.Student
}

// Variant names a registered implementation and carries its parameters
// undecoded until the registry resolves it.
type Variant struct {
	Name   string    `yaml:"variant"`
	Params yaml.Node `yaml:"params"`
}

// DataConfig selects a dataset, how it is split by group and how it is
// batched.
type DataConfig struct {
	Name       string            `yaml:"variant"`
	Params     yaml.Node         `yaml:"params"`
	TrainRatio float64           `yaml:"train_ratio"`
	ValidRatio float64           `yaml:"valid_ratio"`
	SplitSeed  int64             `yaml:"split_seed"`
	Loader     dataloader.Config `yaml:"loader"`
	// Prefetch is the number of training batches decoded ahead in the
	// background. Zero decodes on demand.
	Prefetch int `yaml:"prefetch"`
}

// TrainConfig holds the engine settings plus evaluation and selection.
type TrainConfig struct {
	training.EngineConfig `yaml:",inline"`
	IoUThresholds         []float64        `yaml:"iou_thresholds"`
	ScreeningThreshold    float64          `yaml:"screening_threshold"`
	SelectionMetric       RolePair[string] `yaml:"selection_metric"`
}

// CheckpointsConfig configures where and how checkpoints are written.
type CheckpointsConfig struct {
	Dir           string `yaml:"dir"`
	Format        string `yaml:"format"` // json, proto, msgpack
	SaveOptimizer bool   `yaml:"save_optimizer"`
}

// MetricsConfig enables metric sinks. Unset sections are disabled.
type MetricsConfig struct {
	Log    bool                  `yaml:"log"`
	SQLite string                `yaml:"sqlite"`
	MQTT   *metriclog.MQTTConfig `yaml:"mqtt,omitempty"`
	HTTP   *metriclog.HTTPConfig `yaml:"http,omitempty"`
}

// Default returns a runnable configuration: two pixelnet networks on the
// synthetic dataset, SGD and no schedule.
func Default() *Config {
	data := DataConfig{
		Name:       "synthetic",
		TrainRatio: 0.7,
		ValidRatio: 0.15,
		SplitSeed:  1,
		Loader:     dataloader.Config{BatchSize: 4, Shuffle: true, Seed: 1},
	}
	return &Config{
		RunName:    "lesion-distill",
		Networks:   RolePair[Variant]{Teacher: Variant{Name: "pixelnet"}, Student: Variant{Name: "pixelnet"}},
		Optimizers: RolePair[Variant]{Teacher: Variant{Name: "sgd"}, Student: Variant{Name: "sgd"}},
		Schedulers: RolePair[Variant]{Teacher: Variant{Name: "none"}, Student: Variant{Name: "none"}},
		Data:       RolePair[DataConfig]{Teacher: data, Student: data},
		Train: TrainConfig{
			EngineConfig:  training.DefaultEngineConfig(),
			IoUThresholds: training.DefaultIoUThresholds(),
		},
		Checkpoints: CheckpointsConfig{Dir: "checkpoints", Format: "json", SaveOptimizer: true},
		Metrics:     MetricsConfig{Log: true},
	}
}

// Load reads, validates and resolves a YAML configuration file.
func Load(path string, reg *Registry) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, reg)
}

// Parse decodes data over Default, rejecting unknown keys, then validates the
// result and resolves every variant against reg. A nil reg uses
// DefaultRegistry.
func Parse(data []byte, reg *Registry) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	if err := cfg.resolve(reg); err != nil {
		return nil, err
	}
	return cfg, nil
}
