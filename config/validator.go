package config

import (
	"fmt"
	"strings"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/model"
)

// Validate checks the parts of the configuration that do not depend on the
// registry and fills in defaults for optional fields.
func Validate(cfg *Config) error {
	if err := cfg.Train.EngineConfig.Validate(); err != nil {
		return invalid("train: %v", err)
	}
	for _, thr := range cfg.Train.IoUThresholds {
		if thr <= 0 || thr > 1 {
			return invalid("train.iou_thresholds: %v outside (0, 1]", thr)
		}
	}
	if s := cfg.Train.ScreeningThreshold; s < 0 || s > 1 {
		return invalid("train.screening_threshold: %v outside [0, 1]", s)
	}

	for _, role := range []model.Role{model.Teacher, model.Student} {
		if strings.TrimSpace(cfg.Networks.Get(role).Name) == "" {
			return invalid("networks.%s.variant is required", role)
		}
		if strings.TrimSpace(cfg.Optimizers.Get(role).Name) == "" {
			return invalid("optimizers.%s.variant is required", role)
		}
		if cfg.Schedulers.Get(role).Name == "" {
			cfg.Schedulers.Get(role).Name = "none"
		}
		if err := validateData(role, cfg.Data.Get(role)); err != nil {
			return err
		}
	}

	if cfg.Checkpoints.Dir == "" {
		return invalid("checkpoints.dir is required")
	}
	if _, err := checkpoints.ParseFormat(cfg.Checkpoints.Format); err != nil {
		return invalid("checkpoints.format: %v", err)
	}

	if m := cfg.Metrics.MQTT; m != nil && m.Broker == "" {
		return invalid("metrics.mqtt.broker is required when mqtt is enabled")
	}
	if h := cfg.Metrics.HTTP; h != nil {
		if h.BaseURL == "" {
			return invalid("metrics.http.base_url is required when http is enabled")
		}
		if h.RetryAttempts < 0 || h.Timeout < 0 || h.RetryDelay < 0 {
			return invalid("metrics.http: timeout, retry_attempts and retry_delay must not be negative")
		}
	}
	return nil
}

func validateData(role model.Role, d *DataConfig) error {
	if d.Name == "" {
		return invalid("data.%s.variant is required", role)
	}
	if d.TrainRatio <= 0 || d.ValidRatio < 0 || d.TrainRatio+d.ValidRatio > 1 {
		return invalid("data.%s: invalid split ratios train=%g valid=%g", role, d.TrainRatio, d.ValidRatio)
	}
	if d.Loader.BatchSize <= 0 {
		return invalid("data.%s.loader.batch_size must be > 0", role)
	}
	if d.Prefetch < 0 {
		return invalid("data.%s.prefetch must not be negative", role)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
