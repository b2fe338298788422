package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownFormat is returned for format names and file extensions that no
// codec handles.
var ErrUnknownFormat = errors.New("unknown checkpoint format")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
	FormatMsgpack
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	case FormatMsgpack:
		return "msgpack"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used for the format, without the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "pb"
	case FormatMsgpack:
		return "msgpack"
	default:
		return "bin"
	}
}

// ParseFormat maps a configuration name to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	case "msgpack":
		return FormatMsgpack, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// FormatFromPath infers the format from a checkpoint file extension.
func FormatFromPath(path string) (CheckpointFormat, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	for _, f := range []CheckpointFormat{FormatJSON, FormatProto, FormatMsgpack} {
		if f.Extension() == ext {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: extension %q", ErrUnknownFormat, ext)
}

// Kind distinguishes the rolling checkpoint from the best-so-far one.
type Kind string

const (
	KindLast Kind = "last"
	KindBest Kind = "best"
)

// Path returns <dir>/<role>_<kind>.<ext>.
func Path(dir, role string, kind Kind, format CheckpointFormat) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", role, kind, format.Extension()))
}

// Checkpoint is one persisted network snapshot
type Checkpoint struct {
	Weights []WeightTensor `json:"weights" msgpack:"weights"`

	TrainingState TrainingState `json:"training_state" msgpack:"training_state"`

	// Optimizer state (if saved)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty" msgpack:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata" msgpack:"metadata"`
}

// WeightTensor is one named network parameter
type WeightTensor struct {
	Name  string    `json:"name" msgpack:"name"`
	Shape []int     `json:"shape" msgpack:"shape"`
	Data  []float32 `json:"data" msgpack:"data"`
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch           int     `json:"epoch" msgpack:"epoch"`
	Step            int     `json:"step" msgpack:"step"`
	LearningRate    float64 `json:"learning_rate" msgpack:"learning_rate"`
	SelectionMetric string  `json:"selection_metric,omitempty" msgpack:"selection_metric,omitempty"`
	BestValue       float64 `json:"best_value" msgpack:"best_value"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type" msgpack:"type"` // "sgd", "adam"
	Parameters map[string]float64 `json:"parameters" msgpack:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data" msgpack:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name" msgpack:"name"`
	Shape     []int     `json:"shape" msgpack:"shape"`
	Data      []float32 `json:"data" msgpack:"data"`
	StateType string    `json:"state_type" msgpack:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version" msgpack:"version"`
	Framework   string    `json:"framework" msgpack:"framework"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	RunID       string    `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	Role        string    `json:"role,omitempty" msgpack:"role,omitempty"`
	Kind        Kind      `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Host        string    `json:"host,omitempty" msgpack:"host,omitempty"`
	Description string    `json:"description,omitempty" msgpack:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

const (
	frameworkName    = "lesion-distill"
	frameworkVersion = "1.0.0"
)

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint to path. The file is written to a
// temporary sibling and renamed, so an interrupted save never truncates the
// previous checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	data, err := cs.encode(checkpoint)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return cs.decode(data)
}

func (cs *CheckpointSaver) encode(checkpoint *Checkpoint) ([]byte, error) {
	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return data, nil
	case FormatProto:
		return marshalProto(checkpoint), nil
	case FormatMsgpack:
		return marshalMsgpack(checkpoint)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, cs.format)
	}
}

func (cs *CheckpointSaver) decode(data []byte) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProto:
		return unmarshalProto(data)
	case FormatMsgpack:
		return unmarshalMsgpack(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, cs.format)
	}
}

// WeightMap indexes weights by name.
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}
