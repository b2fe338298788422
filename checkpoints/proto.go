package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf wire layout of a checkpoint. Field numbers are part of the file
// format and must not be reused.
//
//	message Checkpoint     { repeated WeightTensor weights = 1; TrainingState training_state = 2;
//	                         OptimizerState optimizer_state = 3; Metadata metadata = 4; }
//	message WeightTensor   { string name = 1; repeated int64 shape = 2; repeated float data = 3; }
//	message TrainingState  { int64 epoch = 1; int64 step = 2; double learning_rate = 3;
//	                         string selection_metric = 4; double best_value = 5; }
//	message OptimizerState { string type = 1; repeated Param parameters = 2;
//	                         repeated OptimizerTensor state_data = 3; }
//	message Param          { string key = 1; double value = 2; }
//	message OptimizerTensor{ string name = 1; repeated int64 shape = 2; repeated float data = 3;
//	                         string state_type = 4; }
//	message Metadata       { string version = 1; string framework = 2; int64 created_at_unix_nano = 3;
//	                         string description = 4; repeated string tags = 5; string run_id = 6;
//	                         string role = 7; string kind = 8; string host = 9; }

func marshalProto(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		b = appendMessage(b, 1, encodeWeight(w))
	}
	b = appendMessage(b, 2, encodeTrainingState(c.TrainingState))
	if c.OptimizerState != nil {
		b = appendMessage(b, 3, encodeOptimizerState(c.OptimizerState))
	}
	b = appendMessage(b, 4, encodeMetadata(c.Metadata))
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	if len(shape) == 0 {
		return b
	}
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(b, num, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	if len(data) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func encodeWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendFloats(b, 3, w.Data)
	return b
}

func encodeTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendInt(b, 1, int64(s.Epoch))
	b = appendInt(b, 2, int64(s.Step))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendString(b, 4, s.SelectionMetric)
	b = appendDouble(b, 5, s.BestValue)
	return b
}

func encodeOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, 1, k)
		p = appendDouble(p, 2, s.Parameters[k])
		b = appendMessage(b, 2, p)
	}

	for _, t := range s.StateData {
		var m []byte
		m = appendString(m, 1, t.Name)
		m = appendShape(m, 2, t.Shape)
		m = appendFloats(m, 3, t.Data)
		m = appendString(m, 4, t.StateType)
		b = appendMessage(b, 3, m)
	}
	return b
}

func encodeMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, 3, m.CreatedAt.UnixNano())
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, 6, m.RunID)
	b = appendString(b, 7, m.Role)
	b = appendString(b, 8, string(m.Kind))
	b = appendString(b, 9, m.Host)
	return b
}

// fieldFunc handles one decoded field and returns the bytes consumed, or 0
// to have walk skip the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates the fields of a message, skipping unknown ones.
func walk(b []byte, handle fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := handle(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func expect(typ, want protowire.Type) error {
	if typ != want {
		return fmt.Errorf("unexpected wire type %d, want %d", typ, want)
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if err := expect(typ, protowire.BytesType); err != nil {
		return nil, 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	return string(v), n, err
}

func consumeInt(typ protowire.Type, b []byte) (int64, int, error) {
	if err := expect(typ, protowire.VarintType); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int64(v), n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if err := expect(typ, protowire.Fixed64Type); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeShape(typ protowire.Type, b []byte) ([]int, int, error) {
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	var shape []int
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		shape = append(shape, int(v))
		packed = packed[m:]
	}
	return shape, n, nil
}

func consumeFloats(typ protowire.Type, b []byte) ([]float32, int, error) {
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	if len(packed)%4 != 0 {
		return nil, 0, fmt.Errorf("packed float field has %d bytes", len(packed))
	}
	data := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		data = append(data, math.Float32frombits(v))
		packed = packed[m:]
	}
	return data, n, nil
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return 0, nil
		}
		msg, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			w, err := decodeWeight(msg)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
		case 2:
			if c.TrainingState, err = decodeTrainingState(msg); err != nil {
				return 0, err
			}
		case 3:
			if c.OptimizerState, err = decodeOptimizerState(msg); err != nil {
				return 0, err
			}
		case 4:
			if c.Metadata, err = decodeMetadata(msg); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal proto checkpoint: %w", err)
	}
	return &c, nil
}

func decodeWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			w.Name, n, err = consumeString(typ, b)
		case 2:
			w.Shape, n, err = consumeShape(typ, b)
		case 3:
			w.Data, n, err = consumeFloats(typ, b)
		}
		return n, err
	})
	return w, err
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var v int64
		var err error
		switch num {
		case 1:
			v, n, err = consumeInt(typ, b)
			s.Epoch = int(v)
		case 2:
			v, n, err = consumeInt(typ, b)
			s.Step = int(v)
		case 3:
			s.LearningRate, n, err = consumeDouble(typ, b)
		case 4:
			s.SelectionMetric, n, err = consumeString(typ, b)
		case 5:
			s.BestValue, n, err = consumeDouble(typ, b)
		}
		return n, err
	})
	return s, err
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: make(map[string]float64)}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var n int
			var err error
			s.Type, n, err = consumeString(typ, b)
			return n, err
		case 2:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var key string
			var value float64
			err = walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				var n int
				var err error
				switch num {
				case 1:
					key, n, err = consumeString(typ, b)
				case 2:
					value, n, err = consumeDouble(typ, b)
				}
				return n, err
			})
			if err != nil {
				return 0, err
			}
			s.Parameters[key] = value
			return n, nil
		case 3:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var t OptimizerTensor
			err = walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				var n int
				var err error
				switch num {
				case 1:
					t.Name, n, err = consumeString(typ, b)
				case 2:
					t.Shape, n, err = consumeShape(typ, b)
				case 3:
					t.Data, n, err = consumeFloats(typ, b)
				case 4:
					t.StateType, n, err = consumeString(typ, b)
				}
				return n, err
			})
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, t)
			return n, nil
		}
		return 0, nil
	})
	return s, err
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			m.Version, n, err = consumeString(typ, b)
		case 2:
			m.Framework, n, err = consumeString(typ, b)
		case 3:
			var ns int64
			ns, n, err = consumeInt(typ, b)
			m.CreatedAt = time.Unix(0, ns).UTC()
		case 4:
			m.Description, n, err = consumeString(typ, b)
		case 5:
			var tag string
			tag, n, err = consumeString(typ, b)
			m.Tags = append(m.Tags, tag)
		case 6:
			m.RunID, n, err = consumeString(typ, b)
		case 7:
			m.Role, n, err = consumeString(typ, b)
		case 8:
			var kind string
			kind, n, err = consumeString(typ, b)
			m.Kind = Kind(kind)
		case 9:
			m.Host, n, err = consumeString(typ, b)
		}
		return n, err
	})
	return m, err
}
