package checkpoints

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

func marshalMsgpack(checkpoint *Checkpoint) ([]byte, error) {
	data, err := msgpack.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack checkpoint: %w", err)
	}
	return data, nil
}

func unmarshalMsgpack(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := msgpack.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack checkpoint: %w", err)
	}
	return &checkpoint, nil
}
