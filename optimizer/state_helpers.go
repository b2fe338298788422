package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/lesion-distill/checkpoints"
	"github.com/tsawler/lesion-distill/tensor"
)

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "v_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// extractBuffers exports one kind of per-parameter buffer, ordered by index.
func extractBuffers(buffers map[int][]float32, params []*tensor.Tensor, stateType string) []checkpoints.OptimizerTensor {
	indices := make([]int, 0, len(buffers))
	for i := range buffers {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]checkpoints.OptimizerTensor, 0, len(indices))
	for _, i := range indices {
		data := make([]float32, len(buffers[i]))
		copy(data, buffers[i])
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", stateType, i),
			Shape:     append([]int(nil), params[i].Shape...),
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBuffers rebuilds the buffers of one state type, checking every
// entry against the registered parameters.
func restoreBuffers(state *checkpoints.OptimizerState, params []*tensor.Tensor, stateType string) (map[int][]float32, error) {
	buffers := make(map[int][]float32)
	for _, st := range state.StateData {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(params) {
			return nil, fmt.Errorf("state tensor %s does not match any of %d parameters", st.Name, len(params))
		}
		if len(st.Data) != params[idx].NumElems {
			return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				st.Name, params[idx].NumElems, len(st.Data))
		}
		data := make([]float32, len(st.Data))
		copy(data, st.Data)
		buffers[idx] = data
	}
	return buffers, nil
}

// extractFloatParam safely extracts a hyperparameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}
