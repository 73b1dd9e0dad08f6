package optimizer

import (
	"fmt"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
)

// Common helper functions for optimizer state management

// slots holds one state buffer per parameter tensor, allocated on the first step
type slots [][]float32

// ensure allocates the buffers for params or checks that they still line up
func (s *slots) ensure(name string, params []*engine.Param) error {
	if *s == nil {
		buffers := make([][]float32, len(params))
		for i, p := range params {
			buffers[i] = make([]float32, len(p.Data))
		}
		*s = buffers
		return nil
	}
	if len(*s) != len(params) {
		return fmt.Errorf("%s: expected %d parameter tensors, got %d", name, len(*s), len(params))
	}
	for i, p := range params {
		if len((*s)[i]) != len(p.Data) {
			return fmt.Errorf("%s: parameter %s has %d values, state has %d", name, p.Name, len(p.Data), len((*s)[i]))
		}
	}
	return nil
}

// extractBufferState copies a single buffer's state for checkpointing
func extractBufferState(buffer []float32, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferStates rebuilds the buffers of one state type from checkpoint tensors.
// Indices must be dense, starting at 0.
func restoreBufferStates(tensors []checkpoints.OptimizerTensor, stateType string) (slots, error) {
	var found []checkpoints.OptimizerTensor
	for _, tensor := range tensors {
		if tensor.StateType == stateType {
			found = append(found, tensor)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}

	buffers := make(slots, len(found))
	for _, tensor := range found {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return nil, fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if buffers[idx] != nil {
			return nil, fmt.Errorf("duplicate state tensor %s", tensor.Name)
		}
		buffers[idx] = append([]float32(nil), tensor.Data...)
	}
	return buffers, nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map. Values decoded
// from JSON arrive as float64; in-memory states carry float32.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
