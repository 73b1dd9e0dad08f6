package optimizer

import (
	"fmt"
	"math"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
)

// AdamOptimizerState represents Adam optimizer state
type AdamOptimizerState struct {
	// Hyperparameters
	LR          float32
	Beta1       float32 // Momentum decay (typically 0.9)
	Beta2       float32 // Variance decay (typically 0.999)
	Epsilon     float32 // Small constant to prevent division by zero
	WeightDecay float32 // L2 coefficient added to the gradient

	// First and second moment for each parameter tensor
	momentum slots
	variance slots

	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer. Moment buffers are allocated on the first step.
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %v", config.Epsilon)
	}

	return &AdamOptimizerState{
		LR:          config.LearningRate,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}, nil
}

// Step performs a single Adam optimization step with bias-corrected moments:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	w -= lr * sqrt(1-b2^t)/(1-b1^t) * m / (sqrt(v) + eps)
func (adam *AdamOptimizerState) Step(params []*engine.Param) error {
	if err := adam.momentum.ensure("adam momentum", params); err != nil {
		return err
	}
	if err := adam.variance.ensure("adam variance", params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	alpha := float32(float64(adam.LR) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))

	for i, p := range params {
		m, v := adam.momentum[i], adam.variance[i]
		for j, g := range p.Grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			p.Data[j] -= alpha * m[j] / (float32(math.Sqrt(float64(v[j]))) + adam.Epsilon)
		}
	}

	return nil
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float32 {
	return adam.LR
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LR = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.LR,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.momentum),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int
}

// getTotalBufferSize calculates bytes used by optimizer state
func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for i := range adam.momentum {
		total += (len(adam.momentum[i]) + len(adam.variance[i])) * 4
	}
	return total
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.momentum))
	for i := range adam.momentum {
		stateData = append(stateData,
			extractBufferState(adam.momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.variance[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: TypeAdam,
		Parameters: map[string]interface{}{
			"learning_rate": adam.LR,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Buffer sizes are checked against the
// parameters on the next step.
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(TypeAdam, state); err != nil {
		return err
	}

	momentum, err := restoreBufferStates(state.StateData, "momentum")
	if err != nil {
		return err
	}
	variance, err := restoreBufferStates(state.StateData, "variance")
	if err != nil {
		return err
	}
	if len(momentum) != len(variance) {
		return fmt.Errorf("adam state has %d momentum and %d variance tensors", len(momentum), len(variance))
	}
	for i := range momentum {
		if len(momentum[i]) != len(variance[i]) {
			return fmt.Errorf("adam state tensor %d: momentum has %d values, variance %d", i, len(momentum[i]), len(variance[i]))
		}
	}

	// Restore hyperparameters
	adam.LR = extractFloat32Param(state.Parameters, "learning_rate", adam.LR)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	adam.momentum = momentum
	adam.variance = variance
	return nil
}
