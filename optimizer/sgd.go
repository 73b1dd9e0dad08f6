package optimizer

import (
	"fmt"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
)

// SGDOptimizerState represents SGD optimizer state
type SGDOptimizerState struct {
	// Hyperparameters
	LR          float32
	Momentum    float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float32 // L2 coefficient added to the gradient
	Nesterov    bool    // Whether to use Nesterov momentum

	// Velocity buffers (only if momentum > 0)
	velocity slots

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov requires a positive momentum")
	}

	return &SGDOptimizerState{
		LR:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}, nil
}

// Step performs a single SGD step. With momentum the velocity is v = momentum*v - lr*g and
// the update is w += v, or w += momentum*v - lr*g for Nesterov.
func (sgd *SGDOptimizerState) Step(params []*engine.Param) error {
	if sgd.Momentum > 0 {
		if err := sgd.velocity.ensure("sgd velocity", params); err != nil {
			return err
		}
	}

	sgd.StepCount++

	for i, p := range params {
		for j, g := range p.Grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Data[j]
			}
			if sgd.Momentum == 0 {
				p.Data[j] -= sgd.LR * g
				continue
			}
			v := sgd.velocity[i]
			v[j] = sgd.Momentum*v[j] - sgd.LR*g
			if sgd.Nesterov {
				p.Data[j] += sgd.Momentum*v[j] - sgd.LR*g
			} else {
				p.Data[j] += v[j]
			}
		}
	}

	return nil
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float32 {
	return sgd.LR
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LR = newLR
}

// GetStepCount returns the current optimization step number
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.velocity))

	// Extract momentum buffers if momentum is used
	if sgd.Momentum > 0 {
		for i, buffer := range sgd.velocity {
			stateData = append(stateData, extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"))
		}
	}

	return &OptimizerState{
		Type: TypeSGD,
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LR,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	// Validate state type
	if err := validateStateType(TypeSGD, state); err != nil {
		return err
	}

	velocity, err := restoreBufferStates(state.StateData, "momentum")
	if err != nil {
		return err
	}

	// Restore hyperparameters
	sgd.LR = extractFloat32Param(state.Parameters, "learning_rate", sgd.LR)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	sgd.velocity = velocity
	return nil
}
