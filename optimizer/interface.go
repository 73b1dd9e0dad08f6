package optimizer

import (
	"fmt"
	"strings"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore lets a run resume from a checkpoint with its moment estimates intact.
type Optimizer interface {
	// Step applies the accumulated gradients of params. The same parameter list, in the same
	// order, must be passed on every call.
	Step(params []*engine.Param) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the current learning rate
	LearningRate() float32

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// Optimizer type names
const (
	TypeAdam = "Adam"
	TypeSGD  = "SGD"
)

// Config selects and parameterizes an optimizer
type Config struct {
	Type         string  `yaml:"type" json:"type" validate:"oneof=adam sgd Adam SGD"`
	LearningRate float32 `yaml:"learning_rate" json:"learning_rate" validate:"gt=0"`
	Beta1        float32 `yaml:"beta1" json:"beta1" validate:"gte=0,lt=1"`
	Beta2        float32 `yaml:"beta2" json:"beta2" validate:"gte=0,lt=1"`
	Epsilon      float32 `yaml:"epsilon" json:"epsilon" validate:"gt=0"`
	Momentum     float32 `yaml:"momentum" json:"momentum" validate:"gte=0,lt=1"`
	Nesterov     bool    `yaml:"nesterov" json:"nesterov"`
	WeightDecay  float32 `yaml:"weight_decay" json:"weight_decay" validate:"gte=0"`
}

// DefaultConfig returns Adam with a 1e-3 learning rate
func DefaultConfig() Config {
	adam := DefaultAdamConfig()
	return Config{
		Type:         "adam",
		LearningRate: adam.LearningRate,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		WeightDecay:  adam.WeightDecay,
	}
}

// New creates the optimizer described by cfg
func New(cfg Config) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case "adam":
		return NewAdamOptimizer(AdamConfig{
			LearningRate: cfg.LearningRate,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		})
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		})
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", cfg.Type)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
