package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/BenmansourYahia/SignLanguage-Project/layers"
)

const (
	// FormatVersion is written into every checkpoint
	FormatVersion = "1.0.0"
	// Framework identifies the producer of checkpoints and artifacts
	Framework = "signlang"
)

// Checkpoint represents a complete model state including weights, labels, optimizer state
// and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Ordered class names; index i is the label of output unit i
	Labels []string `json:"labels"`

	// Side length of the square input images
	Resolution int `json:"resolution"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
}

// Clone returns a deep copy of the tensor
func (w WeightTensor) Clone() WeightTensor {
	w.Shape = append([]int(nil), w.Shape...)
	w.Data = append([]float32(nil), w.Data...)
	return w
}

// CloneWeights deep copies a weight list
func CloneWeights(weights []WeightTensor) []WeightTensor {
	out := make([]WeightTensor, len(weights))
	for i, w := range weights {
		out[i] = w.Clone()
	}
	return out
}

// TrainingState captures the training progress at the time of the checkpoint
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns a fresh identifier for a training run
func NewRunID() string {
	return uuid.NewString()
}

// Validate checks the internal consistency of a checkpoint
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return fmt.Errorf("checkpoint has no model spec")
	}
	if len(c.Weights) == 0 {
		return fmt.Errorf("checkpoint has no weights")
	}
	if width := c.ModelSpec.OutputWidth(); width != len(c.Labels) {
		return fmt.Errorf("model output width %d does not match %d labels", width, len(c.Labels))
	}
	if c.Resolution <= 0 {
		return fmt.Errorf("checkpoint resolution must be positive, got %d", c.Resolution)
	}
	for _, w := range c.Weights {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		if n != len(w.Data) {
			return fmt.Errorf("weight %s: shape %v holds %d values, got %d", w.Name, w.Shape, n, len(w.Data))
		}
	}
	return nil
}

// CheckpointSaver writes and reads JSON checkpoints
type CheckpointSaver struct{}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver() *CheckpointSaver {
	return &CheckpointSaver{}
}

// SaveCheckpoint writes the checkpoint to path. The file is replaced atomically so readers
// never observe a partial checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = FormatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = NewRunID()
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}

	return &checkpoint, nil
}

// writeFileAtomic writes data to a temporary file next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
