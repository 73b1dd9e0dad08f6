package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
)

// EpochRecord holds the metrics of one completed epoch
type EpochRecord struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	TrainAcc     float64       `json:"train_accuracy"`
	ValLoss      float64       `json:"val_loss"`
	ValAcc       float64       `json:"val_accuracy"`
	LearningRate float32       `json:"learning_rate"`
	Duration     time.Duration `json:"duration_ns"`
}

// History is the ordered list of epoch records of a run; record i belongs to epoch i+1
type History struct {
	Records []EpochRecord `json:"records"`
}

func (h *History) append(rec EpochRecord) {
	h.Records = append(h.Records, rec)
}

// Len returns the number of completed epochs
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Records)
}

// Last returns the most recent record
func (h *History) Last() (EpochRecord, bool) {
	if h.Len() == 0 {
		return EpochRecord{}, false
	}
	return h.Records[len(h.Records)-1], true
}

// Series returns one metric across all epochs, for plotting or inspection.
// Known names: train_loss, train_accuracy, val_loss, val_accuracy, learning_rate.
func (h *History) Series(name string) ([]float64, error) {
	out := make([]float64, 0, h.Len())
	for _, r := range h.Records {
		switch name {
		case "train_loss":
			out = append(out, r.TrainLoss)
		case "train_accuracy":
			out = append(out, r.TrainAcc)
		case "val_loss":
			out = append(out, r.ValLoss)
		case "val_accuracy":
			out = append(out, r.ValAcc)
		case "learning_rate":
			out = append(out, float64(r.LearningRate))
		default:
			return nil, fmt.Errorf("unknown history series %q", name)
		}
	}
	return out, nil
}

// WriteJSON stores the history as indented JSON, creating parent directories as needed
func (h *History) WriteJSON(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// ReadHistory loads a history written by WriteJSON
func ReadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return &h, nil
}

// BestState is the snapshot of the weights that reached the highest validation accuracy so far.
// It owns its weight data; later training steps never modify it.
type BestState struct {
	Epoch   int
	ValAcc  float64
	ValLoss float64
	Weights []checkpoints.WeightTensor
}
