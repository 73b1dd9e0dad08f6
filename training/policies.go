package training

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/layers"
)

// Snapshot is what a CheckpointSink receives whenever a new best epoch is found
type Snapshot struct {
	Best      *BestState
	Record    EpochRecord
	Step      int
	Optimizer *checkpoints.OptimizerState
}

// CheckpointSink persists new best states
type CheckpointSink interface {
	Save(ctx context.Context, snap Snapshot) error
}

// FileCheckpointSink writes the best state as a JSON checkpoint, overwriting the previous one
type FileCheckpointSink struct {
	Path       string
	Spec       *layers.ModelSpec
	Labels     []string
	Resolution int
	RunID      string

	saver *checkpoints.CheckpointSaver
}

// NewFileCheckpointSink creates a sink that writes to path
func NewFileCheckpointSink(path string, spec *layers.ModelSpec, labels []string, resolution int, runID string) *FileCheckpointSink {
	return &FileCheckpointSink{
		Path:       path,
		Spec:       spec,
		Labels:     append([]string(nil), labels...),
		Resolution: resolution,
		RunID:      runID,
		saver:      checkpoints.NewCheckpointSaver(),
	}
}

// Save writes the snapshot atomically
func (s *FileCheckpointSink) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := &checkpoints.Checkpoint{
		ModelSpec:  s.Spec,
		Weights:    snap.Best.Weights,
		Labels:     s.Labels,
		Resolution: s.Resolution,
		TrainingState: checkpoints.TrainingState{
			Epoch:        snap.Best.Epoch,
			Step:         snap.Step,
			LearningRate: snap.Record.LearningRate,
			BestLoss:     float32(snap.Best.ValLoss),
			BestAccuracy: float32(snap.Best.ValAcc),
			TotalSteps:   snap.Step,
		},
		OptimizerState: snap.Optimizer,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       s.RunID,
			Description: fmt.Sprintf("best validation accuracy %.4f at epoch %d", snap.Best.ValAcc, snap.Best.Epoch),
		},
	}
	return s.saver.SaveCheckpoint(cp, s.Path)
}

// CheckpointPolicy keeps the best state: a strictly higher validation accuracy than any
// earlier epoch replaces the snapshot and persists it through the sink.
type CheckpointPolicy struct {
	sink   CheckpointSink
	logger logrus.FieldLogger
	best   *BestState
	saves  int
}

// NewCheckpointPolicy creates a checkpoint policy; sink may be nil to keep the snapshot in
// memory only
func NewCheckpointPolicy(sink CheckpointSink, logger logrus.FieldLogger) *CheckpointPolicy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CheckpointPolicy{sink: sink, logger: logger}
}

// Improves reports whether a validation accuracy would replace the current best
func (p *CheckpointPolicy) Improves(valAcc float64) bool {
	return p.best == nil || valAcc > p.best.ValAcc
}

// Observe snapshots the weights returned by weights when rec is a new best and hands the
// snapshot to the sink. It reports whether a new best was recorded.
func (p *CheckpointPolicy) Observe(ctx context.Context, rec EpochRecord, step int, weights func() []checkpoints.WeightTensor, opt func() (*checkpoints.OptimizerState, error)) (bool, error) {
	if !p.Improves(rec.ValAcc) {
		return false, nil
	}
	prev := 0.0
	if p.best != nil {
		prev = p.best.ValAcc
	}
	p.best = &BestState{
		Epoch:   rec.Epoch,
		ValAcc:  rec.ValAcc,
		ValLoss: rec.ValLoss,
		Weights: weights(),
	}
	p.logger.WithFields(logrus.Fields{
		"epoch":    rec.Epoch,
		"val_acc":  rec.ValAcc,
		"previous": prev,
	}).Info("New best validation accuracy")

	if p.sink == nil {
		return true, nil
	}
	snap := Snapshot{Best: p.best, Record: rec, Step: step}
	if opt != nil {
		state, err := opt()
		if err != nil {
			return true, fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		snap.Optimizer = state
	}
	if err := p.sink.Save(ctx, snap); err != nil {
		return true, fmt.Errorf("failed to persist best state: %w", err)
	}
	p.saves++
	return true, nil
}

// Best returns the current best state, nil before the first epoch
func (p *CheckpointPolicy) Best() *BestState {
	return p.best
}

// Saves returns the number of snapshots persisted through the sink
func (p *CheckpointPolicy) Saves() int {
	return p.saves
}

// EarlyStopConfig configures the early stop policy
type EarlyStopConfig struct {
	Patience    int  `yaml:"patience" json:"patience" validate:"gte=1"`
	RestoreBest bool `yaml:"restore_best" json:"restore_best"`
}

// DefaultEarlyStopConfig stops after 5 epochs without a new best and restores the best weights
func DefaultEarlyStopConfig() EarlyStopConfig {
	return EarlyStopConfig{Patience: 5, RestoreBest: true}
}

// EarlyStopPolicy counts consecutive epochs without a new best validation accuracy
type EarlyStopPolicy struct {
	cfg       EarlyStopConfig
	badEpochs int
}

// NewEarlyStopPolicy creates an early stop policy
func NewEarlyStopPolicy(cfg EarlyStopConfig) (*EarlyStopPolicy, error) {
	if cfg.Patience < 1 {
		return nil, fmt.Errorf("early stop patience must be at least 1, got %d", cfg.Patience)
	}
	return &EarlyStopPolicy{cfg: cfg}, nil
}

// Step records whether the epoch produced a new best and reports whether the run should stop
func (p *EarlyStopPolicy) Step(improved bool) bool {
	if improved {
		p.badEpochs = 0
		return false
	}
	p.badEpochs++
	return p.badEpochs >= p.cfg.Patience
}

// BadEpochs returns the number of consecutive epochs without a new best
func (p *EarlyStopPolicy) BadEpochs() int {
	return p.badEpochs
}

// RestoreBest reports whether the best weights are put back into the model on stop
func (p *EarlyStopPolicy) RestoreBest() bool {
	return p.cfg.RestoreBest
}
