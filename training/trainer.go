// Package training drives the epoch loop: gradient updates over the augmented training stream,
// a validation pass per epoch, and the checkpoint, early stop and learning rate policies that
// run after each epoch.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
	"github.com/BenmansourYahia/SignLanguage-Project/optimizer"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataloader"
)

// ErrTrainingFailed wraps every error that ends a run in the Failed state
var ErrTrainingFailed = errors.New("training failed")

// State is the lifecycle state of a run
type State int

const (
	Idle State = iota
	Running
	StoppedByPolicy
	CompletedMaxEpochs
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case StoppedByPolicy:
		return "StoppedByPolicy"
	case CompletedMaxEpochs:
		return "CompletedMaxEpochs"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Learner is the model side of a run. *engine.Model implements it.
type Learner interface {
	TrainBatch(images []float32, labels []int, opt engine.Updater) (engine.BatchResult, error)
	EvaluateBatch(images []float32, labels []int) (engine.BatchResult, error)
	Predict(images []float32, n int) ([]float32, error)
	NumClasses() int
	L2Penalty() float64
	Weights() []checkpoints.WeightTensor
	LoadWeights(weights []checkpoints.WeightTensor) error
}

// DataSource provides the batches of a run. *dataloader.Pipeline implements it.
type DataSource interface {
	StepsPerEpoch() int
	ValidationSteps() int
	TrainingStream(ctx context.Context, seed int64) (dataloader.Stream, error)
	ValidationStream() dataloader.Stream
}

// TrainerConfig holds the run limits and policy settings
type TrainerConfig struct {
	MaxEpochs       int             `yaml:"max_epochs" json:"max_epochs" validate:"gte=1"`
	MaxBatchRetries int             `yaml:"max_batch_retries" json:"max_batch_retries" validate:"gte=0"`
	Seed            int64           `yaml:"seed" json:"seed"`
	EarlyStop       EarlyStopConfig `yaml:"early_stop" json:"early_stop"`
	LRDecay         LRDecayConfig   `yaml:"lr_decay" json:"lr_decay"`
}

// DefaultTrainerConfig returns 50 epochs with the default policies
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		MaxEpochs:       50,
		MaxBatchRetries: 3,
		Seed:            42,
		EarlyStop:       DefaultEarlyStopConfig(),
		LRDecay:         DefaultLRDecayConfig(),
	}
}

func validateTrainerConfig(cfg TrainerConfig) error {
	if cfg.MaxEpochs < 1 {
		return fmt.Errorf("max epochs must be at least 1, got %d", cfg.MaxEpochs)
	}
	if cfg.MaxBatchRetries < 0 {
		return fmt.Errorf("max batch retries must be non-negative, got %d", cfg.MaxBatchRetries)
	}
	if cfg.EarlyStop.Patience < 1 {
		return fmt.Errorf("early stop patience must be at least 1, got %d", cfg.EarlyStop.Patience)
	}
	return cfg.LRDecay.Validate()
}

// Options carries the optional collaborators of a Trainer
type Options struct {
	Sink       CheckpointSink     // persists new best states; nil keeps them in memory
	Telemetry  *Telemetry         // nil disables metrics
	Progress   io.Writer          // batch progress output; nil disables it
	Logger     logrus.FieldLogger // defaults to the standard logger
	ClassNames []string           // used in the per-class report
}

// Result is the outcome of a run. It is returned for failed runs too, holding whatever history
// and best state were reached before the failure.
type Result struct {
	State        State
	History      *History
	Best         *BestState
	StopEpoch    int
	LearningRate float32
	Gap          *GapDiagnostic
	Classes      []ClassReport
	Confusion    *ConfusionMatrix
	ReportEpoch  int // epoch whose weights produced Classes and Confusion
}

// Trainer runs the epoch loop for one model. A Trainer is single use.
type Trainer struct {
	cfg    TrainerConfig
	model  Learner
	data   DataSource
	opt    optimizer.Optimizer
	opts   Options
	logger logrus.FieldLogger

	checkpoint *CheckpointPolicy
	earlyStop  *EarlyStopPolicy
	lrDecay    *LRDecayPolicy

	state   State
	history *History
	steps   int
}

// NewTrainer validates the configuration and builds the policies
func NewTrainer(model Learner, data DataSource, opt optimizer.Optimizer, cfg TrainerConfig, opts Options) (*Trainer, error) {
	if model == nil || data == nil || opt == nil {
		return nil, fmt.Errorf("model, data source and optimizer are required")
	}
	if err := validateTrainerConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid trainer configuration: %w", err)
	}
	if data.StepsPerEpoch() < 1 {
		return nil, fmt.Errorf("data source yields no training steps")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	earlyStop, err := NewEarlyStopPolicy(cfg.EarlyStop)
	if err != nil {
		return nil, err
	}
	lrDecay, err := NewLRDecayPolicy(cfg.LRDecay)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		cfg:        cfg,
		model:      model,
		data:       data,
		opt:        opt,
		opts:       opts,
		logger:     logger,
		checkpoint: NewCheckpointPolicy(opts.Sink, logger),
		earlyStop:  earlyStop,
		lrDecay:    lrDecay,
		state:      Idle,
		history:    &History{},
	}, nil
}

// State returns the current lifecycle state
func (t *Trainer) State() State {
	return t.state
}

// Run trains until a policy stops the run, the epoch limit is reached or an error occurs.
// Cancellation of ctx is observed between epochs; an epoch in progress always completes.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	if t.state != Idle {
		return nil, fmt.Errorf("trainer already used (state %s)", t.state)
	}
	t.state = Running

	// the stream outlives single epochs; cancellation is handled at epoch boundaries
	streamCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	if err := ctx.Err(); err != nil {
		return t.fail(0, err)
	}
	stream, err := t.data.TrainingStream(streamCtx, t.cfg.Seed)
	if err != nil {
		return t.fail(0, fmt.Errorf("failed to open training stream: %w", err))
	}
	defer stream.Close()

	t.logger.WithFields(logrus.Fields{
		"max_epochs":      t.cfg.MaxEpochs,
		"steps_per_epoch": t.data.StepsPerEpoch(),
		"learning_rate":   t.opt.LearningRate(),
	}).Info("Starting training")

	for epoch := 1; epoch <= t.cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return t.fail(epoch, err)
		}

		rec, err := t.runEpoch(streamCtx, stream, epoch)
		if err != nil {
			return t.fail(epoch, err)
		}
		t.history.append(rec)
		if t.opts.Telemetry != nil {
			t.opts.Telemetry.observeEpoch(rec)
		}
		t.logger.WithFields(logrus.Fields{
			"epoch":    epoch,
			"loss":     rec.TrainLoss,
			"accuracy": rec.TrainAcc,
			"val_loss": rec.ValLoss,
			"val_acc":  rec.ValAcc,
			"lr":       rec.LearningRate,
			"duration": rec.Duration.Round(time.Millisecond),
		}).Info("Epoch complete")

		stopped, err := t.applyPolicies(streamCtx, rec)
		if err != nil {
			return t.fail(epoch, err)
		}
		if stopped {
			t.state = StoppedByPolicy
			return t.finish(streamCtx), nil
		}
	}

	t.state = CompletedMaxEpochs
	return t.finish(streamCtx), nil
}

func (t *Trainer) runEpoch(ctx context.Context, stream dataloader.Stream, epoch int) (EpochRecord, error) {
	start := time.Now()
	lr := t.opt.LearningRate()
	steps := t.data.StepsPerEpoch()
	bar := NewProgressBar(t.opts.Progress, fmt.Sprintf("Epoch %d/%d", epoch, t.cfg.MaxEpochs), steps)

	var lossSum float64
	var correct, seen, failures int
	for step := 0; step < steps; {
		batch, err := stream.Next(ctx)
		if err != nil {
			return EpochRecord{}, fmt.Errorf("training stream: %w", err)
		}

		res, err := t.model.TrainBatch(batch.Images, batch.Labels, t.opt)
		if err != nil {
			failures++
			if t.opts.Telemetry != nil {
				t.opts.Telemetry.observeBatchFailure()
			}
			t.logger.WithError(err).WithFields(logrus.Fields{
				"epoch":    epoch,
				"step":     step + 1,
				"failures": failures,
			}).Warn("Training batch failed")
			if failures > t.cfg.MaxBatchRetries {
				return EpochRecord{}, fmt.Errorf("%d consecutive batch failures: %w", failures, err)
			}
			continue
		}

		failures = 0
		step++
		t.steps++
		if t.opts.Telemetry != nil {
			t.opts.Telemetry.observeBatch()
		}
		lossSum += res.Loss() * float64(res.Size)
		correct += res.Correct
		seen += res.Size
		bar.Update(step, map[string]float64{
			"loss":     lossSum / float64(seen),
			"accuracy": float64(correct) / float64(seen),
		})
	}
	bar.Finish()

	valLoss, valAcc, err := t.validate(ctx, epoch, nil)
	if err != nil {
		return EpochRecord{}, err
	}

	return EpochRecord{
		Epoch:        epoch,
		TrainLoss:    lossSum / float64(seen),
		TrainAcc:     float64(correct) / float64(seen),
		ValLoss:      valLoss,
		ValAcc:       valAcc,
		LearningRate: lr,
		Duration:     time.Since(start),
	}, nil
}

// validate runs one full pass over the validation partition. When cm is set the predictions
// are accumulated into it.
func (t *Trainer) validate(ctx context.Context, epoch int, cm *ConfusionMatrix) (loss, acc float64, err error) {
	vs := t.data.ValidationStream()
	defer vs.Close()
	bar := NewProgressBar(t.opts.Progress, fmt.Sprintf("Epoch %d validation", epoch), t.data.ValidationSteps())

	var lossSum float64
	var correct, n, step int
	for {
		batch, err := vs.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("validation stream: %w", err)
		}

		res, err := t.model.EvaluateBatch(batch.Images, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("validation batch: %w", err)
		}
		if cm != nil {
			probs, err := t.model.Predict(batch.Images, batch.Size)
			if err != nil {
				return 0, 0, fmt.Errorf("validation predict: %w", err)
			}
			if err := cm.UpdateFromPredictions(probs, batch.Labels, batch.Size); err != nil {
				return 0, 0, err
			}
		}

		lossSum += res.LossSum
		correct += res.Correct
		n += res.Size
		step++
		bar.Update(step, map[string]float64{"val_accuracy": float64(correct) / float64(n)})
	}
	bar.Finish()

	if n == 0 {
		return 0, 0, fmt.Errorf("validation pass: %w", dataloader.ErrEmptyPartition)
	}
	return lossSum/float64(n) + t.model.L2Penalty(), float64(correct) / float64(n), nil
}

// applyPolicies runs checkpoint, early stop and learning rate decay, in that order
func (t *Trainer) applyPolicies(ctx context.Context, rec EpochRecord) (bool, error) {
	improved, err := t.checkpoint.Observe(ctx, rec, t.steps, t.model.Weights, t.opt.GetState)
	if err != nil {
		return false, err
	}
	if improved && t.opts.Telemetry != nil {
		t.opts.Telemetry.observeCheckpoint(rec.ValAcc)
	}

	if t.earlyStop.Step(improved) {
		best := t.checkpoint.Best()
		t.logger.WithFields(logrus.Fields{
			"epoch":      rec.Epoch,
			"patience":   t.cfg.EarlyStop.Patience,
			"best_epoch": best.Epoch,
			"best_acc":   best.ValAcc,
		}).Info("Early stopping")
		if t.opts.Telemetry != nil {
			t.opts.Telemetry.observeEarlyStop()
		}
		if t.earlyStop.RestoreBest() {
			if err := t.model.LoadWeights(best.Weights); err != nil {
				return false, fmt.Errorf("failed to restore best weights: %w", err)
			}
		}
		return true, nil
	}

	lr := t.opt.LearningRate()
	if next, reduced := t.lrDecay.Step(rec.ValLoss, lr); reduced {
		t.opt.UpdateLearningRate(next)
		if t.opts.Telemetry != nil {
			t.opts.Telemetry.observeLRReduction()
		}
		t.logger.WithFields(logrus.Fields{
			"epoch": rec.Epoch,
			"from":  lr,
			"to":    next,
		}).Info("Reducing learning rate")
	}
	return false, nil
}

func (t *Trainer) result() *Result {
	res := &Result{
		State:        t.state,
		History:      t.history,
		Best:         t.checkpoint.Best(),
		StopEpoch:    t.history.Len(),
		LearningRate: t.opt.LearningRate(),
	}
	if last, ok := t.history.Last(); ok {
		gap := DiagnoseGap(last)
		res.Gap = &gap
	}
	return res
}

func (t *Trainer) finish(ctx context.Context) *Result {
	res := t.result()
	if res.Gap != nil {
		entry := t.logger.WithFields(logrus.Fields{
			"train_acc": res.Gap.TrainAcc,
			"val_acc":   res.Gap.ValAcc,
			"gap":       res.Gap.Gap,
			"level":     res.Gap.Level.String(),
		})
		if res.Gap.Level == GapHigh {
			entry.Warn(res.Gap.Advice())
		} else {
			entry.Info(res.Gap.Advice())
		}
	}

	cm := NewConfusionMatrix(t.model.NumClasses())
	if epoch, err := t.evaluateBest(ctx, res, cm); err != nil {
		t.logger.WithError(err).Warn("Per-class evaluation failed")
	} else {
		res.Confusion = cm
		res.Classes = cm.Report(t.opts.ClassNames)
		res.ReportEpoch = epoch
		for _, c := range res.Classes {
			t.logger.WithFields(logrus.Fields{
				"class":    c.Class,
				"support":  c.Support,
				"accuracy": c.Accuracy,
				"epoch":    epoch,
			}).Info("Validation accuracy per class")
		}
	}

	fields := logrus.Fields{"state": t.state.String(), "epochs": res.StopEpoch}
	if res.Best != nil {
		fields["best_epoch"] = res.Best.Epoch
		fields["best_val_acc"] = res.Best.ValAcc
	}
	t.logger.WithFields(fields).Info("Training finished")
	return res
}

// evaluateBest fills cm from the best epoch's weights, which are the ones exported. When the
// model holds other weights they are swapped in for the pass and put back afterwards.
func (t *Trainer) evaluateBest(ctx context.Context, res *Result, cm *ConfusionMatrix) (int, error) {
	best := res.Best
	restored := t.state == StoppedByPolicy && t.earlyStop.RestoreBest()
	if best == nil || restored || best.Epoch == res.StopEpoch {
		epoch := res.StopEpoch
		if best != nil {
			epoch = best.Epoch
		}
		_, _, err := t.validate(ctx, epoch, cm)
		return epoch, err
	}

	last := t.model.Weights()
	if err := t.model.LoadWeights(best.Weights); err != nil {
		return 0, fmt.Errorf("load best weights: %w", err)
	}
	_, _, err := t.validate(ctx, best.Epoch, cm)
	if rerr := t.model.LoadWeights(last); rerr != nil && err == nil {
		err = fmt.Errorf("reload last weights: %w", rerr)
	}
	return best.Epoch, err
}

func (t *Trainer) fail(epoch int, cause error) (*Result, error) {
	t.state = Failed
	t.logger.WithError(cause).WithField("epoch", epoch).Error("Training failed")
	return t.result(), fmt.Errorf("%w at epoch %d: %w", ErrTrainingFailed, epoch, cause)
}
