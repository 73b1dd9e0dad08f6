package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
	"github.com/BenmansourYahia/SignLanguage-Project/optimizer"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataloader"
)

const scriptedBatch = 100

// scriptedLearner reports a predetermined validation accuracy and loss per validation pass.
// Its "weights" are a single counter of applied training batches, so restores are observable.
type scriptedLearner struct {
	accs      []float64
	losses    []float64
	evals     int
	version   float32
	calls     int
	failOn    func(call int) error
	predicted []float32 // version seen by each Predict call
}

func (l *scriptedLearner) TrainBatch(images []float32, labels []int, opt engine.Updater) (engine.BatchResult, error) {
	l.calls++
	if l.failOn != nil {
		if err := l.failOn(l.calls); err != nil {
			return engine.BatchResult{}, err
		}
	}
	l.version++
	return engine.BatchResult{LossSum: float64(len(labels)), Correct: len(labels) / 2, Size: len(labels)}, nil
}

func (l *scriptedLearner) pick(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	if l.evals < len(values) {
		return values[l.evals]
	}
	return values[len(values)-1]
}

func (l *scriptedLearner) EvaluateBatch(images []float32, labels []int) (engine.BatchResult, error) {
	acc := l.pick(l.accs, 0.5)
	loss := l.pick(l.losses, 1)
	l.evals++
	return engine.BatchResult{
		LossSum: loss * float64(len(labels)),
		Correct: int(acc*float64(len(labels)) + 0.5),
		Size:    len(labels),
	}, nil
}

func (l *scriptedLearner) Predict(images []float32, n int) ([]float32, error) {
	l.predicted = append(l.predicted, l.version)
	out := make([]float32, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = 1
	}
	return out, nil
}

func (l *scriptedLearner) NumClasses() int    { return 2 }
func (l *scriptedLearner) L2Penalty() float64 { return 0 }

func (l *scriptedLearner) Weights() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{{Name: "counter", Shape: []int{1}, Data: []float32{l.version}}}
}

func (l *scriptedLearner) LoadWeights(weights []checkpoints.WeightTensor) error {
	if len(weights) != 1 {
		return fmt.Errorf("expected 1 tensor, got %d", len(weights))
	}
	l.version = weights[0].Data[0]
	return nil
}

// fakeStream yields fixed batches; limit < 0 means infinite
type fakeStream struct {
	limit int
	size  int
	n     int
}

func (s *fakeStream) Next(ctx context.Context) (*dataloader.Batch, error) {
	if s.limit >= 0 && s.n >= s.limit {
		return nil, io.EOF
	}
	s.n++
	labels := make([]int, s.size)
	for i := range labels {
		labels[i] = i % 2
	}
	return &dataloader.Batch{Images: make([]float32, s.size), Labels: labels, Size: s.size, ImageSize: 1}, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeData struct {
	steps int
}

func (d *fakeData) StepsPerEpoch() int   { return d.steps }
func (d *fakeData) ValidationSteps() int { return 1 }

func (d *fakeData) TrainingStream(ctx context.Context, seed int64) (dataloader.Stream, error) {
	return &fakeStream{limit: -1, size: 4}, nil
}

func (d *fakeData) ValidationStream() dataloader.Stream {
	return &fakeStream{limit: 1, size: scriptedBatch}
}

type recordingSink struct {
	epochs []int
	err    error
	after  func()
}

func (s *recordingSink) Save(ctx context.Context, snap Snapshot) error {
	if s.err != nil {
		return s.err
	}
	s.epochs = append(s.epochs, snap.Best.Epoch)
	if s.after != nil {
		s.after()
	}
	return nil
}

func testTrainerConfig(maxEpochs, patience int) TrainerConfig {
	cfg := DefaultTrainerConfig()
	cfg.MaxEpochs = maxEpochs
	cfg.EarlyStop.Patience = patience
	return cfg
}

func newTestTrainer(t *testing.T, learner Learner, cfg TrainerConfig, opts Options) *Trainer {
	t.Helper()
	if opts.Logger == nil {
		logger, _ := test.NewNullLogger()
		opts.Logger = logger
	}
	opt, err := optimizer.New(optimizer.DefaultConfig())
	require.NoError(t, err)
	trainer, err := NewTrainer(learner, &fakeData{steps: 2}, opt, cfg, opts)
	require.NoError(t, err)
	return trainer
}

func TestTrainerEarlyStopRestoresBest(t *testing.T) {
	learner := &scriptedLearner{accs: []float64{0.5, 0.6, 0.55, 0.58, 0.6}}
	sink := &recordingSink{}
	trainer := newTestTrainer(t, learner, testTrainerConfig(10, 3), Options{Sink: sink})

	res, err := trainer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StoppedByPolicy, res.State)
	assert.Equal(t, StoppedByPolicy, trainer.State())
	assert.Equal(t, 5, res.History.Len())
	assert.Equal(t, 5, res.StopEpoch)
	require.NotNil(t, res.Best)
	assert.Equal(t, 2, res.Best.Epoch)
	assert.InDelta(t, 0.6, res.Best.ValAcc, 1e-9)
	// equal accuracy at epoch 5 is not an improvement
	assert.Equal(t, []int{1, 2}, sink.epochs)

	// two batches per epoch: the best weights are the ones after epoch 2, not the last ones
	assert.Equal(t, float32(4), learner.version)
	assert.Equal(t, float32(4), res.Best.Weights[0].Data[0])
}

func TestTrainerCompletesMaxEpochs(t *testing.T) {
	learner := &scriptedLearner{accs: []float64{0.1, 0.2, 0.25, 0.3}}
	trainer := newTestTrainer(t, learner, testTrainerConfig(4, 2), Options{})

	res, err := trainer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CompletedMaxEpochs, res.State)
	assert.Equal(t, 4, res.History.Len())
	assert.Equal(t, 4, res.Best.Epoch)

	for i, rec := range res.History.Records {
		assert.Equal(t, i+1, rec.Epoch)
		assert.InDelta(t, 1.0, rec.TrainLoss, 1e-9)
		assert.InDelta(t, 0.5, rec.TrainAcc, 1e-9)
	}
	require.NotNil(t, res.Gap)
	assert.Equal(t, GapHigh, res.Gap.Level)
	require.Len(t, res.Classes, 2)
	assert.Equal(t, scriptedBatch/2, res.Classes[0].Support)
}

func TestTrainerClassReportUsesBestWeights(t *testing.T) {
	learner := &scriptedLearner{accs: []float64{0.2, 0.6, 0.4, 0.5}}
	trainer := newTestTrainer(t, learner, testTrainerConfig(4, 3), Options{})

	res, err := trainer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CompletedMaxEpochs, res.State)
	require.Equal(t, 2, res.Best.Epoch)
	assert.Equal(t, 2, res.ReportEpoch)
	require.Len(t, res.Classes, 2)

	// two batches per epoch: the best epoch left version 4, the last one version 8
	assert.Equal(t, []float32{4}, learner.predicted)
	assert.Equal(t, float32(8), learner.version, "last weights are kept after the report")
}

func TestTrainerBestIsNonDecreasing(t *testing.T) {
	learner := &scriptedLearner{accs: []float64{0.5, 0.5, 0.7, 0.6, 0.65, 0.8}}
	sink := &recordingSink{}
	trainer := newTestTrainer(t, learner, testTrainerConfig(6, 5), Options{Sink: sink})

	res, err := trainer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6}, sink.epochs)
	assert.Equal(t, 6, res.Best.Epoch)
}

func TestTrainerLearningRateDecay(t *testing.T) {
	learner := &scriptedLearner{
		accs:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7},
		losses: []float64{1, 1, 1, 1, 1, 1, 1},
	}
	telemetry := NewTelemetry("run")
	trainer := newTestTrainer(t, learner, testTrainerConfig(7, 5), Options{Telemetry: telemetry})
	base := trainer.opt.LearningRate()

	res, err := trainer.Run(context.Background())
	require.NoError(t, err)

	lrs, err := res.History.Series("learning_rate")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, float64(base), lrs[i], 1e-12, "epoch %d", i+1)
	}
	for i := 4; i < 7; i++ {
		assert.InDelta(t, float64(base/2), lrs[i], 1e-12, "epoch %d", i+1)
	}
	for i := 1; i < len(lrs); i++ {
		assert.LessOrEqual(t, lrs[i], lrs[i-1])
	}
	assert.InDelta(t, float64(base/4), float64(res.LearningRate), 1e-12)

	assert.Equal(t, 2.0, testutil.ToFloat64(telemetry.lrReductions))
	assert.Equal(t, 7.0, testutil.ToFloat64(telemetry.epochs))
	assert.Equal(t, 14.0, testutil.ToFloat64(telemetry.batches))
	assert.Equal(t, 7.0, testutil.ToFloat64(telemetry.checkpoints))
	assert.InDelta(t, 0.7, testutil.ToFloat64(telemetry.bestValAcc), 1e-9)
}

func TestTrainerBatchFailures(t *testing.T) {
	t.Run("Recovers", func(t *testing.T) {
		learner := &scriptedLearner{failOn: func(call int) error {
			if call <= 3 {
				return engine.ErrNonFiniteLoss
			}
			return nil
		}}
		telemetry := NewTelemetry("run")
		trainer := newTestTrainer(t, learner, testTrainerConfig(1, 1), Options{Telemetry: telemetry})

		res, err := trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CompletedMaxEpochs, res.State)
		assert.Equal(t, float32(2), learner.version)
		assert.Equal(t, 3.0, testutil.ToFloat64(telemetry.batchFailures))
	})

	t.Run("GivesUp", func(t *testing.T) {
		// epoch 1 and 2 succeed, then every batch fails
		learner := &scriptedLearner{
			accs: []float64{0.5, 0.6},
			failOn: func(call int) error {
				if call > 4 {
					return errors.New("engine exploded")
				}
				return nil
			},
		}
		trainer := newTestTrainer(t, learner, testTrainerConfig(10, 5), Options{})

		res, err := trainer.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTrainingFailed)
		assert.Equal(t, Failed, res.State)
		assert.Equal(t, Failed, trainer.State())
		assert.Equal(t, 2, res.History.Len())
		require.NotNil(t, res.Best)
		assert.Equal(t, 2, res.Best.Epoch)
		// 4 successful calls plus the initial failure and 3 retries
		assert.Equal(t, 8, learner.calls)
	})
}

func TestTrainerSinkError(t *testing.T) {
	sinkErr := errors.New("disk full")
	trainer := newTestTrainer(t, &scriptedLearner{}, testTrainerConfig(5, 2), Options{Sink: &recordingSink{err: sinkErr}})

	res, err := trainer.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrainingFailed)
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 1, res.History.Len())
}

func TestTrainerCancellation(t *testing.T) {
	t.Run("BeforeStart", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		trainer := newTestTrainer(t, &scriptedLearner{}, testTrainerConfig(5, 2), Options{})

		res, err := trainer.Run(ctx)
		assert.ErrorIs(t, err, ErrTrainingFailed)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, res.History.Len())
	})

	t.Run("AtEpochBoundary", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		// the sink runs after epoch 1; the run notices at the start of epoch 2
		sink := &recordingSink{after: cancel}
		learner := &scriptedLearner{accs: []float64{0.5, 0.6, 0.7}}
		trainer := newTestTrainer(t, learner, testTrainerConfig(5, 2), Options{Sink: sink})

		res, err := trainer.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Failed, res.State)
		assert.Equal(t, 1, res.History.Len())
		assert.Equal(t, float32(2), learner.version)
	})
}

func TestTrainerSingleUse(t *testing.T) {
	trainer := newTestTrainer(t, &scriptedLearner{}, testTrainerConfig(1, 1), Options{})
	_, err := trainer.Run(context.Background())
	require.NoError(t, err)
	_, err = trainer.Run(context.Background())
	assert.Error(t, err)
}

func TestNewTrainerValidation(t *testing.T) {
	opt, err := optimizer.New(optimizer.DefaultConfig())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()

	tests := []struct {
		name   string
		modify func(*TrainerConfig)
	}{
		{"zero_epochs", func(c *TrainerConfig) { c.MaxEpochs = 0 }},
		{"negative_retries", func(c *TrainerConfig) { c.MaxBatchRetries = -1 }},
		{"zero_patience", func(c *TrainerConfig) { c.EarlyStop.Patience = 0 }},
		{"bad_factor", func(c *TrainerConfig) { c.LRDecay.Factor = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTrainerConfig()
			tt.modify(&cfg)
			_, err := NewTrainer(&scriptedLearner{}, &fakeData{steps: 1}, opt, cfg, Options{Logger: logger})
			assert.Error(t, err)
		})
	}

	_, err = NewTrainer(&scriptedLearner{}, &fakeData{steps: 0}, opt, DefaultTrainerConfig(), Options{Logger: logger})
	assert.Error(t, err)
	_, err = NewTrainer(nil, &fakeData{steps: 1}, opt, DefaultTrainerConfig(), Options{Logger: logger})
	assert.Error(t, err)
}

func TestTrainerLogsEpochs(t *testing.T) {
	logger, hook := test.NewNullLogger()
	trainer := newTestTrainer(t, &scriptedLearner{}, testTrainerConfig(2, 2), Options{Logger: logger})
	_, err := trainer.Run(context.Background())
	require.NoError(t, err)

	var epochs int
	for _, e := range hook.AllEntries() {
		if e.Message == "Epoch complete" {
			epochs++
			assert.Equal(t, logrus.InfoLevel, e.Level)
			assert.Contains(t, e.Data, "val_acc")
		}
	}
	assert.Equal(t, 2, epochs)
	assert.Equal(t, "Training finished", hook.LastEntry().Message)
}
