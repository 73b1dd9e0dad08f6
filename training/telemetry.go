package training

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "signlang"

// Telemetry exposes the progress of one run as prometheus metrics. Every run gets its own
// registry so concurrent runs in one process do not collide.
type Telemetry struct {
	registry *prometheus.Registry

	trainLoss    prometheus.Gauge
	trainAcc     prometheus.Gauge
	valLoss      prometheus.Gauge
	valAcc       prometheus.Gauge
	bestValAcc   prometheus.Gauge
	learningRate prometheus.Gauge
	gap          prometheus.Gauge

	epochs        prometheus.Counter
	batches       prometheus.Counter
	batchFailures prometheus.Counter
	lrReductions  prometheus.Counter
	checkpoints   prometheus.Counter
	earlyStops    prometheus.Counter

	epochDuration prometheus.Histogram
}

// NewTelemetry creates the metrics of a run labelled with its id
func NewTelemetry(runID string) *Telemetry {
	labels := prometheus.Labels{"run_id": runID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "training", Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "training", Name: name, Help: help, ConstLabels: labels,
		})
	}

	t := &Telemetry{
		registry:     prometheus.NewRegistry(),
		trainLoss:    gauge("train_loss", "Mean training loss of the last epoch."),
		trainAcc:     gauge("train_accuracy", "Training accuracy of the last epoch."),
		valLoss:      gauge("val_loss", "Validation loss of the last epoch."),
		valAcc:       gauge("val_accuracy", "Validation accuracy of the last epoch."),
		bestValAcc:   gauge("best_val_accuracy", "Highest validation accuracy so far."),
		learningRate: gauge("learning_rate", "Learning rate used by the last epoch."),
		gap:          gauge("overfitting_gap", "Training minus validation accuracy of the last epoch."),

		epochs:        counter("epochs_total", "Completed epochs."),
		batches:       counter("batches_total", "Training batches applied."),
		batchFailures: counter("batch_failures_total", "Training batches that failed."),
		lrReductions:  counter("lr_reductions_total", "Learning rate reductions."),
		checkpoints:   counter("checkpoints_total", "Best states persisted."),
		earlyStops:    counter("early_stops_total", "Runs stopped by the early stop policy."),

		epochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "training",
			Name:        "epoch_duration_seconds",
			Help:        "Wall time of an epoch including validation.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	t.registry.MustRegister(
		t.trainLoss, t.trainAcc, t.valLoss, t.valAcc, t.bestValAcc, t.learningRate, t.gap,
		t.epochs, t.batches, t.batchFailures, t.lrReductions, t.checkpoints, t.earlyStops,
		t.epochDuration,
	)
	return t
}

// Registry returns the registry holding the run metrics
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

func (t *Telemetry) observeEpoch(rec EpochRecord) {
	t.trainLoss.Set(rec.TrainLoss)
	t.trainAcc.Set(rec.TrainAcc)
	t.valLoss.Set(rec.ValLoss)
	t.valAcc.Set(rec.ValAcc)
	t.learningRate.Set(float64(rec.LearningRate))
	t.gap.Set(rec.TrainAcc - rec.ValAcc)
	t.epochs.Inc()
	t.epochDuration.Observe(rec.Duration.Seconds())
}

func (t *Telemetry) observeBatch()        { t.batches.Inc() }
func (t *Telemetry) observeBatchFailure() { t.batchFailures.Inc() }
func (t *Telemetry) observeLRReduction()  { t.lrReductions.Inc() }
func (t *Telemetry) observeEarlyStop()    { t.earlyStops.Inc() }

func (t *Telemetry) observeCheckpoint(acc float64) {
	t.checkpoints.Inc()
	t.bestValAcc.Set(acc)
}

// WriteTextfile dumps the metrics in the text exposition format, for the node exporter
// textfile collector
func (t *Telemetry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, t.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
