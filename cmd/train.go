package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/config"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
	"github.com/BenmansourYahia/SignLanguage-Project/layers"
	"github.com/BenmansourYahia/SignLanguage-Project/optimizer"
	"github.com/BenmansourYahia/SignLanguage-Project/training"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataloader"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataset"
)

// Names of the files a training run writes into the output directory
const (
	checkpointFile = "best_model.json"
	historyFile    = "history.json"
	metricsFile    = "metrics.prom"
	plotsFile      = "plots.json"
	configFile     = "config.yaml"

	modelName = "SignClassifier"
)

var (
	// CLI flags for the train command; each overrides the config file when set
	configPath      string   // YAML run configuration
	dataRoot        string   // Corpus root with one directory per class
	outputDir       string   // Directory receiving checkpoint, artifact and reports
	imageSize       int      // Square input resolution
	batchSize       int      // Images per batch
	maxEpochs       int      // Epoch limit
	learningRate    float32  // Initial learning rate
	trainSeed       int64    // Seed for weights, shuffling and augmentation
	earlyStopping   int      // Early stop patience
	validationSplit float64  // Fraction of each class held out for validation
	expectedClasses []string // Class directories to train on
	skipVerify      bool     // Skip the upfront decode of every image
	loaderWorkers   int      // Decode and augmentation workers
	hideProgress    bool     // Disable the per-epoch progress bar
)

// trainCmd trains a classifier and exports the best epoch
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a classifier on a class-per-directory corpus and export it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		applyTrainFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var progress io.Writer
		if cfg.Output.Progress {
			progress = cmd.ErrOrStderr()
		}
		run, err := runTraining(ctx, cfg, logrus.StandardLogger(), cmd.OutOrStdout(), progress)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), run)
		return nil
	},
}

// applyTrainFlags copies the flags given on the command line over cfg
func applyTrainFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.Data.Root = dataRoot
	}
	if flags.Changed("output") {
		cfg.Output.Dir = outputDir
	}
	if flags.Changed("image-size") {
		cfg.Data.ImageSize = imageSize
	}
	if flags.Changed("batch-size") {
		cfg.Data.BatchSize = batchSize
	}
	if flags.Changed("epochs") {
		cfg.Training.MaxEpochs = maxEpochs
	}
	if flags.Changed("lr") {
		cfg.Optimizer.LearningRate = learningRate
	}
	if flags.Changed("seed") {
		cfg.Training.Seed = trainSeed
	}
	if flags.Changed("patience") {
		cfg.Training.EarlyStop.Patience = earlyStopping
	}
	if flags.Changed("validation-split") {
		cfg.Data.ValidationSplit = validationSplit
	}
	if flags.Changed("classes") {
		cfg.Data.ExpectedClasses = expectedClasses
	}
	if flags.Changed("workers") {
		cfg.Data.Workers = loaderWorkers
	}
	if skipVerify {
		cfg.Data.VerifyImages = false
	}
	if hideProgress {
		cfg.Output.Progress = false
	}
}

// trainRun is everything a finished training command produced
type trainRun struct {
	RunID      string
	Result     *training.Result
	Checkpoint string
	Artifact   *checkpoints.Artifact
	Skipped    int
	Cache      dataloader.CacheStats
}

// runTraining builds the corpus, loader, model and trainer described by cfg, runs training and
// exports the best checkpoint. Reports are written even when training fails.
func runTraining(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, stdout, progress io.Writer) (*trainRun, error) {
	outDir := cfg.Output.Dir
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeConfig(filepath.Join(outDir, configFile), cfg); err != nil {
		return nil, err
	}

	opts := []dataset.Option{dataset.WithLogger(logger)}
	if len(cfg.Data.ExpectedClasses) > 0 {
		opts = append(opts, dataset.WithExpectedClasses(cfg.Data.ExpectedClasses...))
	}
	if len(cfg.Data.Extensions) > 0 {
		opts = append(opts, dataset.WithExtensions(cfg.Data.Extensions...))
	}
	ds, err := dataset.NewImageFolderDataset(cfg.Data.Root, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Data.VerifyImages {
		skipped, err := ds.Verify(ctx, cfg.Data.Workers, logger)
		if err != nil {
			return nil, err
		}
		if len(skipped) > 0 {
			logger.WithField("skipped", len(skipped)).Warn("Dropped unreadable images from the corpus")
		}
	}
	fmt.Fprint(stdout, ds.String())

	trainSet, valSet, err := ds.Partition(cfg.Data.ValidationSplit)
	if err != nil {
		return nil, err
	}
	pipeline, err := dataloader.NewPipeline(trainSet, valSet, cfg.Loader(), logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"train":      pipeline.TrainLen(),
		"validation": pipeline.ValidationLen(),
		"steps":      pipeline.StepsPerEpoch(),
	}).Info("Partitioned corpus")

	spec, err := layers.BuildClassifierSpec(cfg.Data.ImageSize, ds.NumClasses(), cfg.Architecture)
	if err != nil {
		return nil, err
	}
	training.NewModelArchitecturePrinter(modelName).PrintArchitecture(stdout, spec)

	model, err := engine.NewModel(spec, cfg.Training.Seed)
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.New(cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	run := &trainRun{
		RunID:      checkpoints.NewRunID(),
		Checkpoint: filepath.Join(outDir, checkpointFile),
	}
	logger = logger.WithField("run_id", run.RunID)
	labels := ds.ClassNames()

	var telemetry *training.Telemetry
	if cfg.Output.Metrics {
		telemetry = training.NewTelemetry(run.RunID)
	}
	trainer, err := training.NewTrainer(model, pipeline, opt, cfg.Training, training.Options{
		Sink:       training.NewFileCheckpointSink(run.Checkpoint, spec, labels, cfg.Data.ImageSize, run.RunID),
		Telemetry:  telemetry,
		Progress:   progress,
		Logger:     logger,
		ClassNames: labels,
	})
	if err != nil {
		return nil, err
	}

	res, runErr := trainer.Run(ctx)
	run.Result = res
	run.Skipped = pipeline.Skipped()
	run.Cache = pipeline.CacheStats()
	logger.WithFields(logrus.Fields{
		"size":     run.Cache.Size,
		"hits":     run.Cache.Hits,
		"misses":   run.Cache.Misses,
		"hit_rate": run.Cache.HitRate,
	}).Info("Image cache")
	if res != nil {
		if err := writeReports(outDir, cfg.Output, res, telemetry, labels); err != nil {
			logger.WithError(err).Warn("Failed to write training reports")
		}
	}
	if runErr != nil {
		return run, runErr
	}

	run.Artifact, err = exportCheckpoint(ctx, run.Checkpoint, outDir, logger)
	if err != nil {
		return run, err
	}
	return run, nil
}

func writeConfig(path string, cfg config.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write run configuration: %w", err)
	}
	if err := cfg.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeReports(outDir string, out config.OutputConfig, res *training.Result, telemetry *training.Telemetry, labels []string) error {
	if out.History {
		if err := res.History.WriteJSON(filepath.Join(outDir, historyFile)); err != nil {
			return err
		}
	}
	if telemetry != nil {
		if err := telemetry.WriteTextfile(filepath.Join(outDir, metricsFile)); err != nil {
			return err
		}
	}
	if out.Plots {
		plots := []training.PlotData{
			training.TrainingCurvesPlot(res.History, modelName),
			training.LearningRatePlot(res.History, modelName),
		}
		if res.Confusion != nil {
			plots = append(plots, training.ConfusionMatrixHeatmap(res.Confusion, labels, modelName))
		}
		if err := training.WritePlots(filepath.Join(outDir, plotsFile), plots...); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(w io.Writer, run *trainRun) {
	res := run.Result
	fmt.Fprintf(w, "\nRun %s: %s after %d epochs\n", run.RunID, res.State, res.StopEpoch)
	if res.Best != nil {
		fmt.Fprintf(w, "Best epoch %d: val_acc=%.4f val_loss=%.4f\n", res.Best.Epoch, res.Best.ValAcc, res.Best.ValLoss)
	}
	if res.Gap != nil {
		fmt.Fprintf(w, "%s\n", res.Gap)
	}
	if len(res.Classes) > 0 {
		fmt.Fprintf(w, "Validation accuracy per class (epoch %d):\n", res.ReportEpoch)
	}
	for _, c := range res.Classes {
		fmt.Fprintf(w, "  %-12s %4d/%-4d %.2f%%\n", c.Class, c.Correct, c.Support, c.Accuracy*100)
	}
	if run.Skipped > 0 {
		fmt.Fprintf(w, "Skipped %d unreadable images\n", run.Skipped)
	}
	fmt.Fprintln(w, run.Cache)
	if run.Artifact != nil {
		fmt.Fprintf(w, "Checkpoint: %s\nArtifact:   %s\nLabels:     %s\n", run.Checkpoint, run.Artifact.Path, run.Artifact.LabelsPath)
	}
}

func init() {
	trainCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML run configuration")
	trainCmd.Flags().StringVar(&dataRoot, "data", "dataset", "Corpus root with one directory per class")
	trainCmd.Flags().StringVarP(&outputDir, "output", "o", "output", "Output directory")
	trainCmd.Flags().IntVar(&imageSize, "image-size", 64, "Square input resolution in pixels")
	trainCmd.Flags().IntVar(&batchSize, "batch-size", 32, "Images per batch")
	trainCmd.Flags().IntVar(&maxEpochs, "epochs", 50, "Maximum number of epochs")
	trainCmd.Flags().Float32Var(&learningRate, "lr", 0.001, "Initial learning rate")
	trainCmd.Flags().Int64Var(&trainSeed, "seed", 42, "Seed for weights, shuffling and augmentation")
	trainCmd.Flags().IntVar(&earlyStopping, "patience", 5, "Epochs without validation accuracy improvement before stopping")
	trainCmd.Flags().Float64Var(&validationSplit, "validation-split", 0.2, "Fraction of each class held out for validation")
	trainCmd.Flags().StringSliceVar(&expectedClasses, "classes", nil, "Comma-separated class directories to train on (default: all)")
	trainCmd.Flags().BoolVar(&skipVerify, "no-verify", false, "Skip decoding every image before training")
	trainCmd.Flags().IntVar(&loaderWorkers, "workers", 4, "Decode and augmentation workers")
	trainCmd.Flags().BoolVar(&hideProgress, "no-progress", false, "Disable progress bars")

	rootCmd.AddCommand(trainCmd)
}
