package checkpoints_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/engine"
	"github.com/BenmansourYahia/SignLanguage-Project/layers"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataset"
)

func smallArchitecture() layers.ArchitectureConfig {
	cfg := layers.DefaultArchitecture()
	cfg.ConvFilters = []int{4, 8}
	cfg.DenseUnits = []int{16, 8}
	cfg.DropoutRates = []float64{0.1, 0.1, 0.2, 0.2}
	return cfg
}

func exportInput(t *testing.T, labels ...string) checkpoints.ExportInput {
	t.Helper()
	spec, err := layers.BuildClassifierSpec(8, 3, smallArchitecture())
	require.NoError(t, err)
	model, err := engine.NewModel(spec, 1)
	require.NoError(t, err)

	return checkpoints.ExportInput{
		Spec:       spec,
		Weights:    model.Weights(),
		Labels:     dataset.NewClassIndex(labels),
		Resolution: 8,
		RunID:      "run-42",
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	logger, hook := test.NewNullLogger()

	exporter := checkpoints.NewExporter(dir, logger)
	artifact, err := exporter.Export(context.Background(), exportInput(t, "A", "B", "C"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "model.onnx"), artifact.Path)
	assert.FileExists(t, artifact.Path)
	assert.FileExists(t, artifact.LabelsPath)

	info := artifact.Info
	assert.Equal(t, []int{1, 8, 8, 3}, info.InputShape)
	assert.Equal(t, []int{1, 3}, info.OutputShape)
	assert.Equal(t, []string{"A", "B", "C"}, info.Labels)
	assert.Equal(t, int64(7), info.IRVersion)
	assert.Equal(t, int64(13), info.Opset)
	assert.Equal(t, checkpoints.QuantizationScheme, info.Metadata[checkpoints.MetaQuantization])
	assert.Equal(t, "3", info.Metadata[checkpoints.MetaClassCount])
	assert.Equal(t, "run-42", info.Metadata[checkpoints.MetaRunID])

	// 2 blocks of 2 convs, 3 dense layers
	assert.Equal(t, 1, info.OpCounts["Transpose"])
	assert.Equal(t, 4, info.OpCounts["Conv"])
	assert.Equal(t, 3, info.OpCounts["MatMul"])
	assert.Equal(t, 3, info.OpCounts["Add"])
	assert.Equal(t, 7, info.OpCounts["DequantizeLinear"])
	assert.Equal(t, 3, info.OpCounts["BatchNormalization"])
	assert.Equal(t, 2, info.OpCounts["MaxPool"])
	assert.Equal(t, 1, info.OpCounts["Flatten"])
	assert.Equal(t, 1, info.OpCounts["Softmax"])
	assert.Zero(t, info.OpCounts["Dropout"])
	assert.Equal(t, 7, info.QuantizedTensors)

	labels, err := dataset.ReadLabels(artifact.LabelsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, labels.Names())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	fromDisk, err := checkpoints.Inspect(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, info.OpCounts, fromDisk.OpCounts)
	assert.Contains(t, fromDisk.String(), "Conv=4")
}

func TestExportParameterCount(t *testing.T) {
	in := exportInput(t, "A", "B", "C")
	artifact, err := checkpoints.NewExporter(t.TempDir(), logrus.New()).Export(context.Background(), in)
	require.NoError(t, err)

	var values int64
	for _, w := range in.Weights {
		values += int64(len(w.Data))
	}
	// every weight is exported once, plus one scale per quantized kernel
	assert.Equal(t, values+int64(artifact.Info.QuantizedTensors), artifact.Info.Parameters)
}

func TestExportContract(t *testing.T) {
	in := exportInput(t, "A", "B", "C")
	in.Labels = dataset.NewClassIndex([]string{"A", "B"})

	_, err := checkpoints.NewExporter(t.TempDir(), logrus.New()).Export(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoints.ErrExportContract)

	var contractErr *checkpoints.ContractError
	require.True(t, errors.As(err, &contractErr))
	assert.Equal(t, "output width", contractErr.Field)
	assert.Equal(t, "2", contractErr.Expected)
	assert.Equal(t, "3", contractErr.Actual)
}

func TestExportErrors(t *testing.T) {
	t.Run("MissingWeight", func(t *testing.T) {
		in := exportInput(t, "A", "B", "C")
		in.Weights = in.Weights[1:]
		_, err := checkpoints.NewExporter(t.TempDir(), logrus.New()).Export(context.Background(), in)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, checkpoints.ErrExportContract)
	})

	t.Run("ResolutionMismatch", func(t *testing.T) {
		in := exportInput(t, "A", "B", "C")
		in.Resolution = 16
		_, err := checkpoints.NewExporter(t.TempDir(), logrus.New()).Export(context.Background(), in)
		assert.Error(t, err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := checkpoints.NewExporter(dir, logrus.New()).Export(ctx, exportInput(t, "A", "B", "C"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.NoFileExists(t, filepath.Join(dir, "model.onnx"))
	})
}

func TestInspectErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := checkpoints.Inspect(filepath.Join(dir, "missing.onnx"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte{0x0a, 0xff}, 0o644))
	_, err = checkpoints.Inspect(garbage)
	assert.Error(t, err)
}

func TestExportInputFromCheckpoint(t *testing.T) {
	in := exportInput(t, "A", "B", "C")
	cp := &checkpoints.Checkpoint{
		ModelSpec:  in.Spec,
		Weights:    in.Weights,
		Labels:     []string{"A", "B", "C"},
		Resolution: 8,
		Metadata:   checkpoints.CheckpointMetadata{RunID: "abc"},
	}

	got, err := checkpoints.ExportInputFromCheckpoint(cp)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.RunID)
	assert.Equal(t, []string{"A", "B", "C"}, got.Labels.Names())

	cp.Labels = []string{"B", "A", "C"}
	_, err = checkpoints.ExportInputFromCheckpoint(cp)
	assert.Error(t, err)
}
