package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlots(t *testing.T) {
	h := &History{}
	for i := 1; i <= 3; i++ {
		h.append(EpochRecord{Epoch: i, TrainLoss: 1 / float64(i), ValAcc: 0.2 * float64(i), LearningRate: 0.001})
	}

	curves := TrainingCurvesPlot(h, "sign")
	assert.Equal(t, TrainingCurves, curves.PlotType)
	require.Len(t, curves.Series, 4)
	assert.Len(t, curves.Series[0].Data, 3)
	assert.Equal(t, 3, curves.Series[3].Data[2].X)
	assert.Equal(t, "dashed", curves.Series[2].Style["line_style"])

	lr := LearningRatePlot(h, "sign")
	assert.Equal(t, "log", lr.Config.YAxisScale)

	cm := NewConfusionMatrix(2)
	require.NoError(t, cm.UpdateFromPredictions([]float32{0.9, 0.1, 0.2, 0.8, 0.7, 0.3}, []int{0, 1, 1}, 3))
	heat := ConfusionMatrixHeatmap(cm, []string{"A", "B"}, "sign")
	require.Len(t, heat.Series[0].Data, 4)
	assert.Equal(t, "True: B, Pred: A", heat.Series[0].Data[2].Label)
	assert.Equal(t, 1, heat.Series[0].Data[2].Z)

	path := filepath.Join(t.TempDir(), "plots.json")
	require.NoError(t, WritePlots(path, curves, lr, heat))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded, 3)
	assert.Equal(t, "confusion_matrix", decoded[2]["plot_type"])
}
