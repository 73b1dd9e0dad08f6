package training

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is a renderer-agnostic description of one chart
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	XAxisScale    string                 `json:"x_axis_scale"`
	YAxisScale    string                 `json:"y_axis_scale"`
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

func lineSeries(name, color string, dashed bool, values []float64) SeriesData {
	style := map[string]interface{}{"color": color, "line_width": 2}
	if dashed {
		style["line_style"] = "dashed"
	}
	data := make([]DataPoint, len(values))
	for i, v := range values {
		data[i] = DataPoint{X: i + 1, Y: v}
	}
	return SeriesData{Name: name, Type: "line", Data: data, Style: style}
}

// TrainingCurvesPlot charts loss and accuracy per epoch for both partitions
func TrainingCurvesPlot(h *History, modelName string) PlotData {
	trainLoss, _ := h.Series("train_loss")
	trainAcc, _ := h.Series("train_accuracy")
	valLoss, _ := h.Series("val_loss")
	valAcc, _ := h.Series("val_accuracy")

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			lineSeries("Training Loss", "#FF6B6B", false, trainLoss),
			lineSeries("Training Accuracy", "#4ECDC4", false, trainAcc),
			lineSeries("Validation Loss", "#FF9F43", true, valLoss),
			lineSeries("Validation Accuracy", "#5F27CD", true, valAcc),
		},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// LearningRatePlot charts the learning rate used by each epoch
func LearningRatePlot(h *History, modelName string) PlotData {
	lrs, _ := h.Series("learning_rate")
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{lineSeries("Learning Rate", "#6C5CE7", false, lrs)},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// ConfusionMatrixHeatmap charts a confusion matrix with true classes on the Y axis
func ConfusionMatrixHeatmap(cm *ConfusionMatrix, classNames []string, modelName string) PlotData {
	name := func(i int) string {
		if i < len(classNames) {
			return classNames[i]
		}
		return fmt.Sprintf("class_%d", i)
	}

	var data []DataPoint
	for i, row := range cm.Matrix {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     j,
				Y:     i,
				Z:     value,
				Label: fmt.Sprintf("True: %s, Pred: %s", name(i), name(j)),
			})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{{
			Name:  "Confusion Matrix",
			Type:  "heatmap",
			Data:  data,
			Style: map[string]interface{}{"colorscale": "Blues"},
		}},
		Config: PlotConfig{
			XAxisLabel:    "Predicted Class",
			YAxisLabel:    "True Class",
			XAxisScale:    "linear",
			YAxisScale:    "linear",
			Width:         600,
			Height:        600,
			CustomOptions: map[string]interface{}{"class_names": classNames},
		},
		Metrics: map[string]interface{}{
			"accuracy": cm.GetAccuracy(),
			"macro_f1": cm.GetMetric(MacroF1),
		},
	}
}

// WritePlots stores plot descriptions as a JSON array
func WritePlots(path string, plots ...PlotData) error {
	data, err := json.MarshalIndent(plots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plots: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plots: %w", err)
	}
	return nil
}
