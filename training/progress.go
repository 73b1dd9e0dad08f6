package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/BenmansourYahia/SignLanguage-Project/layers"
)

// ProgressBar renders Keras-style batch progress on a single terminal line
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to out. A nil writer disables rendering.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	if pb.out != nil {
		fmt.Fprintln(pb.out)
	}
}

func (pb *ProgressBar) render() {
	if pb.out == nil {
		return
	}

	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s %d/%d [%s] %s", pb.description, pb.current, pb.total, bar, formatDuration(elapsed))

	if pb.current > 0 && percentage < 1 {
		eta := time.Duration(float64(elapsed)/percentage) - elapsed
		line += fmt.Sprintf(" eta %s", formatDuration(eta))
	}

	// stable order keeps the line from jumping around between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(" - %s: %.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(" - %s: %.4f", key, value)
		}
	}

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a model architecture one layer per line
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the architecture and a parameter summary to out
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(out, "Model Architecture:\n")
	fmt.Fprintf(out, "%s(\n", p.modelName)

	for i := range modelSpec.Layers {
		fmt.Fprintf(out, "  %s\n", p.formatLayer(&modelSpec.Layers[i]))
	}

	fmt.Fprintf(out, ")\n\n")
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(out, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer *layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 0)
		s := layer.IntParam("stride", 1)
		pad := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t, l2=%g)",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0),
			k, k, s, s, pad, pad, layer.BoolParam("use_bias", true), layer.L2())
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t, l2=%g)",
			layer.Name, layer.IntParam("input_size", 0), layer.IntParam("output_size", 0),
			layer.BoolParam("use_bias", true), layer.L2())
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm2d(%d, eps=%g, momentum=%g)",
			layer.Name, layer.IntParam("num_features", 0), layer.FloatParam("eps", 0), layer.FloatParam("momentum", 0))
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)",
			layer.Name, layer.IntParam("pool_size", 2), layer.IntParam("stride", 2))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%g)", layer.Name, layer.FloatParam("rate", 0))
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.Softmax:
		return fmt.Sprintf("(%s): Softmax(dim=%d)", layer.Name, layer.IntParam("axis", -1))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates input tensor size in MB
func calculateInputSize(inputShape []int) float64 {
	size := 1
	for _, dim := range inputShape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}
