package training

import (
	"fmt"
	"strings"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix accumulates predictions for multi-class evaluation.
// Matrix[true][predicted] counts samples.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int

	cachedMetrics map[MetricType]float64
	metricsValid  bool
}

// NewConfusionMatrix creates an empty matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears all counts
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.metricsValid = false
}

// UpdateFromPredictions adds a batch of class probabilities ([batchSize, NumClasses], row major)
// and their true labels
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, trueLabels []int, batchSize int) error {
	if len(predictions) != batchSize*cm.NumClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batchSize*cm.NumClasses, len(predictions))
	}
	if len(trueLabels) != batchSize {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	for i := 0; i < batchSize; i++ {
		row := predictions[i*cm.NumClasses : (i+1)*cm.NumClasses]
		predClass := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[predClass] {
				predClass = j
			}
		}

		trueClass := trueLabels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}

	cm.metricsValid = false
	return nil
}

// GetMetric calculates and caches an aggregate metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if !cm.metricsValid {
		cm.cachedMetrics = make(map[MetricType]float64)
		cm.metricsValid = true
	}
	if value, ok := cm.cachedMetrics[metric]; ok {
		return value
	}

	var result float64
	switch metric {
	case MacroPrecision:
		result = cm.calculateMacroPrecision()
	case MacroRecall:
		result = cm.calculateMacroRecall()
	case MacroF1:
		result = f1(cm.calculateMacroPrecision(), cm.calculateMacroRecall())
	case MicroPrecision:
		result = cm.calculateMicroPrecision()
	case MicroRecall:
		result = cm.calculateMicroRecall()
	case MicroF1:
		result = f1(cm.calculateMicroPrecision(), cm.calculateMicroRecall())
	default:
		return 0
	}

	cm.cachedMetrics[metric] = result
	return result
}

func f1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

func (cm *ConfusionMatrix) support(class int) int {
	n := 0
	for _, c := range cm.Matrix[class] {
		n += c
	}
	return n
}

func (cm *ConfusionMatrix) predicted(class int) int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][class]
	}
	return n
}

// Classes with no predictions (precision) or no samples (recall) are left out of the mean
func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		if p := cm.predicted(class); p > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(p)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		if s := cm.support(class); s > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(s)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// In single-label classification every miss is one FP and one FN, so micro precision and
// recall both equal accuracy
func (cm *ConfusionMatrix) calculateMicroPrecision() float64 {
	return cm.GetAccuracy()
}

func (cm *ConfusionMatrix) calculateMicroRecall() float64 {
	return cm.GetAccuracy()
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassAccuracy is the fraction of samples of one class predicted correctly. ok is false when
// the class has no samples.
func (cm *ConfusionMatrix) ClassAccuracy(class int) (acc float64, ok bool) {
	s := cm.support(class)
	if s == 0 {
		return 0, false
	}
	return float64(cm.Matrix[class][class]) / float64(s), true
}

// ClassReport is the per-class result of a validation pass
type ClassReport struct {
	Class    string  `json:"class"`
	Support  int     `json:"support"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Report lists per-class results using names for the class indices
func (cm *ConfusionMatrix) Report(names []string) []ClassReport {
	out := make([]ClassReport, cm.NumClasses)
	for c := 0; c < cm.NumClasses; c++ {
		name := fmt.Sprintf("class_%d", c)
		if c < len(names) {
			name = names[c]
		}
		acc, _ := cm.ClassAccuracy(c)
		out[c] = ClassReport{
			Class:    name,
			Support:  cm.support(c),
			Correct:  cm.Matrix[c][c],
			Accuracy: acc,
		}
	}
	return out
}

// String renders the matrix with true classes as rows
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	for i, row := range cm.Matrix {
		fmt.Fprintf(&b, "%3d |", i)
		for _, v := range row {
			fmt.Fprintf(&b, " %5d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
