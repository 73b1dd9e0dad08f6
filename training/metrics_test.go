package training

import (
	"math"
	"strings"
	"testing"
)

// TestMetricTypeString tests the string representation of MetricType
func TestMetricTypeString(t *testing.T) {
	tests := []struct {
		metric   MetricType
		expected string
	}{
		{MacroPrecision, "MacroPrecision"},
		{MacroRecall, "MacroRecall"},
		{MacroF1, "MacroF1"},
		{MicroPrecision, "MicroPrecision"},
		{MicroRecall, "MicroRecall"},
		{MicroF1, "MicroF1"},
		{MetricType(999), "Unknown(999)"},
	}

	for _, test := range tests {
		result := test.metric.String()
		if result != test.expected {
			t.Errorf("MetricType(%d).String() = %s, expected %s", test.metric, result, test.expected)
		}
	}
}

// threeClassMatrix builds
//
//	true A: 3 A, 1 B
//	true B: 2 B
//	true C: 1 A, 1 C
func threeClassMatrix(t *testing.T) *ConfusionMatrix {
	t.Helper()
	cm := NewConfusionMatrix(3)
	predictions := []float32{
		0.8, 0.1, 0.1,
		0.6, 0.3, 0.1,
		0.5, 0.2, 0.3,
		0.2, 0.7, 0.1,
		0.1, 0.8, 0.1,
		0.3, 0.6, 0.1,
		0.5, 0.1, 0.4,
		0.1, 0.1, 0.8,
	}
	labels := []int{0, 0, 0, 0, 1, 1, 2, 2}
	if err := cm.UpdateFromPredictions(predictions, labels, len(labels)); err != nil {
		t.Fatalf("UpdateFromPredictions failed: %v", err)
	}
	return cm
}

func TestConfusionMatrixCounts(t *testing.T) {
	cm := threeClassMatrix(t)

	want := [][]int{{3, 1, 0}, {0, 2, 0}, {1, 0, 1}}
	for i := range want {
		for j := range want[i] {
			if cm.Matrix[i][j] != want[i][j] {
				t.Errorf("Matrix[%d][%d] = %d, expected %d", i, j, cm.Matrix[i][j], want[i][j])
			}
		}
	}
	if cm.TotalSamples != 8 {
		t.Errorf("Expected 8 samples, got %d", cm.TotalSamples)
	}
	if acc := cm.GetAccuracy(); math.Abs(acc-0.75) > 1e-9 {
		t.Errorf("Expected accuracy 0.75, got %f", acc)
	}
	if !strings.Contains(cm.String(), "    3") {
		t.Errorf("Unexpected rendering:\n%s", cm.String())
	}
}

func TestConfusionMatrixMetrics(t *testing.T) {
	cm := threeClassMatrix(t)

	// precision per class: A 3/4, B 2/3, C 1/1; recall: A 3/4, B 2/2, C 1/2
	precision := (0.75 + 2.0/3.0 + 1.0) / 3
	recall := (0.75 + 1.0 + 0.5) / 3
	tests := []struct {
		metric   MetricType
		expected float64
	}{
		{MacroPrecision, precision},
		{MacroRecall, recall},
		{MacroF1, 2 * precision * recall / (precision + recall)},
		{MicroPrecision, 0.75},
		{MicroRecall, 0.75},
		{MicroF1, 0.75},
		{MetricType(42), 0},
	}
	for _, tt := range tests {
		if got := cm.GetMetric(tt.metric); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("%s = %f, expected %f", tt.metric, got, tt.expected)
		}
	}

	// cached values are dropped on update
	if err := cm.UpdateFromPredictions([]float32{0, 0, 1}, []int{2}, 1); err != nil {
		t.Fatal(err)
	}
	if got := cm.GetMetric(MicroF1); math.Abs(got-7.0/9.0) > 1e-9 {
		t.Errorf("MicroF1 after update = %f, expected %f", got, 7.0/9.0)
	}
}

func TestConfusionMatrixClassReport(t *testing.T) {
	cm := threeClassMatrix(t)
	report := cm.Report([]string{"A", "B"})

	if len(report) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(report))
	}
	if report[0].Class != "A" || report[0].Support != 4 || report[0].Correct != 3 {
		t.Errorf("Unexpected row for A: %+v", report[0])
	}
	if report[1].Accuracy != 1 {
		t.Errorf("Expected B accuracy 1, got %f", report[1].Accuracy)
	}
	if report[2].Class != "class_2" || report[2].Accuracy != 0.5 {
		t.Errorf("Unexpected row for unnamed class: %+v", report[2])
	}

	empty := NewConfusionMatrix(2)
	if _, ok := empty.ClassAccuracy(0); ok {
		t.Error("Expected no accuracy for a class without samples")
	}
	if empty.GetAccuracy() != 0 || empty.GetMetric(MacroF1) != 0 {
		t.Error("Expected zero metrics for an empty matrix")
	}
}

func TestConfusionMatrixErrors(t *testing.T) {
	cm := NewConfusionMatrix(2)
	if err := cm.UpdateFromPredictions([]float32{1, 0, 0}, []int{0}, 1); err == nil {
		t.Error("Expected error for prediction length mismatch")
	}
	if err := cm.UpdateFromPredictions([]float32{1, 0}, []int{0, 1}, 1); err == nil {
		t.Error("Expected error for label length mismatch")
	}
	if err := cm.UpdateFromPredictions([]float32{1, 0}, []int{5}, 1); err == nil {
		t.Error("Expected error for out of range label")
	}

	if err := cm.UpdateFromPredictions([]float32{1, 0}, []int{0}, 1); err != nil {
		t.Fatal(err)
	}
	cm.Reset()
	if cm.TotalSamples != 0 || cm.Matrix[0][0] != 0 {
		t.Error("Reset did not clear the matrix")
	}
}
