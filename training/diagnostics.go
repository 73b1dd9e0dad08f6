package training

import "fmt"

// GapLevel classifies the difference between training and validation accuracy
type GapLevel int

const (
	GapExcellent GapLevel = iota
	GapAcceptable
	GapHigh
)

func (l GapLevel) String() string {
	switch l {
	case GapExcellent:
		return "excellent"
	case GapAcceptable:
		return "acceptable"
	case GapHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Gap thresholds on train_acc - val_acc
const (
	ExcellentGap  = 0.05
	AcceptableGap = 0.10
)

// GapDiagnostic is the overfitting report of an epoch. It is informational and never feeds
// back into training decisions.
type GapDiagnostic struct {
	Epoch    int
	TrainAcc float64
	ValAcc   float64
	Gap      float64
	Level    GapLevel
}

// DiagnoseGap classifies the overfitting gap of a record
func DiagnoseGap(rec EpochRecord) GapDiagnostic {
	gap := rec.TrainAcc - rec.ValAcc
	level := GapHigh
	switch {
	case gap < ExcellentGap:
		level = GapExcellent
	case gap < AcceptableGap:
		level = GapAcceptable
	}
	return GapDiagnostic{
		Epoch:    rec.Epoch,
		TrainAcc: rec.TrainAcc,
		ValAcc:   rec.ValAcc,
		Gap:      gap,
		Level:    level,
	}
}

// Advice returns a short human readable hint for the level
func (d GapDiagnostic) Advice() string {
	switch d.Level {
	case GapExcellent:
		return "training and validation accuracy are close"
	case GapAcceptable:
		return "slight overfitting"
	default:
		return "significant overfitting, consider more data or stronger regularization"
	}
}

func (d GapDiagnostic) String() string {
	return fmt.Sprintf("epoch %d: train %.2f%% / val %.2f%% (gap %.2f%%, %s)",
		d.Epoch, d.TrainAcc*100, d.ValAcc*100, d.Gap*100, d.Level)
}
