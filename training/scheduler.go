package training

import "fmt"

// LRDecayConfig configures the plateau learning rate reduction
type LRDecayConfig struct {
	Patience int     `yaml:"patience" json:"patience" validate:"gte=1"`
	Factor   float64 `yaml:"factor" json:"factor" validate:"gt=0,lt=1"`
	MinLR    float64 `yaml:"min_lr" json:"min_lr" validate:"gte=0"`
	MinDelta float64 `yaml:"min_delta" json:"min_delta" validate:"gte=0"`
}

// DefaultLRDecayConfig halves the learning rate after 3 epochs without validation loss
// improvement, never going below 1e-5
func DefaultLRDecayConfig() LRDecayConfig {
	return LRDecayConfig{
		Patience: 3,
		Factor:   0.5,
		MinLR:    1e-5,
		MinDelta: 1e-4,
	}
}

// Validate checks the decay parameters
func (c LRDecayConfig) Validate() error {
	if c.Patience < 1 {
		return fmt.Errorf("lr decay patience must be at least 1, got %d", c.Patience)
	}
	if c.Factor <= 0 || c.Factor >= 1 {
		return fmt.Errorf("lr decay factor must be in (0, 1), got %v", c.Factor)
	}
	if c.MinLR < 0 || c.MinDelta < 0 {
		return fmt.Errorf("lr decay min_lr and min_delta must be non-negative")
	}
	return nil
}

// LRDecayPolicy reduces the learning rate when the validation loss has stopped improving.
// It only ever lowers the rate and never halts a run.
type LRDecayPolicy struct {
	cfg LRDecayConfig

	bestLoss    float64
	badEpochs   int
	initialized bool
	reductions  int
}

// NewLRDecayPolicy creates a plateau policy
func NewLRDecayPolicy(cfg LRDecayConfig) (*LRDecayPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LRDecayPolicy{cfg: cfg}, nil
}

// Step is called once per epoch with the validation loss and the current learning rate. It
// returns the learning rate for the next epoch and whether a reduction happened.
func (p *LRDecayPolicy) Step(valLoss float64, currentLR float32) (float32, bool) {
	if !p.initialized || valLoss < p.bestLoss-p.cfg.MinDelta {
		p.bestLoss = valLoss
		p.badEpochs = 0
		p.initialized = true
		return currentLR, false
	}

	p.badEpochs++
	if p.badEpochs < p.cfg.Patience {
		return currentLR, false
	}
	p.badEpochs = 0

	minLR := float32(p.cfg.MinLR)
	if currentLR <= minLR {
		return currentLR, false
	}
	next := currentLR * float32(p.cfg.Factor)
	if next < minLR {
		next = minLR
	}
	p.reductions++
	return next, true
}

// BadEpochs returns the number of consecutive epochs without improvement
func (p *LRDecayPolicy) BadEpochs() int {
	return p.badEpochs
}

// Reductions returns how many times the rate was lowered
func (p *LRDecayPolicy) Reductions() int {
	return p.reductions
}

func (p *LRDecayPolicy) String() string {
	return fmt.Sprintf("ReduceLROnPlateau(patience=%d, factor=%g, min_lr=%g)", p.cfg.Patience, p.cfg.Factor, p.cfg.MinLR)
}
