package layers

import "fmt"

// ArchitectureConfig describes the convolutional classifier built by BuildClassifierSpec
type ArchitectureConfig struct {
	ConvFilters       []int     `yaml:"conv_filters" json:"conv_filters" validate:"min=1,dive,gt=0"`
	DenseUnits        []int     `yaml:"dense_units" json:"dense_units" validate:"dive,gt=0"`
	L2Strength        float64   `yaml:"l2_strength" json:"l2_strength" validate:"gte=0"`
	DropoutRates      []float64 `yaml:"dropout_rates" json:"dropout_rates" validate:"dive,gte=0,lt=1"`
	BatchNormMomentum float64   `yaml:"batch_norm_momentum" json:"batch_norm_momentum" validate:"gt=0,lt=1"`
	BatchNormEpsilon  float64   `yaml:"batch_norm_epsilon" json:"batch_norm_epsilon" validate:"gt=0"`
}

// DefaultArchitecture returns three conv blocks of 32, 64 and 128 filters followed by dense
// layers of 256 and 128 units, with heavy dropout and L2 on every kernel
func DefaultArchitecture() ArchitectureConfig {
	return ArchitectureConfig{
		ConvFilters:       []int{32, 64, 128},
		DenseUnits:        []int{256, 128},
		L2Strength:        0.001,
		DropoutRates:      []float64{0.3, 0.4, 0.5, 0.6, 0.5},
		BatchNormMomentum: 0.99,
		BatchNormEpsilon:  1e-3,
	}
}

// Validate checks the relationships between fields
func (c ArchitectureConfig) Validate() error {
	if len(c.ConvFilters) == 0 {
		return fmt.Errorf("at least one conv block is required")
	}
	if want := len(c.ConvFilters) + len(c.DenseUnits); len(c.DropoutRates) != want {
		return fmt.Errorf("expected %d dropout rates (one per conv block and dense layer), got %d", want, len(c.DropoutRates))
	}
	for i, r := range c.DropoutRates {
		if r < 0 || r >= 1 {
			return fmt.Errorf("dropout rate %d must be in [0, 1), got %v", i, r)
		}
	}
	if c.L2Strength < 0 {
		return fmt.Errorf("l2 strength must be non-negative, got %v", c.L2Strength)
	}
	if c.BatchNormMomentum <= 0 || c.BatchNormMomentum >= 1 {
		return fmt.Errorf("batch norm momentum must be in (0, 1), got %v", c.BatchNormMomentum)
	}
	if c.BatchNormEpsilon <= 0 {
		return fmt.Errorf("batch norm epsilon must be positive, got %v", c.BatchNormEpsilon)
	}
	return nil
}

// BuildClassifierSpec builds and compiles the classifier topology for square RGB images of the
// given resolution. It has no side effects; weights are created by the engine.
//
// Each conv block is Conv3x3 -> ReLU -> BatchNorm -> Conv3x3 -> ReLU -> MaxPool2x2 -> Dropout.
// The head is Flatten, then per dense layer Dense -> ReLU (-> BatchNorm on the first) -> Dropout,
// then Dense(classCount) -> Softmax.
func BuildClassifierSpec(resolution, classCount int, cfg ArchitectureConfig) (*ModelSpec, error) {
	if classCount < 2 {
		return nil, fmt.Errorf("a classifier needs at least 2 classes, got %d", classCount)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolution>>len(cfg.ConvFilters) < 1 {
		return nil, fmt.Errorf("resolution %d does not survive %d pooling stages", resolution, len(cfg.ConvFilters))
	}

	l2 := float32(cfg.L2Strength)
	eps := float32(cfg.BatchNormEpsilon)
	momentum := float32(cfg.BatchNormMomentum)

	b := NewModelBuilder([]int{1, 3, resolution, resolution})

	for i, filters := range cfg.ConvFilters {
		block := i + 1
		b.AddConv2D(filters, 3, 1, 1, true, fmt.Sprintf("conv%d_1", block)).WithL2(l2).
			AddReLU(fmt.Sprintf("conv%d_1_relu", block)).
			AddBatchNorm(filters, eps, momentum, fmt.Sprintf("conv%d_bn", block)).
			AddConv2D(filters, 3, 1, 1, true, fmt.Sprintf("conv%d_2", block)).WithL2(l2).
			AddReLU(fmt.Sprintf("conv%d_2_relu", block)).
			AddMaxPool2D(2, 2, fmt.Sprintf("pool%d", block)).
			AddDropout(float32(cfg.DropoutRates[i]), fmt.Sprintf("drop%d", block))
	}

	b.AddFlatten("flatten")

	for i, units := range cfg.DenseUnits {
		n := i + 1
		b.AddDense(units, true, fmt.Sprintf("dense%d", n)).WithL2(l2).
			AddReLU(fmt.Sprintf("dense%d_relu", n))
		if i == 0 {
			b.AddBatchNorm(units, eps, momentum, fmt.Sprintf("dense%d_bn", n))
		}
		b.AddDropout(float32(cfg.DropoutRates[len(cfg.ConvFilters)+i]), fmt.Sprintf("dense%d_drop", n))
	}

	b.AddDense(classCount, true, "logits").
		AddSoftmax(-1, "predictions")

	spec, err := b.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile classifier: %w", err)
	}
	return spec, nil
}
