package layers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenmansourYahia/SignLanguage-Project/layers"
)

func TestBuildClassifierSpecDefault(t *testing.T) {
	spec, err := layers.BuildClassifierSpec(64, 29, layers.DefaultArchitecture())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 64, 64}, spec.InputShape)
	assert.Equal(t, []int{1, 29}, spec.OutputShape)

	var types []layers.LayerType
	for _, l := range spec.Layers {
		types = append(types, l.Type)
	}

	block := []layers.LayerType{
		layers.Conv2D, layers.ReLU, layers.BatchNorm,
		layers.Conv2D, layers.ReLU, layers.MaxPool2D, layers.Dropout,
	}
	var want []layers.LayerType
	for i := 0; i < 3; i++ {
		want = append(want, block...)
	}
	want = append(want,
		layers.Flatten,
		layers.Dense, layers.ReLU, layers.BatchNorm, layers.Dropout,
		layers.Dense, layers.ReLU, layers.Dropout,
		layers.Dense, layers.Softmax,
	)
	assert.Equal(t, want, types)

	// 64 -> 32 -> 16 -> 8 after three pools
	flatten := spec.Layers[21]
	assert.Equal(t, []int{1, 128 * 8 * 8}, flatten.OutputShape)

	rates := []float32{}
	l2Layers := 0
	for _, l := range spec.Layers {
		if l.Type == layers.Dropout {
			rates = append(rates, l.FloatParam("rate", -1))
		}
		if l.L2() > 0 {
			l2Layers++
		}
	}
	assert.InDeltaSlice(t, []float32{0.3, 0.4, 0.5, 0.6, 0.5}, rates, 1e-6)
	assert.Equal(t, 8, l2Layers, "six conv kernels and two hidden dense kernels are regularized")

	bn := spec.Layers[2]
	assert.InDelta(t, 0.99, bn.FloatParam("momentum", 0), 1e-6)
	assert.InDelta(t, 1e-3, bn.FloatParam("eps", 0), 1e-9)
}

func TestBuildClassifierSpecIsPure(t *testing.T) {
	cfg := layers.DefaultArchitecture()
	a, err := layers.BuildClassifierSpec(32, 5, cfg)
	require.NoError(t, err)
	b, err := layers.BuildClassifierSpec(32, 5, cfg)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same inputs give the same topology")
	assert.Equal(t, layers.DefaultArchitecture(), cfg, "configuration is not modified")
}

func TestBuildClassifierSpecSmall(t *testing.T) {
	cfg := layers.DefaultArchitecture()
	cfg.ConvFilters = []int{4, 8}
	cfg.DenseUnits = []int{16}
	cfg.DropoutRates = []float64{0.1, 0.1, 0.2}

	spec, err := layers.BuildClassifierSpec(8, 3, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, spec.OutputWidth())
	require.NoError(t, spec.Validate())
}

func TestBuildClassifierSpecErrors(t *testing.T) {
	cfg := layers.DefaultArchitecture()

	_, err := layers.BuildClassifierSpec(4, 3, cfg)
	assert.Error(t, err, "4px cannot survive three pooling stages")

	_, err = layers.BuildClassifierSpec(64, 1, cfg)
	assert.Error(t, err)

	bad := layers.DefaultArchitecture()
	bad.DropoutRates = bad.DropoutRates[:4]
	_, err = layers.BuildClassifierSpec(64, 3, bad)
	assert.Error(t, err)

	bad = layers.DefaultArchitecture()
	bad.BatchNormMomentum = 1
	_, err = layers.BuildClassifierSpec(64, 3, bad)
	assert.Error(t, err)
}
