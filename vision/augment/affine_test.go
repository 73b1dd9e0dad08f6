package augment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

func gradientImage(size int) *preprocessing.ProcessedImage {
	img := &preprocessing.ProcessedImage{
		Data:     make([]float32, 3*size*size),
		Width:    size,
		Height:   size,
		Channels: 3,
	}
	for c := 0; c < 3; c++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.Data[c*size*size+y*size+x] = float32(10*y + x + c)
			}
		}
	}
	return img
}

func TestDrawWithinRanges(t *testing.T) {
	tr, err := NewTransformer(DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		p := tr.Draw(rng, 64, 32)
		assert.LessOrEqual(t, p.Theta, 20.0)
		assert.GreaterOrEqual(t, p.Theta, -20.0)
		assert.LessOrEqual(t, p.Tx, 0.15*64)
		assert.GreaterOrEqual(t, p.Tx, -0.15*64)
		assert.LessOrEqual(t, p.Ty, 0.15*32)
		assert.GreaterOrEqual(t, p.Ty, -0.15*32)
		assert.LessOrEqual(t, p.Shear, 0.1)
		assert.GreaterOrEqual(t, p.Zx, 0.85)
		assert.LessOrEqual(t, p.Zy, 1.15)
		assert.GreaterOrEqual(t, p.Brightness, 0.8)
		assert.LessOrEqual(t, p.Brightness, 1.2)
	}
}

func TestDrawIsIndependentPerCall(t *testing.T) {
	tr, err := NewTransformer(DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	a := tr.Draw(rng, 16, 16)
	b := tr.Draw(rng, 16, 16)
	assert.NotEqual(t, a, b)

	again := rand.New(rand.NewSource(1))
	assert.Equal(t, a, tr.Draw(again, 16, 16), "same seed reproduces the same draw")
}

func TestZeroRangesDrawIdentity(t *testing.T) {
	tr, err := NewTransformer(Config{})
	require.NoError(t, err)
	p := tr.Draw(rand.New(rand.NewSource(3)), 8, 8)
	assert.True(t, p.IsIdentity())
}

func TestApplyIdentity(t *testing.T) {
	src := gradientImage(6)
	out := Apply(src, Identity())
	assert.Equal(t, src.Data, out.Data)

	out.Data[0] = -1
	assert.NotEqual(t, float32(-1), src.Data[0], "Apply never aliases the source")
}

func TestApplyShift(t *testing.T) {
	src := gradientImage(5)
	p := Identity()
	p.Ty = 1 // sample one column to the right

	out := Apply(src, p)
	for y := 0; y < 5; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, src.At(0, y, x+1), out.At(0, y, x))
		}
		assert.Equal(t, src.At(0, y, 4), out.At(0, y, 4), "edge pixels are repeated")
	}
}

func TestApplyRotation180(t *testing.T) {
	src := gradientImage(5)
	p := Identity()
	p.Theta = 180

	out := Apply(src, p)
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			assert.Equal(t, src.At(1, 4-y, 4-x), out.At(1, y, x))
		}
	}
}

func TestApplyBrightnessClips(t *testing.T) {
	src := &preprocessing.ProcessedImage{Data: []float32{100, 200, 250}, Width: 1, Height: 1, Channels: 3}
	p := Identity()
	p.Brightness = 1.2

	out := Apply(src, p)
	assert.InDelta(t, 120, out.Data[0], 1e-4)
	assert.InDelta(t, 240, out.Data[1], 1e-4)
	assert.Equal(t, float32(255), out.Data[2])
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BrightnessRange = [2]float64{1.2, 0.8}
	_, err := NewTransformer(cfg)
	assert.Error(t, err)
}
