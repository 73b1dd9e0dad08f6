// Package augment implements the randomized geometric and photometric transforms applied to
// training images.
package augment

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/preprocessing"
)

// Config holds the augmentation ranges.
// Shift ranges are fractions of the image size; rotation and shear are in degrees.
type Config struct {
	RotationRange    float64    `yaml:"rotation_range" json:"rotation_range" validate:"gte=0,lte=180"`
	WidthShiftRange  float64    `yaml:"width_shift_range" json:"width_shift_range" validate:"gte=0,lt=1"`
	HeightShiftRange float64    `yaml:"height_shift_range" json:"height_shift_range" validate:"gte=0,lt=1"`
	ShearRange       float64    `yaml:"shear_range" json:"shear_range" validate:"gte=0,lt=90"`
	ZoomRange        float64    `yaml:"zoom_range" json:"zoom_range" validate:"gte=0,lt=1"`
	BrightnessRange  [2]float64 `yaml:"brightness_range" json:"brightness_range"`
}

// DefaultConfig returns the augmentation ranges used for hand-sign training
func DefaultConfig() Config {
	return Config{
		RotationRange:    20,
		WidthShiftRange:  0.15,
		HeightShiftRange: 0.15,
		ShearRange:       0.1,
		ZoomRange:        0.15,
		BrightnessRange:  [2]float64{0.8, 1.2},
	}
}

// Validate checks the ranges that struct tags cannot express
func (c Config) Validate() error {
	lo, hi := c.BrightnessRange[0], c.BrightnessRange[1]
	if lo < 0 || hi < lo {
		return fmt.Errorf("brightness range must satisfy 0 <= lo <= hi, got [%v, %v]", lo, hi)
	}
	return nil
}

// Params is one concrete draw of the random transform
type Params struct {
	Theta      float64 // rotation, degrees
	Tx         float64 // vertical shift, pixels
	Ty         float64 // horizontal shift, pixels
	Shear      float64 // degrees
	Zx         float64 // row zoom
	Zy         float64 // column zoom
	Brightness float64
}

// Identity returns parameters that leave an image unchanged
func Identity() Params {
	return Params{Zx: 1, Zy: 1, Brightness: 1}
}

// IsIdentity reports whether p performs no geometric or photometric change
func (p Params) IsIdentity() bool {
	return p == Identity()
}

// Transformer draws and applies random transforms
type Transformer struct {
	cfg Config
}

// NewTransformer creates a transformer for the given ranges
func NewTransformer(cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{cfg: cfg}, nil
}

// Config returns the transformer's ranges
func (t *Transformer) Config() Config {
	return t.cfg
}

// Draw samples one set of transform parameters for an image of the given size
func (t *Transformer) Draw(rng *rand.Rand, height, width int) Params {
	p := Identity()
	if t.cfg.RotationRange > 0 {
		p.Theta = uniform(rng, -t.cfg.RotationRange, t.cfg.RotationRange)
	}
	if t.cfg.HeightShiftRange > 0 {
		p.Tx = uniform(rng, -t.cfg.HeightShiftRange, t.cfg.HeightShiftRange) * float64(height)
	}
	if t.cfg.WidthShiftRange > 0 {
		p.Ty = uniform(rng, -t.cfg.WidthShiftRange, t.cfg.WidthShiftRange) * float64(width)
	}
	if t.cfg.ShearRange > 0 {
		p.Shear = uniform(rng, -t.cfg.ShearRange, t.cfg.ShearRange)
	}
	if t.cfg.ZoomRange > 0 {
		p.Zx = uniform(rng, 1-t.cfg.ZoomRange, 1+t.cfg.ZoomRange)
		p.Zy = uniform(rng, 1-t.cfg.ZoomRange, 1+t.cfg.ZoomRange)
	}
	lo, hi := t.cfg.BrightnessRange[0], t.cfg.BrightnessRange[1]
	if lo != 0 || hi != 0 {
		p.Brightness = uniform(rng, lo, hi)
	}
	return p
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Apply renders src under p into a new image. Pixels mapped from outside the source take the
// value of the nearest edge pixel. Brightness scales intensities and clips to [0, 255].
func Apply(src *preprocessing.ProcessedImage, p Params) *preprocessing.ProcessedImage {
	if p.IsIdentity() {
		return src.Clone()
	}

	h, w := src.Height, src.Width
	plane := h * w
	out := &preprocessing.ProcessedImage{
		Data:     make([]float32, len(src.Data)),
		Width:    w,
		Height:   h,
		Channels: src.Channels,
	}

	m := matrix(p)
	cr := float64(h-1) / 2
	cc := float64(w-1) / 2
	bright := float32(p.Brightness)

	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			dr := float64(r) - cr
			dc := float64(c) - cc
			sr := m[0][0]*dr + m[0][1]*dc + m[0][2] + cr
			sc := m[1][0]*dr + m[1][1]*dc + m[1][2] + cc

			ir := clampIndex(int(math.Round(sr)), h)
			ic := clampIndex(int(math.Round(sc)), w)

			srcIdx := ir*w + ic
			dstIdx := r*w + c
			for ch := 0; ch < src.Channels; ch++ {
				v := src.Data[ch*plane+srcIdx] * bright
				if v > 255 {
					v = 255
				}
				out.Data[ch*plane+dstIdx] = v
			}
		}
	}

	return out
}

// matrix composes rotation, shift, shear and zoom into one 2x3 map from output (row, col)
// offsets around the centre to source offsets.
func matrix(p Params) [2][3]float64 {
	theta := p.Theta * math.Pi / 180
	shear := p.Shear * math.Pi / 180

	rot := [3][3]float64{
		{math.Cos(theta), -math.Sin(theta), 0},
		{math.Sin(theta), math.Cos(theta), 0},
		{0, 0, 1},
	}
	shift := [3][3]float64{
		{1, 0, p.Tx},
		{0, 1, p.Ty},
		{0, 0, 1},
	}
	sh := [3][3]float64{
		{1, -math.Sin(shear), 0},
		{0, math.Cos(shear), 0},
		{0, 0, 1},
	}
	zoom := [3][3]float64{
		{p.Zx, 0, 0},
		{0, p.Zy, 0},
		{0, 0, 1},
	}

	full := mul(mul(mul(rot, shift), sh), zoom)
	return [2][3]float64{full[0], full[1]}
}

func mul(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func clampIndex(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
