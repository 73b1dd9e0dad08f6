package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createSolidPNG encodes a single-colour PNG image
func createSolidPNG(t *testing.T, width, height int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewImageProcessor(t *testing.T) {
	processor := NewImageProcessor(32)
	require.NotNil(t, processor)
	assert.Equal(t, 32, processor.TargetSize())
}

func TestDecode(t *testing.T) {
	t.Run("PNGResizedToTarget", func(t *testing.T) {
		data := createSolidPNG(t, 40, 20, color.RGBA{R: 200, G: 100, B: 50, A: 255})

		img, err := NewImageProcessor(8).Decode(bytes.NewReader(data))
		require.NoError(t, err)

		assert.Equal(t, 8, img.Width)
		assert.Equal(t, 8, img.Height)
		assert.Equal(t, Channels, img.Channels)
		require.Len(t, img.Data, Channels*8*8)

		// CHW layout: every pixel of a plane carries the channel value
		assert.Equal(t, float32(200), img.At(0, 3, 5))
		assert.Equal(t, float32(100), img.At(1, 7, 0))
		assert.Equal(t, float32(50), img.At(2, 0, 7))
	})

	t.Run("JPEG", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for i := range src.Pix {
			src.Pix[i] = 128
		}
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}))

		img, err := NewImageProcessor(4).Decode(&buf)
		require.NoError(t, err)
		for _, v := range img.Data {
			assert.InDelta(t, 128, v, 4)
		}
	})

	t.Run("CorruptData", func(t *testing.T) {
		_, err := NewImageProcessor(8).Decode(bytes.NewReader([]byte("definitely not an image")))
		assert.Error(t, err)
	})
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	require.NoError(t, os.WriteFile(good, createSolidPNG(t, 4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255}), 0o644))

	img, err := NewImageProcessor(4).DecodeFile(good)
	require.NoError(t, err)
	assert.Equal(t, float32(3), img.At(2, 1, 1))

	_, err = NewImageProcessor(4).DecodeFile(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestRescale(t *testing.T) {
	src := []float32{0, 127.5, 255, 300, -4}
	dst := make([]float32, len(src))
	Rescale(dst, src, 1.0/255)

	assert.InDelta(t, 0.0, dst[0], 1e-6)
	assert.InDelta(t, 0.5, dst[1], 1e-6)
	assert.InDelta(t, 1.0, dst[2], 1e-6)
	assert.Equal(t, float32(1), dst[3], "values above range are clipped")
	assert.Equal(t, float32(0), dst[4], "values below range are clipped")
}

func TestToRGBARoundTrip(t *testing.T) {
	data := createSolidPNG(t, 6, 6, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	img, err := NewImageProcessor(6).Decode(bytes.NewReader(data))
	require.NoError(t, err)

	rgba := img.ToRGBA()
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, rgba.RGBAAt(2, 2))

	again := NewImageProcessor(6).FromImage(rgba)
	assert.Equal(t, img.Data, again.Data)
}
