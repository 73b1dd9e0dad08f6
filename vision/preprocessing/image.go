package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
)

// Channels is the number of colour channels every processed image carries.
const Channels = 3

// ImageProcessor decodes raster images and resamples them to a square target size
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the edge length produced by the processor
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage is a decoded image in CHW layout.
// Values are raw 8-bit intensities stored as float32 in [0, 255]; Rescale maps them to [0, 1].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Clone returns a deep copy of the image
func (pi *ProcessedImage) Clone() *ProcessedImage {
	data := make([]float32, len(pi.Data))
	copy(data, pi.Data)
	return &ProcessedImage{Data: data, Width: pi.Width, Height: pi.Height, Channels: pi.Channels}
}

// At returns the value of channel c at row y, column x
func (pi *ProcessedImage) At(c, y, x int) float32 {
	return pi.Data[c*pi.Height*pi.Width+y*pi.Width+x]
}

// Decode decodes any registered raster format (JPEG, PNG, GIF) and resizes it to the target size
func (p *ImageProcessor) Decode(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("decoded %s image has empty bounds", format)
	}

	return p.FromImage(img), nil
}

// DecodeFile opens and decodes the image stored at path
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	processed, err := p.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return processed, nil
}

// FromImage converts an already decoded image, resizing it with nearest-neighbour sampling
func (p *ImageProcessor) FromImage(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	size := p.targetSize
	plane := size * size

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	data := make([]float32, Channels*plane)
	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}

			c := color.RGBAModel.Convert(img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)).(color.RGBA)
			idx := y*size + x
			data[0*plane+idx] = float32(c.R)
			data[1*plane+idx] = float32(c.G)
			data[2*plane+idx] = float32(c.B)
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: Channels,
	}
}

// ToRGBA converts a processed image back into an RGBA image, clamping to the 8-bit range
func (pi *ProcessedImage) ToRGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, pi.Width, pi.Height))
	plane := pi.Width * pi.Height
	for y := 0; y < pi.Height; y++ {
		for x := 0; x < pi.Width; x++ {
			idx := y*pi.Width + x
			out.SetRGBA(x, y, color.RGBA{
				R: clampByte(pi.Data[idx]),
				G: clampByte(pi.Data[plane+idx]),
				B: clampByte(pi.Data[2*plane+idx]),
				A: 255,
			})
		}
	}
	return out
}

// Rescale multiplies every value by factor and clips the result to [0, 1], writing into dst
func Rescale(dst, src []float32, factor float32) {
	for i, v := range src {
		v *= factor
		switch {
		case v != v || v < 0:
			v = 0
		case v > 1:
			v = 1
		}
		dst[i] = v
	}
}

func clampByte(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
