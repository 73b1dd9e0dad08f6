// Package corpustest writes small synthetic image corpora for tests.
package corpustest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Palette gives each class a distinct dominant colour so that small models can separate them
var Palette = []color.RGBA{
	{R: 220, G: 30, B: 30, A: 255},
	{R: 30, G: 200, B: 40, A: 255},
	{R: 40, G: 50, B: 230, A: 255},
	{R: 220, G: 210, B: 40, A: 255},
	{R: 200, G: 40, B: 210, A: 255},
}

// EncodePNG renders a size x size PNG in the given colour with a small per-image gradient
func EncodePNG(size int, base color.RGBA, variant int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			shift := uint8((x + y + variant) % 16)
			img.SetRGBA(x, y, color.RGBA{
				R: sat(base.R, shift),
				G: sat(base.G, shift),
				B: sat(base.B, shift),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func sat(v, d uint8) uint8 {
	if int(v)+int(d) > 255 {
		return 255
	}
	return v + d
}

// WriteCorpus creates root/<class>/img_<n>.png for each class and returns root
func WriteCorpus(t testing.TB, root string, classes []string, perClass, size int) string {
	t.Helper()
	for ci, className := range classes {
		dir := filepath.Join(root, className)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create class directory %s: %v", dir, err)
		}
		base := Palette[ci%len(Palette)]
		for i := 0; i < perClass; i++ {
			path := filepath.Join(dir, fmt.Sprintf("img_%03d.png", i))
			if err := os.WriteFile(path, EncodePNG(size, base, i), 0o644); err != nil {
				t.Fatalf("failed to write %s: %v", path, err)
			}
		}
	}
	return root
}

// WriteCorrupt writes a file with an image extension that cannot be decoded
func WriteCorrupt(t testing.TB, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
