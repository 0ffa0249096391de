package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestNormalize_ConvertsPNGWithAlphaToJPEG(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	out, err := c.Normalize(buildTestPNG(t, 64, 32, true))
	if err != nil {
		t.Fatalf("normalize png: %v", err)
	}

	format, err := DetectFormat(out)
	if err != nil {
		t.Fatalf("detect format: %v", err)
	}
	if format != CanonicalFormat {
		t.Fatalf("expected %s, got %s", CanonicalFormat, format)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode normalized output: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 32 {
		t.Fatalf("unexpected dimensions: %v", img.Bounds())
	}

	// Fully transparent pixels are flattened onto white.
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Fatalf("expected near-white corner pixel, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestNormalize_IsIdempotent(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	once, err := c.Normalize(buildTestPNG(t, 40, 40, false))
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	twice, err := c.Normalize(once)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Fatal("normalizing canonical bytes must return them unchanged")
	}
}

func TestRecompress_KeepsFormat(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	src := buildTestJPEG(t, 120, 80, 100)
	out, err := c.Recompress(src, 50)
	if err != nil {
		t.Fatalf("recompress: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected output bytes")
	}
	if len(out) >= len(src) {
		t.Fatalf("expected quality 50 output to be smaller than quality 100 input: %d >= %d", len(out), len(src))
	}

	format, err := DetectFormat(out)
	if err != nil {
		t.Fatalf("detect format: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("expected jpeg, got %s", format)
	}
}

func TestRecompress_PNGStaysPNG(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	out, err := c.Recompress(buildTestPNG(t, 16, 16, true), 50)
	if err != nil {
		t.Fatalf("recompress png: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("expected png output: %v", err)
	}
}

func TestRecompress_RejectsQualityOutOfRange(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	_, err = c.Recompress(buildTestJPEG(t, 8, 8, 90), 101)
	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodeError, got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	inputs := map[string][]byte{
		"empty":    nil,
		"garbage":  []byte("definitely not an image"),
		"html":     []byte("<html><body>404</body></html>"),
		"truncate": buildTestPNG(t, 32, 32, false)[:40],
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			var decErr *DecodeError
			if _, err := c.Normalize(input); !errors.As(err, &decErr) {
				t.Fatalf("normalize: expected DecodeError, got %v", err)
			}
			if _, err := c.Recompress(input, 50); !errors.As(err, &decErr) {
				t.Fatalf("recompress: expected DecodeError, got %v", err)
			}
		})
	}
}

func TestContentTypeAndExtension(t *testing.T) {
	if got := ContentType("JPG"); got != "image/jpeg" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := Extension("jpeg"); got != "jpg" {
		t.Fatalf("unexpected extension %q", got)
	}
	if got := Extension("tif"); got != "tiff" {
		t.Fatalf("unexpected extension %q", got)
	}
}

func buildTestPNG(t *testing.T, width, height int, transparentCorner bool) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 255), G: uint8(y % 255), B: 140, A: 255})
		}
	}
	if transparentCorner {
		for y := 0; y < min(16, height); y++ {
			for x := 0; x < min(16, width); x++ {
				img.Set(x, y, color.NRGBA{})
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t *testing.T, width, height, quality int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8((x * 7) % 255), G: uint8((y * 13) % 255), B: uint8((x + y) % 255), A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
