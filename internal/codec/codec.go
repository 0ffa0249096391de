// Package codec decodes, normalizes and recompresses image bytes. It performs
// no I/O and its output depends only on the input bytes and the quality.
package codec

import (
	"fmt"
	"strings"
)

// CanonicalFormat is the encoding every normalized image ends up in.
const CanonicalFormat = "jpeg"

// fullFidelityQuality is used when converting into the canonical format,
// before any lossy recompression happens.
const fullFidelityQuality = 100

type Codec interface {
	Normalize(data []byte) ([]byte, error)
	Recompress(data []byte, quality int) ([]byte, error)
}

// New returns the codec selected at build time: libvips under the govips
// build tag, the pure Go implementation otherwise.
func New() (Codec, error) {
	return newCodec()
}

type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("encode image: %v", e.Err)
	}
	return fmt.Sprintf("encode %s image: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func ContentType(format string) string {
	switch normalizeFormatName(format) {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "tiff":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}

func Extension(format string) string {
	switch f := normalizeFormatName(format); f {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	default:
		return f
	}
}

func normalizeFormatName(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return format
	}
}

func checkQuality(format string, quality int) error {
	if quality < 0 || quality > 100 {
		return &EncodeError{Format: format, Err: fmt.Errorf("quality %d outside 0-100", quality)}
	}
	return nil
}
