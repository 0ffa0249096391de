package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

type stdCodec struct{}

// DetectFormat sniffs the encoding of data from its header.
func DetectFormat(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &DecodeError{Err: errors.New("empty input")}
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", &DecodeError{Err: err}
	}
	return normalizeFormatName(format), nil
}

func (stdCodec) Normalize(data []byte) ([]byte, error) {
	format, img, err := decode(data)
	if err != nil {
		return nil, err
	}
	if format == CanonicalFormat {
		return bytes.Clone(data), nil
	}
	return encode(flatten(img), CanonicalFormat, fullFidelityQuality)
}

func (stdCodec) Recompress(data []byte, quality int) ([]byte, error) {
	format, img, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := checkQuality(format, quality); err != nil {
		return nil, err
	}
	return encode(img, format, quality)
}

func decode(data []byte) (string, image.Image, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return "", nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", nil, &DecodeError{Format: format, Err: err}
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return "", nil, &DecodeError{Format: format, Err: errors.New("decoded image is empty")}
	}
	return format, img, nil
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}

	var buf bytes.Buffer
	err = imaging.Encode(
		&buf,
		img,
		f,
		imaging.JPEGQuality(max(1, quality)),
		imaging.PNGCompressionLevel(png.BestCompression),
	)
	if err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}
	if buf.Len() == 0 {
		return nil, &EncodeError{Format: format, Err: errors.New("empty buffer after encoding")}
	}
	return buf.Bytes(), nil
}

// flatten composites img over white so the result has no alpha channel.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	bounds := img.Bounds()
	bg := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
