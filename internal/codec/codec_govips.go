//go:build govips && cgo

package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsCodec struct{}

func (govipsCodec) Normalize(data []byte) ([]byte, error) {
	format, img, err := decodeVips(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if format == CanonicalFormat {
		return bytes.Clone(data), nil
	}

	if img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return nil, &EncodeError{Format: CanonicalFormat, Err: fmt.Errorf("flatten alpha: %w", err)}
		}
	}
	return exportVips(img, CanonicalFormat, fullFidelityQuality)
}

func (govipsCodec) Recompress(data []byte, quality int) ([]byte, error) {
	format, img, err := decodeVips(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if err := checkQuality(format, quality); err != nil {
		return nil, err
	}
	return exportVips(img, format, quality)
}

func decodeVips(data []byte) (string, *vips.ImageRef, error) {
	if len(data) == 0 {
		return "", nil, &DecodeError{Err: errors.New("empty input")}
	}

	format := vipsFormatName(vips.DetermineImageType(data))
	if format == "" {
		return "", nil, &DecodeError{Err: errors.New("unknown image type")}
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return "", nil, &DecodeError{Format: format, Err: err}
	}
	return format, img, nil
}

func exportVips(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = max(1, quality)
		data, _, err = img.ExportJpeg(params)
	case "png":
		params := vips.NewPngExportParams()
		if quality > 0 {
			params.Quality = quality
		}
		data, _, err = img.ExportPng(params)
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = max(1, quality)
		data, _, err = img.ExportWebp(params)
	default:
		return nil, &EncodeError{Format: format, Err: errors.New("unsupported output format")}
	}
	if err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}
	return data, nil
}

func vipsFormatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeBMP:
		return "bmp"
	default:
		return ""
	}
}
