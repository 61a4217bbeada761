// Package codec decodes stored image bytes and re-encodes pixel buffers in
// the format implied by the storage location's extension.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	// registers the webp format with image.Decode
	_ "golang.org/x/image/webp"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
)

const (
	jpegQuality = 90
	webpQuality = 90
)

var (
	ErrDecode = errors.New("decode error")
	ErrEncode = errors.New("encode error")
)

// FormatFromPath picks the output format from the lowercase extension of
// location. Unknown or missing extensions fall back to JPEG.
//
// The bytes are never inspected, so a png file named .jpg is re-encoded as
// JPEG.
func FormatFromPath(location string) Format {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(location), "."))
	switch ext {
	case "png":
		return FormatPNG
	case "gif":
		return FormatGIF
	case "webp":
		return FormatWebP
	default:
		return FormatJPEG
	}
}

func ContentType(f Format) string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Decode turns raw bytes into a pixel buffer, applying EXIF orientation.
// Errors wrap ErrDecode and read as user-facing text.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Encode serialises img as f. Errors wrap ErrEncode.
func Encode(img image.Image, f Format) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrEncode)
	}

	var (
		buf bytes.Buffer
		err error
	)
	switch f {
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: webpQuality})
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, f, err)
	}
	return buf.Bytes(), nil
}
