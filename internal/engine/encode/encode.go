// Package encode turns decoded frames into compressed still images, using a
// pool of persistent workers so encoding keeps up with frame delivery
// without serializing onto the decode goroutine.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
)

// EncodeImage compresses an image to the requested format. Quality is in
// [0,1] and is ignored for lossless formats.
func EncodeImage(img image.Image, format entity.ImageFormat, quality float64) ([]byte, error) {
	buf := &bytes.Buffer{}
	switch format {
	case entity.FormatPNG:
		if err := png.Encode(buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case entity.FormatJPEG:
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: qualityPercent(quality)}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case entity.FormatWebP:
		opts := &webp.Options{Quality: float32(qualityPercent(quality))}
		if err := webp.Encode(buf, img, opts); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown image format %q", format)
	}
	return buf.Bytes(), nil
}

// Resize scales an image to the exact target dimensions.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

func qualityPercent(q float64) int {
	p := int(q * 100)
	if p < 1 {
		p = 1
	}
	if p > 100 {
		p = 100
	}
	return p
}
