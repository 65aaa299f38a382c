package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/folio-ai/folio/errors"
)

// NormalizeMask converts a client-drawn inpaint mask into the form the
// worker's image loader expects.
//
// Clients paint the region to regenerate; the painted pixels arrive either
// as alpha coverage (RGBA, grayscale+alpha) or as white on a pure grayscale
// canvas. The worker reads the mask from the alpha channel with the opposite
// convention: alpha 0 marks the region to regenerate, alpha 255 the region
// to keep. So the painted coverage is extracted, inverted, and written back
// as the alpha channel of a white RGBA PNG.
//
// Any other color model is rejected rather than silently degraded.
func NormalizeMask(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "undecodable mask image: %v", err)
	}

	bounds := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			coverage, err := paintedCoverage(src, x, y)
			if err != nil {
				return nil, err
			}
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.NRGBA{
				R: 255, G: 255, B: 255,
				A: 255 - coverage,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, errors.Wrap(err, "encode normalized mask")
	}

	return buf.Bytes(), nil
}

// paintedCoverage reads how strongly the client painted a pixel: the alpha
// channel when there is one, the luminance for pure grayscale.
func paintedCoverage(src image.Image, x, y int) (uint8, error) {
	switch img := src.(type) {
	case *image.NRGBA:
		return img.NRGBAAt(x, y).A, nil
	case *image.NRGBA64:
		return uint8(img.NRGBA64At(x, y).A >> 8), nil
	case *image.RGBA:
		return img.RGBAAt(x, y).A, nil
	case *image.Gray:
		return img.GrayAt(x, y).Y, nil
	case *image.Gray16:
		return uint8(img.Gray16At(x, y).Y >> 8), nil
	default:
		return 0, errors.Wrapf(errors.ErrInvalidRequest, "unsupported mask color model %T", src)
	}
}
