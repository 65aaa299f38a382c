// Package media covers post-processing of worker outputs: thumbnails,
// inpaint mask normalization, and frame-to-video encoding via ffmpeg.
package media

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/folio-ai/folio/errors"
)

// ThumbnailSize is the bounding box for generated thumbnails
const ThumbnailSize = 256

// webpQuality matches the quality used for all WebP artifacts
const webpQuality = 80

// DecodeImage decodes PNG, JPEG or WebP bytes
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}

	// The standard registry has no WebP decoder
	img, werr := webp.Decode(bytes.NewReader(data))
	if werr == nil {
		return img, nil
	}

	return nil, errors.Wrapf(errors.ErrInvalidRequest, "undecodable image: %v", err)
}

// EncodeWebP encodes an image as lossy WebP at the standard quality
func EncodeWebP(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: webpQuality}); err != nil {
		return nil, errors.Wrap(err, "encode webp")
	}
	return buf.Bytes(), nil
}

// Thumbnail scales the image down to fit within ThumbnailSize on the long
// side, preserving aspect ratio, and encodes it as WebP. Images already
// smaller than the box are passed through at their own size.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() > ThumbnailSize || bounds.Dy() > ThumbnailSize {
		img = imaging.Fit(img, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	}

	return EncodeWebP(img)
}
