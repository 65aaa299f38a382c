package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio-ai/folio/errors"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnailScalesDown(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 1024, 512))
	data, err := Thumbnail(encodePNG(t, src))
	require.NoError(t, err)

	thumb, err := webp.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	// Long side fits the box, aspect ratio preserved
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())
}

func TestThumbnailKeepsSmallImages(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 100, 80))
	data, err := Thumbnail(encodePNG(t, src))
	require.NoError(t, err)

	thumb, err := webp.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 100, thumb.Bounds().Dx())
	assert.Equal(t, 80, thumb.Bounds().Dy())
}

func TestThumbnailFromWebPInput(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 512, 512))
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, src, &webp.Options{Quality: 90}))

	data, err := Thumbnail(buf.Bytes())
	require.NoError(t, err)

	thumb, err := webp.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, thumb.Bounds().Dx())
}

func TestThumbnailRejectsGarbage(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestNormalizeMaskInvertsAlpha(t *testing.T) {
	// Client paints a fully opaque pixel at (0,0); (1,0) untouched
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{A: 0})

	out, err := NormalizeMask(encodePNG(t, src))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	mask, ok := img.(*image.NRGBA)
	require.True(t, ok)

	// Painted pixel becomes transparent (regenerate), untouched stays opaque
	assert.Equal(t, uint8(0), mask.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(255), mask.NRGBAAt(1, 0).A)
	assert.Equal(t, uint8(255), mask.NRGBAAt(1, 0).R)
}

func TestNormalizeMaskGrayscale(t *testing.T) {
	// Pure grayscale: white = painted
	src := image.NewGray(image.Rect(0, 0, 2, 1))
	src.SetGray(0, 0, color.Gray{Y: 255})
	src.SetGray(1, 0, color.Gray{Y: 0})

	out, err := NormalizeMask(encodePNG(t, src))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	mask := img.(*image.NRGBA)

	assert.Equal(t, uint8(0), mask.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(255), mask.NRGBAAt(1, 0).A)
}

func TestNormalizeMaskRejectsGarbage(t *testing.T) {
	_, err := NormalizeMask([]byte("junk"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestPlaceholderThumbnail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thumb.webp")
	require.NoError(t, placeholderThumbnail(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	img, err := webp.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ThumbnailSize, img.Bounds().Dx())
	assert.Equal(t, ThumbnailSize, img.Bounds().Dy())
}
