package media

import (
	"context"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/folio-ai/folio/errors"
)

// FramePattern is the filename pattern for worker-produced animation frames
const FramePattern = "frame_%05d.png"

// FFmpegAvailable reports whether ffmpeg is on PATH. Animation jobs cannot
// complete without it; callers surface this in health checks.
func FFmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// EncodeVideo combines the numbered PNG frames in framesDir into an H.264
// MP4 at the given frame rate.
func EncodeVideo(ctx context.Context, framesDir, outPath string, fps int) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return errors.Wrap(err, "create video directory")
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-framerate", strconv.Itoa(fps),
		"-i", filepath.Join(framesDir, FramePattern),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", "18",
		outPath,
	)

	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "ffmpeg encode failed: %s", string(output))
	}

	return nil
}

// VideoThumbnail extracts the first frame of the video as a 256-wide WebP.
// If ffmpeg fails or is missing, a flat gray placeholder is written instead
// so the record always has a thumbnail.
func VideoThumbnail(ctx context.Context, videoPath, thumbPath string, logger *zap.SugaredLogger) error {
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return errors.Wrap(err, "create thumbnail directory")
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", videoPath,
		"-vframes", "1",
		"-vf", "scale=256:-1",
		"-c:v", "libwebp",
		"-quality", "80",
		thumbPath,
	)

	if output, err := cmd.CombinedOutput(); err != nil {
		if logger != nil {
			logger.Warnw("Falling back to placeholder video thumbnail",
				"video", videoPath,
				"error", err,
				"output", string(output),
			)
		}
		return placeholderThumbnail(thumbPath)
	}

	return nil
}

func placeholderThumbnail(thumbPath string) error {
	img := image.NewNRGBA(image.Rect(0, 0, ThumbnailSize, ThumbnailSize))
	gray := color.NRGBA{R: 100, G: 100, B: 100, A: 255}
	for y := 0; y < ThumbnailSize; y++ {
		for x := 0; x < ThumbnailSize; x++ {
			img.SetNRGBA(x, y, gray)
		}
	}

	data, err := EncodeWebP(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(thumbPath, data, 0o644); err != nil {
		return errors.Wrap(err, "write placeholder thumbnail")
	}

	return nil
}
