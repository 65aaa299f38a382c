package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/folio-ai/folio/comfy"
	"github.com/folio-ai/folio/errors"
	"github.com/folio-ai/folio/gen"
	"github.com/folio-ai/folio/media"
	"github.com/folio-ai/folio/workflow"
)

// uploadSource ships the source generation's image to the worker and
// returns the worker-side filename.
func (s *Scheduler) uploadSource(ctx context.Context, g *gen.Generation) (string, *gen.Generation, error) {
	source, err := s.store.Get(g.SourceGenerationID)
	if err != nil {
		return "", nil, errors.Wrap(err, "load source generation")
	}
	if source.ImagePath == "" {
		return "", nil, errors.New("source generation has no image")
	}

	data, err := s.files.Read(source.ImagePath)
	if err != nil {
		return "", nil, err
	}

	name, err := s.worker.UploadImage(ctx, g.ID+"_source.webp", data)
	if err != nil {
		return "", nil, err
	}

	return name, source, nil
}

// submitAndWait drives the retry loop around submit plus wait. Transient
// model-loading failures are retried with a fixed backoff; anything else is
// final. The worker correlation id is persisted on every submit.
func (s *Scheduler) submitAndWait(ctx context.Context, g *gen.Generation, graph map[string]any, timeout time.Duration) (*comfy.Result, error) {
	var result *comfy.Result

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := s.checkpoint(g); err != nil {
			return nil, err
		}

		promptID, err := s.worker.Submit(ctx, graph)
		if err != nil {
			return nil, err
		}

		g.ComfyUIPromptID = promptID
		if err := s.store.Update(g); err != nil {
			return nil, err
		}

		result, err = s.worker.Wait(ctx, promptID, timeout)
		if err != nil {
			return nil, err
		}

		if result.Err != "" && comfy.RetryableFailure(result.Err) && attempt < s.cfg.MaxAttempts {
			if s.logger != nil {
				s.logger.Warnw("Retrying after transient worker failure",
					"generation_id", g.ID,
					"attempt", attempt,
					"error", result.Err,
				)
			}
			s.sleep(ctx, s.cfg.RetryDelay)
			continue
		}
		break
	}

	if result.Err != "" {
		return nil, errors.Newf("worker failed: %s", result.Err)
	}
	if len(result.Images) == 0 {
		return nil, errors.New("worker returned no images")
	}

	return result, nil
}

// runImage is the pipeline for all still kinds: upload inputs as needed,
// compose, submit with retries, then archive the output and a thumbnail.
func (s *Scheduler) runImage(ctx context.Context, g *gen.Generation) error {
	var sourceName, maskName string

	if g.Kind.IsDerived() {
		name, _, err := s.uploadSource(ctx, g)
		if err != nil {
			return err
		}
		sourceName = name

		if g.Kind == gen.KindInpaint {
			if g.MaskPath == "" {
				return errors.New("inpaint generation has no mask")
			}
			maskData, err := s.files.Read(g.MaskPath)
			if err != nil {
				return err
			}
			maskName, err = s.worker.UploadImage(ctx, g.ID+"_mask.png", maskData)
			if err != nil {
				return err
			}
		}
	}

	graph, err := workflow.ComposeImage(g, sourceName, maskName)
	if err != nil {
		return err
	}

	result, err := s.submitAndWait(ctx, g, graph, s.cfg.StillTimeout)
	if err != nil {
		return err
	}

	if err := s.checkpoint(g); err != nil {
		return err
	}

	ref := result.Images[0]
	imageData, err := s.worker.FetchImage(ctx, ref)
	if err != nil {
		return err
	}

	imageRel := s.files.ImagePath(g.ID)
	if err := s.files.Save(imageRel, imageData); err != nil {
		return err
	}

	thumbData, err := media.Thumbnail(imageData)
	if err != nil {
		return err
	}
	thumbRel := s.files.ThumbnailPath(g.ID)
	if err := s.files.Save(thumbRel, thumbData); err != nil {
		return err
	}

	s.files.RemoveWorkerOutput(ref.Subfolder, ref.Filename)

	g.ImagePath = imageRel
	g.ThumbnailPath = thumbRel
	if err := g.Complete(); err != nil {
		return err
	}
	return s.store.Update(g)
}

// runAnimation is the pipeline for video jobs: upload the source still,
// run the video-diffusion workflow, pull every frame, then encode the MP4
// and its thumbnail with ffmpeg.
func (s *Scheduler) runAnimation(ctx context.Context, g *gen.Generation) error {
	if !media.FFmpegAvailable() {
		return errors.New("ffmpeg not available, cannot encode animations")
	}

	sourceName, source, err := s.uploadSource(ctx, g)
	if err != nil {
		return err
	}

	// The actual pixel dimensions drive the video model's resolution; the
	// record's dimensions mirror the source record, which may disagree with
	// the file after upscales.
	srcData, err := s.files.Read(source.ImagePath)
	if err != nil {
		return err
	}
	srcImg, err := media.DecodeImage(srcData)
	if err != nil {
		return err
	}
	bounds := srcImg.Bounds()

	graph, err := workflow.ComposeAnimation(g, sourceName, bounds.Dx(), bounds.Dy())
	if err != nil {
		return err
	}

	result, err := s.submitAndWait(ctx, g, graph, s.cfg.AnimationTimeout)
	if err != nil {
		return err
	}

	if err := s.checkpoint(g); err != nil {
		return err
	}

	framesDir := s.files.TempFramesDir(g.ID)
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return errors.Wrap(err, "create frames directory")
	}
	defer s.files.RemoveTempFrames(g.ID)

	for i, ref := range result.Images {
		frameData, err := s.worker.FetchImage(ctx, ref)
		if err != nil {
			return err
		}
		framePath := filepath.Join(framesDir, fmt.Sprintf(media.FramePattern, i))
		if err := os.WriteFile(framePath, frameData, 0o644); err != nil {
			return errors.Wrapf(err, "write frame %d", i)
		}
		s.files.RemoveWorkerOutput(ref.Subfolder, ref.Filename)
	}

	if err := s.checkpoint(g); err != nil {
		return err
	}

	fps := workflow.FPSOf(g)
	videoRel := s.files.AnimationPath(g.ID, time.Now().UTC())
	if err := media.EncodeVideo(ctx, framesDir, s.files.Abs(videoRel), fps); err != nil {
		return err
	}

	thumbRel := s.files.ThumbnailPath(g.ID)
	if err := media.VideoThumbnail(ctx, s.files.Abs(videoRel), s.files.Abs(thumbRel), s.logger); err != nil {
		return err
	}

	g.VideoPath = videoRel
	g.ThumbnailPath = thumbRel
	if err := g.Complete(); err != nil {
		return err
	}
	return s.store.Update(g)
}
