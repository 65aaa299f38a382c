package gen

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/folio-ai/folio/bus"
	"github.com/folio-ai/folio/errors"
	"github.com/folio-ai/folio/media"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/storage"
)

// Parameter defaults applied at creation time
const (
	DefaultWidth     = 1024
	DefaultHeight    = 1024
	DefaultSteps     = 30
	DefaultCFGScale  = 5.5
	DefaultSampler   = "dpmpp_2m"
	DefaultScheduler = "karras"

	// Auto-derived animations use subtle, short motion
	autoMotionBucket    = 15
	autoFPS             = 8
	autoDurationSeconds = 2.0

	// A collection is topped up with animations until it holds at least
	// this fraction of animations per completed still.
	autoAnimateRatio = 0.25
)

// CreateRequest carries the client's parameters for a new generation.
// Zero values fall back to the defaults above.
type CreateRequest struct {
	PortfolioID    string `json:"portfolio_id"`
	Kind           string `json:"generation_type"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`

	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Seed     *int64   `json:"seed"`
	Steps    int      `json:"steps"`
	CFGScale *float64 `json:"cfg_scale"`
	Sampler  string   `json:"sampler"`

	SourceGenerationID string `json:"source_generation_id"`
	WorkflowID         string `json:"workflow_id"`
	ModelFilename      string `json:"model_filename"`
	LoraFilename       string `json:"lora_filename"`

	MaskImageBase64   string   `json:"mask_image_base64"`
	DenoisingStrength *float64 `json:"denoising_strength"`
	GrowMaskBy        *int     `json:"grow_mask_by"`

	UpscaleFactor *float64 `json:"upscale_factor"`
	UpscaleModel  string   `json:"upscale_model"`
	SharpenAmount *float64 `json:"sharpen_amount"`

	OutpaintLeft    *int `json:"outpaint_left"`
	OutpaintRight   *int `json:"outpaint_right"`
	OutpaintTop     *int `json:"outpaint_top"`
	OutpaintBottom  *int `json:"outpaint_bottom"`
	OutpaintFeather *int `json:"outpaint_feather"`

	MotionBucketID  *int     `json:"motion_bucket_id"`
	FPS             *int     `json:"fps"`
	DurationSeconds *float64 `json:"duration_seconds"`
}

// WorkflowCatalog reports whether a workflow id names a known template.
// The workflow package provides the builtin catalog.
type WorkflowCatalog func(id string) bool

// Service creates, queries and deletes generation jobs. Creation persists
// the record, enqueues a scheduler entry at the kind's priority, and
// publishes the created event.
type Service struct {
	store     *Store
	queue     *queue.Queue
	events    *bus.Bus
	files     *storage.Store
	workflows WorkflowCatalog
	logger    *zap.SugaredLogger
}

// NewService wires the generation service
func NewService(store *Store, q *queue.Queue, events *bus.Bus, files *storage.Store, workflows WorkflowCatalog, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:     store,
		queue:     q,
		events:    events,
		files:     files,
		workflows: workflows,
		logger:    logger,
	}
}

// PriorityFor maps a generation kind to its queue tier: edits of existing
// images jump the queue, fresh stills run normally, animations yield.
func PriorityFor(kind Kind) queue.Priority {
	switch kind {
	case KindAnimate:
		return queue.PriorityLow
	case KindInpaint, KindUpscale, KindOutpaint:
		return queue.PriorityCritical
	default:
		return queue.PriorityHigh
	}
}

// Create validates the request, derives dimensions for derived kinds,
// persists the record, and enqueues it.
func (s *Service) Create(req *CreateRequest) (*Generation, error) {
	if req.PortfolioID == "" {
		return nil, errors.NewInvalidRequestError("portfolio_id is required")
	}
	if !IsValidKind(req.Kind) {
		return nil, errors.NewInvalidRequestError("unknown generation_type %q", req.Kind)
	}
	kind := Kind(req.Kind)

	if req.Prompt == "" && (kind == KindTxt2Img || kind == KindInpaint || kind == KindOutpaint) {
		return nil, errors.NewInvalidRequestError("prompt is required for %s", kind)
	}

	if req.WorkflowID != "" && s.workflows != nil && !s.workflows(req.WorkflowID) {
		return nil, errors.NewInvalidRequestError("unknown workflow_id %q", req.WorkflowID)
	}

	g := &Generation{
		ID:             uuid.NewString(),
		PortfolioID:    req.PortfolioID,
		Kind:           kind,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          intDefault(req.Width, DefaultWidth),
		Height:         intDefault(req.Height, DefaultHeight),
		Steps:          intDefault(req.Steps, DefaultSteps),
		CFGScale:       floatDefault(req.CFGScale, DefaultCFGScale),
		Sampler:        strDefault(req.Sampler, DefaultSampler),
		Scheduler:      DefaultScheduler,
		Status:         StatusPending,

		SourceGenerationID: req.SourceGenerationID,
		WorkflowID:         req.WorkflowID,
		ModelFilename:      req.ModelFilename,
		LoraFilename:       req.LoraFilename,

		DenoisingStrength: req.DenoisingStrength,
		GrowMaskBy:        req.GrowMaskBy,

		UpscaleFactor: req.UpscaleFactor,
		UpscaleModel:  req.UpscaleModel,
		SharpenAmount: req.SharpenAmount,

		OutpaintLeft:    req.OutpaintLeft,
		OutpaintRight:   req.OutpaintRight,
		OutpaintTop:     req.OutpaintTop,
		OutpaintBottom:  req.OutpaintBottom,
		OutpaintFeather: req.OutpaintFeather,

		MotionBucketID:  req.MotionBucketID,
		FPS:             req.FPS,
		DurationSeconds: req.DurationSeconds,

		CreatedAt: time.Now().UTC(),
	}

	if req.Seed != nil {
		g.Seed = *req.Seed
	} else {
		g.Seed = rand.Int63n(1 << 32)
	}

	if kind.IsDerived() {
		source, err := s.resolveSource(req.SourceGenerationID, kind)
		if err != nil {
			return nil, err
		}
		deriveDimensions(g, source, req)
	}

	if kind == KindInpaint && req.MaskImageBase64 == "" {
		return nil, errors.NewInvalidRequestError("mask_image_base64 is required for inpaint")
	}

	if req.MaskImageBase64 != "" {
		maskPath, err := s.saveMask(g.ID, req.MaskImageBase64)
		if err != nil {
			return nil, err
		}
		g.MaskPath = maskPath
	}

	if err := s.store.Create(g); err != nil {
		return nil, err
	}

	job := &queue.Job{
		ID:        g.ID,
		Priority:  PriorityFor(kind),
		Params:    map[string]any{"generation_id": g.ID},
		CreatedAt: g.CreatedAt,
	}
	if err := s.queue.Enqueue(job); err != nil {
		// The record exists but will never run; surface the durability failure
		g.Fail(err)
		if uerr := s.store.Update(g); uerr != nil && s.logger != nil {
			s.logger.Errorw("Failed to mark generation failed after enqueue error",
				"generation_id", g.ID, "error", uerr)
		}
		return nil, err
	}

	s.events.Publish(bus.EventGenerationCreated, map[string]any{
		"id":     g.ID,
		"status": string(g.Status),
	})

	if s.logger != nil {
		s.logger.Infow("Generation created",
			"generation_id", g.ID,
			"kind", g.Kind,
			"priority", job.Priority,
			"portfolio_id", g.PortfolioID,
		)
	}

	return g, nil
}

// resolveSource loads and validates the source generation for derived kinds
func (s *Service) resolveSource(sourceID string, kind Kind) (*Generation, error) {
	if sourceID == "" {
		return nil, errors.NewInvalidRequestError("source_generation_id is required for %s", kind)
	}
	source, err := s.store.Get(sourceID)
	if err != nil {
		return nil, err
	}
	if source.Status != StatusCompleted {
		return nil, errors.NewInvalidRequestError("source generation must be completed")
	}
	if source.ImagePath == "" {
		return nil, errors.NewInvalidRequestError("source generation has no image")
	}
	return source, nil
}

// deriveDimensions overrides the requested dimensions from the source:
// inpaint and animate inherit them, upscale multiplies by the factor,
// outpaint adds the margins.
func deriveDimensions(g *Generation, source *Generation, req *CreateRequest) {
	switch g.Kind {
	case KindInpaint, KindAnimate:
		g.Width = source.Width
		g.Height = source.Height
	case KindUpscale:
		factor := floatDefault(req.UpscaleFactor, 2.0)
		g.Width = int(float64(source.Width) * factor)
		g.Height = int(float64(source.Height) * factor)
	case KindOutpaint:
		g.Width = source.Width + intOrZero(req.OutpaintLeft) + intOrZero(req.OutpaintRight)
		g.Height = source.Height + intOrZero(req.OutpaintTop) + intOrZero(req.OutpaintBottom)
	}
}

// saveMask decodes the client's base64 mask, normalizes it for the worker,
// and stores it under masks/.
func (s *Service) saveMask(generationID, maskBase64 string) (string, error) {
	raw, err := decodeBase64(maskBase64)
	if err != nil {
		return "", errors.NewInvalidRequestError("mask_image_base64 is not valid base64")
	}

	normalized, err := media.NormalizeMask(raw)
	if err != nil {
		return "", err
	}

	rel := s.files.MaskPath(generationID)
	if err := s.files.Save(rel, normalized); err != nil {
		return "", err
	}

	return rel, nil
}

// Get returns a generation by ID
func (s *Service) Get(id string) (*Generation, error) {
	return s.store.Get(id)
}

// List returns a portfolio's generations, newest first
func (s *Service) List(portfolioID string) ([]*Generation, error) {
	return s.store.ListByPortfolio(portfolioID)
}

// ListAnimations returns a portfolio's completed animations, newest first
func (s *Service) ListAnimations(portfolioID string) ([]*Generation, error) {
	animations, err := s.store.ListAnimations(portfolioID)
	if err != nil {
		return nil, err
	}
	completed := animations[:0]
	for _, a := range animations {
		if a.Status == StatusCompleted {
			completed = append(completed, a)
		}
	}
	return completed, nil
}

// Iterate creates a variation of an existing generation: same parameters,
// fresh seed, parent set to the original.
func (s *Service) Iterate(id string) (*Generation, error) {
	parent, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	variation, err := s.Create(&CreateRequest{
		PortfolioID:    parent.PortfolioID,
		Kind:           string(KindTxt2Img),
		Prompt:         parent.Prompt,
		NegativePrompt: parent.NegativePrompt,
		Width:          parent.Width,
		Height:         parent.Height,
		Steps:          parent.Steps,
		CFGScale:       &parent.CFGScale,
		Sampler:        parent.Sampler,
		ModelFilename:  parent.ModelFilename,
		LoraFilename:   parent.LoraFilename,
	})
	if err != nil {
		return nil, err
	}

	variation.ParentID = parent.ID
	if _, err := s.store.db.Exec(`UPDATE generations SET parent_id = ? WHERE id = ?`, parent.ID, variation.ID); err != nil {
		return nil, errors.Wrap(err, "failed to set parent")
	}

	return variation, nil
}

// Delete removes a generation's record, its queued entry if still waiting,
// and all of its artifacts.
func (s *Service) Delete(id string) error {
	g, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if _, err := s.queue.Remove(id); err != nil {
		return err
	}

	for _, rel := range []string{g.ImagePath, g.ThumbnailPath, g.VideoPath, g.MaskPath} {
		if err := s.files.Remove(rel); err != nil && s.logger != nil {
			s.logger.Warnw("Failed to remove artifact", "generation_id", id, "path", rel, "error", err)
		}
	}

	return s.store.Delete(id)
}

// ShouldAutoAnimate reports whether the portfolio is below the target
// animation ratio. Portfolios with no completed stills are left alone.
func (s *Service) ShouldAutoAnimate(portfolioID string) (bool, error) {
	stills, err := s.store.CountCompleted(portfolioID, KindTxt2Img)
	if err != nil {
		return false, err
	}
	if stills == 0 {
		return false, nil
	}

	var animations int
	err = s.store.db.QueryRow(
		`SELECT COUNT(*) FROM generations WHERE portfolio_id = ? AND generation_type = ?`,
		portfolioID, string(KindAnimate),
	).Scan(&animations)
	if err != nil {
		return false, errors.Wrap(err, "failed to count animations")
	}

	return float64(animations)/float64(stills) < autoAnimateRatio, nil
}

// CreateAnimationFor enqueues a subtle-motion animation derived from a
// completed still.
func (s *Service) CreateAnimationFor(sourceID string) (*Generation, error) {
	source, err := s.store.Get(sourceID)
	if err != nil {
		return nil, err
	}
	if source.Status != StatusCompleted || source.ImagePath == "" {
		return nil, errors.NewInvalidRequestError("source generation has no completed image")
	}

	motion := autoMotionBucket
	fps := autoFPS
	duration := autoDurationSeconds

	return s.Create(&CreateRequest{
		PortfolioID:        source.PortfolioID,
		Kind:               string(KindAnimate),
		Prompt:             source.Prompt,
		SourceGenerationID: sourceID,
		MotionBucketID:     &motion,
		FPS:                &fps,
		DurationSeconds:    &duration,
	})
}

// MaybeAutoAnimate tops the portfolio up with an animation of a random
// unanimated still when the ratio has fallen below target. Returns the new
// generation, or nil when nothing was derived.
func (s *Service) MaybeAutoAnimate(portfolioID string) (*Generation, error) {
	should, err := s.ShouldAutoAnimate(portfolioID)
	if err != nil || !should {
		return nil, err
	}

	candidates, err := s.store.ListUnanimatedTxt2Img(portfolioID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	source := candidates[rand.Intn(len(candidates))]
	return s.CreateAnimationFor(source.ID)
}

// decodeBase64 accepts both bare base64 and data URLs
func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(s)
}

func intOrZero(p *int) int {
	if p != nil {
		return *p
	}
	return 0
}

func intDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func floatDefault(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func strDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
