// Package gen holds the persisted generation record and its repository.
package gen

import (
	"time"

	"github.com/folio-ai/folio/errors"
)

// Status represents the lifecycle state of a generation
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Kind identifies which pipeline a generation runs through
type Kind string

const (
	KindTxt2Img  Kind = "txt2img"
	KindInpaint  Kind = "inpaint"
	KindUpscale  Kind = "upscale"
	KindOutpaint Kind = "outpaint"
	KindAnimate  Kind = "animate"
)

// IsValidKind returns true if the kind string is a known generation kind
func IsValidKind(s string) bool {
	switch Kind(s) {
	case KindTxt2Img, KindInpaint, KindUpscale, KindOutpaint, KindAnimate:
		return true
	default:
		return false
	}
}

// IsDerived returns true for kinds whose input includes another generation's output
func (k Kind) IsDerived() bool {
	switch k {
	case KindInpaint, KindUpscale, KindOutpaint, KindAnimate:
		return true
	default:
		return false
	}
}

// Generation is a single image or animation job and its persisted outcome
type Generation struct {
	ID          string `json:"id"`
	PortfolioID string `json:"portfolio_id"`
	Kind        Kind   `json:"generation_type"`

	// Generation parameters
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Sampler        string  `json:"sampler"`
	Scheduler      string  `json:"scheduler"`

	// Status
	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Output
	ImagePath     string `json:"image_path,omitempty"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	VideoPath     string `json:"video_path,omitempty"`

	// Lineage
	ParentID           string `json:"parent_id,omitempty"`
	SourceGenerationID string `json:"source_generation_id,omitempty"`

	// Model/workflow selection
	WorkflowID    string `json:"workflow_id,omitempty"`
	ModelFilename string `json:"model_filename,omitempty"`
	LoraFilename  string `json:"lora_filename,omitempty"`

	// Inpainting
	MaskPath          string   `json:"mask_path,omitempty"`
	DenoisingStrength *float64 `json:"denoising_strength,omitempty"`
	GrowMaskBy        *int     `json:"grow_mask_by,omitempty"`

	// Upscaling
	UpscaleFactor *float64 `json:"upscale_factor,omitempty"`
	UpscaleModel  string   `json:"upscale_model,omitempty"`
	SharpenAmount *float64 `json:"sharpen_amount,omitempty"`

	// Outpainting
	OutpaintLeft    *int `json:"outpaint_left,omitempty"`
	OutpaintRight   *int `json:"outpaint_right,omitempty"`
	OutpaintTop     *int `json:"outpaint_top,omitempty"`
	OutpaintBottom  *int `json:"outpaint_bottom,omitempty"`
	OutpaintFeather *int `json:"outpaint_feather,omitempty"`

	// Animation
	MotionBucketID  *int     `json:"motion_bucket_id,omitempty"`
	FPS             *int     `json:"fps,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`

	// Worker correlation
	ComfyUIPromptID string `json:"comfyui_prompt_id,omitempty"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// canTransition encodes the status graph: pending → processing → {completed, failed},
// plus the processing → pending rewind on preemption.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	default:
		// completed and failed are terminal
		return false
	}
}

// StartProcessing marks the generation as processing
func (g *Generation) StartProcessing() error {
	if !canTransition(g.Status, StatusProcessing) {
		return errors.Newf("invalid status transition %s -> %s for generation %s", g.Status, StatusProcessing, g.ID)
	}
	g.Status = StatusProcessing
	return nil
}

// Complete marks the generation as completed.
// At least one of image path or video path must already be set.
func (g *Generation) Complete() error {
	if !canTransition(g.Status, StatusCompleted) {
		return errors.Newf("invalid status transition %s -> %s for generation %s", g.Status, StatusCompleted, g.ID)
	}
	if g.ImagePath == "" && g.VideoPath == "" {
		return errors.Newf("generation %s completed without output", g.ID)
	}
	now := time.Now().UTC()
	g.Status = StatusCompleted
	g.Progress = 100
	g.CompletedAt = &now
	return nil
}

// Fail marks the generation as failed with an error message
func (g *Generation) Fail(err error) {
	now := time.Now().UTC()
	g.Status = StatusFailed
	g.ErrorMessage = err.Error()
	g.CompletedAt = &now
}

// Rewind puts a preempted generation back to pending so the state graph
// stays consistent when the entry re-enters the queue.
func (g *Generation) Rewind() error {
	if !canTransition(g.Status, StatusPending) {
		return errors.Newf("invalid status transition %s -> %s for generation %s", g.Status, StatusPending, g.ID)
	}
	g.Status = StatusPending
	g.Progress = 0
	return nil
}
