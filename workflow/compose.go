// Package workflow composes node-graph workflows for the ComfyUI worker.
// Templates are embedded JSON graphs; composition deep-copies a template and
// binds the generation's parameters onto known node ids.
package workflow

import (
	"embed"
	"encoding/json"

	"github.com/folio-ai/folio/errors"
	"github.com/folio-ai/folio/gen"
)

//go:embed templates/*.json
var templates embed.FS

// Template names
const (
	TemplateTxt2Img     = "txt2img_sdxl"
	TemplateTxt2ImgLora = "txt2img_sdxl_lora"
	TemplateInpaint     = "inpaint_sdxl"
	TemplateOutpaint    = "outpaint_sdxl"
	TemplateUpscale     = "upscale_realesrgan"
	TemplateAnimate     = "animate_svd"
)

// Binding defaults applied when the generation leaves a field unset
const (
	defaultGrowMaskBy      = 24
	defaultInpaintDenoise  = 0.85
	defaultOutpaintDenoise = 0.95
	defaultOutpaintFeather = 80
	defaultMotionBucket    = 127
	defaultFPS             = 8
	defaultDurationSeconds = 3.0
	maxVideoFrames         = 25
)

// Builtin reports whether name is one of the embedded workflow templates
func Builtin(name string) bool {
	_, err := templates.ReadFile("templates/" + name + ".json")
	return err == nil
}

// Load parses a fresh copy of the named template. Each call unmarshals anew
// so callers can mutate the graph freely.
func Load(name string) (map[string]any, error) {
	data, err := templates.ReadFile("templates/" + name + ".json")
	if err != nil {
		return nil, errors.Wrapf(err, "unknown workflow template %q", name)
	}

	var graph map[string]any
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, errors.Wrapf(err, "parse workflow template %q", name)
	}

	return graph, nil
}

func nodeInputs(graph map[string]any, id string) map[string]any {
	node, ok := graph[id].(map[string]any)
	if !ok {
		return nil
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return nil
	}
	return inputs
}

func nodeClass(node any) string {
	m, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	class, _ := m["class_type"].(string)
	return class
}

// ComposeImage builds the workflow graph for a still-image generation.
// sourceImage and maskImage are worker-side filenames from a prior upload;
// they are required for the derived kinds that consume them.
func ComposeImage(g *gen.Generation, sourceImage, maskImage string) (map[string]any, error) {
	if g.Kind == gen.KindUpscale {
		return composeUpscale(g, sourceImage)
	}

	var graph map[string]any
	var err error

	switch g.Kind {
	case gen.KindInpaint:
		graph, err = Load(TemplateInpaint)
		if err != nil {
			return nil, err
		}
		nodeInputs(graph, "1")["image"] = sourceImage
		nodeInputs(graph, "2")["image"] = maskImage
		nodeInputs(graph, "10")["grow_mask_by"] = intOr(g.GrowMaskBy, defaultGrowMaskBy)
		nodeInputs(graph, "3")["denoise"] = floatOr(g.DenoisingStrength, defaultInpaintDenoise)

	case gen.KindOutpaint:
		graph, err = Load(TemplateOutpaint)
		if err != nil {
			return nil, err
		}
		nodeInputs(graph, "1")["image"] = sourceImage
		pad := nodeInputs(graph, "2")
		pad["left"] = intOr(g.OutpaintLeft, 0)
		pad["top"] = intOr(g.OutpaintTop, 0)
		pad["right"] = intOr(g.OutpaintRight, 0)
		pad["bottom"] = intOr(g.OutpaintBottom, 0)
		pad["feathering"] = intOr(g.OutpaintFeather, defaultOutpaintFeather)
		nodeInputs(graph, "10")["grow_mask_by"] = intOr(g.GrowMaskBy, defaultGrowMaskBy)
		nodeInputs(graph, "3")["denoise"] = floatOr(g.DenoisingStrength, defaultOutpaintDenoise)

	case gen.KindTxt2Img:
		name := TemplateTxt2Img
		if g.LoraFilename != "" {
			name = TemplateTxt2ImgLora
		}
		// An explicit workflow selection overrides the template choice
		if g.WorkflowID != "" {
			name = g.WorkflowID
		}
		graph, err = Load(name)
		if err != nil {
			return nil, err
		}
		// Latent dimensions apply to fresh generations only
		for _, node := range graph {
			if nodeClass(node) == "EmptyLatentImage" {
				inputs := node.(map[string]any)["inputs"].(map[string]any)
				inputs["width"] = g.Width
				inputs["height"] = g.Height
				break
			}
		}

	default:
		return nil, errors.Newf("no image workflow for kind %q", g.Kind)
	}

	bindCommon(graph, g)

	return graph, nil
}

// bindCommon applies the prompt, sampler and model bindings shared by the
// sampling workflows.
func bindCommon(graph map[string]any, g *gen.Generation) {
	if pos := nodeInputs(graph, "6"); pos != nil && nodeClass(graph["6"]) == "CLIPTextEncode" {
		pos["text"] = g.Prompt
	}
	if neg := nodeInputs(graph, "7"); neg != nil && nodeClass(graph["7"]) == "CLIPTextEncode" {
		neg["text"] = g.NegativePrompt
	}
	if sampler := nodeInputs(graph, "3"); sampler != nil && nodeClass(graph["3"]) == "KSampler" {
		sampler["seed"] = g.Seed
		sampler["steps"] = g.Steps
		sampler["cfg"] = g.CFGScale
		sampler["sampler_name"] = g.Sampler
	}
	if g.ModelFilename != "" {
		for _, node := range graph {
			if nodeClass(node) == "CheckpointLoaderSimple" {
				node.(map[string]any)["inputs"].(map[string]any)["ckpt_name"] = g.ModelFilename
				break
			}
		}
	}
	if g.LoraFilename != "" {
		for _, node := range graph {
			if nodeClass(node) == "LoraLoader" {
				node.(map[string]any)["inputs"].(map[string]any)["lora_name"] = g.LoraFilename
				break
			}
		}
	}
}

func composeUpscale(g *gen.Generation, sourceImage string) (map[string]any, error) {
	graph, err := Load(TemplateUpscale)
	if err != nil {
		return nil, err
	}

	nodeInputs(graph, "1")["image"] = sourceImage
	if g.UpscaleModel != "" {
		nodeInputs(graph, "2")["model_name"] = g.UpscaleModel
	}
	nodeInputs(graph, "4")["alpha"] = floatOr(g.SharpenAmount, 0.0)

	return graph, nil
}

// ComposeAnimation builds the video-diffusion workflow for an animation.
// Dimensions are derived from the source image's aspect ratio within the
// model's supported range; frame count is duration times fps, capped at the
// model's limit.
func ComposeAnimation(g *gen.Generation, sourceImage string, srcWidth, srcHeight int) (map[string]any, error) {
	graph, err := Load(TemplateAnimate)
	if err != nil {
		return nil, err
	}

	width, height := VideoDimensions(srcWidth, srcHeight)
	fps := intOr(g.FPS, defaultFPS)
	frames := int(floatOr(g.DurationSeconds, defaultDurationSeconds) * float64(fps))
	if frames > maxVideoFrames {
		frames = maxVideoFrames
	}

	nodeInputs(graph, "1")["image"] = sourceImage

	cond := nodeInputs(graph, "3")
	cond["width"] = width
	cond["height"] = height
	cond["video_frames"] = frames
	cond["fps"] = fps
	cond["motion_bucket_id"] = intOr(g.MotionBucketID, defaultMotionBucket)
	cond["augmentation_level"] = 0.0

	nodeInputs(graph, "4")["seed"] = g.Seed

	return graph, nil
}

// FPSOf returns the generation's frame rate with the animation default applied
func FPSOf(g *gen.Generation) int {
	return intOr(g.FPS, defaultFPS)
}

// VideoDimensions maps a source aspect ratio onto the video model's
// supported resolution: the long side is 1024 and the short side is clamped
// to [320, 576] rounded down to a multiple of 64.
func VideoDimensions(srcWidth, srcHeight int) (int, int) {
	aspect := float64(srcWidth) / float64(srcHeight)

	if aspect >= 1 {
		height := int(1024 / aspect)
		height = clamp64(height)
		return 1024, height
	}

	width := int(1024 * aspect)
	width = clamp64(width)
	return width, 1024
}

func clamp64(v int) int {
	v = (v / 64) * 64
	if v < 320 {
		return 320
	}
	if v > 576 {
		return 576
	}
	return v
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}
