package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"productlab/internal/pricing"
)

const (
	MinPlanCount        = 1
	MaxPlanCount        = 15
	DefaultPlanCount    = 4
	MaxReferenceImages  = 12
	MaxGroupCount       = 9
	MaxRefineProducts   = 50
	MaxRepeat           = 10
	DefaultAspectRatio  = "1:1"
	DefaultResolution   = "1K"
	BackgroundWhite     = "white"
	BackgroundOriginal  = "original"
	WorkflowProduct     = "product"
	WorkflowModel       = "model"
	ReplicateSingle     = "single"
	ReplicateBatch      = "batch"
	ReplicateRefinement = "refinement"
)

// Payload is the per-type request schema stored in jobs.payload.
type Payload interface {
	JobType() JobType
	Validate() error
}

// AnalysisPayload drives the ANALYSIS processor.
type AnalysisPayload struct {
	Images       []string `json:"images"`
	Requirements string   `json:"requirements,omitempty"`
	Language     string   `json:"language,omitempty"`
	PlanCount    int      `json:"plan_count,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	ModelImage   string   `json:"model_image,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func (AnalysisPayload) JobType() JobType { return JobTypeAnalysis }

func (p *AnalysisPayload) Validate() error {
	p.Images = compactStrings(p.Images)
	if len(p.Images) == 0 {
		return NewError(CodeAnalysisInputImageMissing, "")
	}
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	if p.Mode == "" {
		p.Mode = WorkflowProduct
	}
	if p.Mode == WorkflowModel && strings.TrimSpace(p.ModelImage) == "" {
		return NewError(CodeAnalysisModelImageMissing, "")
	}
	if p.PlanCount == 0 {
		p.PlanCount = DefaultPlanCount
	}
	if p.PlanCount < MinPlanCount || p.PlanCount > MaxPlanCount {
		return NewError(CodeInvalidPayload, fmt.Sprintf("plan_count must be between %d and %d.", MinPlanCount, MaxPlanCount))
	}
	return nil
}

// ImageGenPayload drives the IMAGE_GEN processor.
type ImageGenPayload struct {
	Images      []string `json:"images"`
	ModelImage  string   `json:"model_image,omitempty"`
	Workflow    string   `json:"workflow,omitempty"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	Turbo       bool     `json:"turbo,omitempty"`
}

func (ImageGenPayload) JobType() JobType { return JobTypeImageGen }

func (p *ImageGenPayload) Validate() error {
	p.Images = compactStrings(p.Images)
	p.Workflow = strings.ToLower(strings.TrimSpace(p.Workflow))
	if p.Workflow == "" {
		p.Workflow = WorkflowProduct
	}
	if len(p.Images) == 0 && strings.TrimSpace(p.ModelImage) == "" {
		return NewError(CodeImageSourceMissing, "")
	}
	if p.Workflow == WorkflowModel && strings.TrimSpace(p.ModelImage) == "" {
		return NewError(CodeImageSourceMissing, "The model image required for this workflow is missing.")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return NewError(CodeImagePromptMissing, "")
	}
	p.AspectRatio = defaultString(p.AspectRatio, DefaultAspectRatio)
	p.Resolution = strings.ToUpper(defaultString(p.Resolution, DefaultResolution))
	return validateResolution(p.Resolution)
}

// ReplicatePayload drives the STYLE_REPLICATE processor.
type ReplicatePayload struct {
	Mode            string   `json:"mode"`
	ReferenceImage  string   `json:"reference_image,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	ProductImages   []string `json:"product_images,omitempty"`
	ProductImage    string   `json:"product_image,omitempty"`
	Repeat          int      `json:"repeat,omitempty"`
	GroupCount      int      `json:"group_count,omitempty"`
	Background      string   `json:"background,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	Model           string   `json:"model,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
}

func (ReplicatePayload) JobType() JobType { return JobTypeStyleReplicate }

func (p *ReplicatePayload) Validate() error {
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	p.ProductImages = compactStrings(p.ProductImages)
	p.ReferenceImages = compactStrings(p.ReferenceImages)
	p.AspectRatio = defaultString(p.AspectRatio, DefaultAspectRatio)
	p.Resolution = strings.ToUpper(defaultString(p.Resolution, DefaultResolution))
	if err := validateResolution(p.Resolution); err != nil {
		return err
	}

	switch p.Mode {
	case ReplicateSingle:
		if strings.TrimSpace(p.ReferenceImage) == "" || len(p.ProductImages) == 0 {
			return NewError(CodeImageSourceMissing, "Style replication needs a reference image and at least one product image.")
		}
		if p.Repeat == 0 {
			p.Repeat = 1
		}
		if p.Repeat < 1 || p.Repeat > MaxRepeat {
			return NewError(CodeInvalidPayload, fmt.Sprintf("repeat must be between 1 and %d.", MaxRepeat))
		}
	case ReplicateBatch:
		if len(p.ReferenceImages) == 0 || strings.TrimSpace(p.ProductImage) == "" {
			return NewError(CodeImageSourceMissing, "Batch replication needs reference images and a product image.")
		}
		if len(p.ReferenceImages) > MaxReferenceImages {
			return NewError(CodeInvalidPayload, fmt.Sprintf("At most %d reference images are allowed.", MaxReferenceImages))
		}
		if p.GroupCount == 0 {
			p.GroupCount = 1
		}
		if p.GroupCount < 1 || p.GroupCount > MaxGroupCount {
			return NewError(CodeInvalidPayload, fmt.Sprintf("group_count must be between 1 and %d.", MaxGroupCount))
		}
	case ReplicateRefinement:
		if len(p.ProductImages) == 0 {
			return NewError(CodeImageSourceMissing, "Refinement needs at least one product image.")
		}
		if len(p.ProductImages) > MaxRefineProducts {
			return NewError(CodeInvalidPayload, fmt.Sprintf("At most %d product images are allowed.", MaxRefineProducts))
		}
		p.Background = strings.ToLower(defaultString(p.Background, BackgroundWhite))
		if p.Background != BackgroundWhite && p.Background != BackgroundOriginal {
			return NewError(CodeInvalidPayload, "background must be white or original.")
		}
	default:
		return NewError(CodeInvalidPayload, fmt.Sprintf("Unknown replication mode %q.", p.Mode))
	}
	return nil
}

// DecodePayload parses raw into the variant selected by t and validates it.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	if !t.Valid() {
		return nil, NewError(CodeUnsupportedJobType, fmt.Sprintf("Job type %q is not supported.", t))
	}
	var p Payload
	switch t {
	case JobTypeAnalysis:
		p = &AnalysisPayload{}
	case JobTypeImageGen:
		p = &ImageGenPayload{}
	case JobTypeStyleReplicate:
		p = &ReplicatePayload{}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, WrapError(CodeInvalidPayload, err, "")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// validateResolution rejects sizes that have no price.
func validateResolution(resolution string) error {
	if !pricing.KnownResolution(resolution) {
		return NewError(CodeInvalidPayload, fmt.Sprintf("Resolution %q is not supported; use 1K, 2K or 4K.", resolution))
	}
	return nil
}

func compactStrings(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func defaultString(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
