package replicate

import (
	"fmt"
	"strings"

	"productlab/internal/domain"
)

type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitSuccess UnitStatus = "success"
	UnitFailed  UnitStatus = "failed"
)

// Unit is one independent synthesis inside a batch job. Its position in the
// outputs array always equals Index.
type Unit struct {
	Index     int         `json:"index"`
	Mode      string      `json:"mode"`
	Reference string      `json:"reference,omitempty"`
	Product   string      `json:"product"`
	Variant   int         `json:"variant"`
	Status    UnitStatus  `json:"status"`
	URL       string      `json:"url,omitempty"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	ErrorCode domain.Code `json:"error_code,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// PlanUnits expands a validated payload into its fixed unit list:
// single is products x repeat, batch is references x groups and refinement
// is one unit per product.
func PlanUnits(p *domain.ReplicatePayload) []Unit {
	var units []Unit
	add := func(ref, product string, variant int) {
		units = append(units, Unit{
			Index:     len(units),
			Mode:      p.Mode,
			Reference: ref,
			Product:   product,
			Variant:   variant,
			Status:    UnitPending,
		})
	}
	switch p.Mode {
	case domain.ReplicateSingle:
		for _, product := range p.ProductImages {
			for r := 1; r <= p.Repeat; r++ {
				add(p.ReferenceImage, product, r)
			}
		}
	case domain.ReplicateBatch:
		for _, ref := range p.ReferenceImages {
			for g := 1; g <= p.GroupCount; g++ {
				add(ref, p.ProductImage, g)
			}
		}
	case domain.ReplicateRefinement:
		for _, product := range p.ProductImages {
			add("", product, 1)
		}
	}
	return units
}

// Inputs returns the ordered synthesis inputs of a unit.
func (u Unit) Inputs() []string {
	if u.Reference == "" {
		return []string{u.Product}
	}
	return []string{u.Reference, u.Product}
}

// BuildPrompt renders the mode specific instruction for one unit.
func BuildPrompt(p *domain.ReplicatePayload, u Unit, variants int) string {
	parts := []string{}
	switch p.Mode {
	case domain.ReplicateSingle:
		parts = append(parts, "Use the first image as the style reference and the second image as the product.",
			"Recreate the reference's scene, lighting and color mood around the product without changing the product itself.")
		if variants > 1 {
			parts = append(parts, fmt.Sprintf("This is variation %d of %d; vary camera angle and props slightly.", u.Variant, variants))
		}
	case domain.ReplicateBatch:
		parts = append(parts, "Place the product from the second image into the scene of the first image.",
			"Match the reference composition and lighting while keeping the product's shape, label and colors exact.")
		if variants > 1 {
			parts = append(parts, fmt.Sprintf("Group %d of %d; keep each group visually distinct.", u.Variant, variants))
		}
	case domain.ReplicateRefinement:
		parts = append(parts, "Retouch this product photo to commercial quality.")
		if p.Background == domain.BackgroundWhite {
			parts = append(parts, "Cut the product out onto a pure white seamless background with a soft natural shadow.")
		} else {
			parts = append(parts, "Keep the original background but clean up noise, color cast and distractions.")
		}
	}
	if extra := strings.TrimSpace(p.Prompt); extra != "" {
		parts = append(parts, "Additional instructions: "+extra)
	}
	if aspect := strings.TrimSpace(p.AspectRatio); aspect != "" {
		parts = append(parts, "Output aspect ratio "+aspect+".")
	}
	return strings.Join(parts, " ")
}
