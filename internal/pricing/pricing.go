// Package pricing computes credit costs. Prices are derived from the request
// shape only; clients never supply them.
package pricing

import "strings"

const turboSurcharge = 1

var resolutionTiers = map[string]int64{
	"1K": 1,
	"2K": 2,
	"4K": 4,
}

// modelSurcharge is added per image for models billed above the base tier.
var modelSurcharge = map[string]int64{
	"gemini-3-pro-image-preview": 1,
	"gpt-image-1":                1,
}

// Cost returns the credits charged for one generated image.
func Cost(model string, turbo bool, resolution string) int64 {
	cost, ok := resolutionTiers[strings.ToUpper(strings.TrimSpace(resolution))]
	if !ok {
		cost = resolutionTiers["1K"]
	}
	cost += modelSurcharge[strings.ToLower(strings.TrimSpace(model))]
	if turbo {
		cost += turboSurcharge
	}
	return cost
}

// KnownResolution reports whether resolution is a priced tier.
func KnownResolution(resolution string) bool {
	_, ok := resolutionTiers[strings.ToUpper(strings.TrimSpace(resolution))]
	return ok
}
