package generation

// GenerationParams is the structured parameter bag attached to a generation.
// Every recognized field has a defined default so the provider mappings below
// stay total.
type GenerationParams struct {
	ResolutionTier string `json:"resolution_tier,omitempty"`
	Framing        string `json:"framing,omitempty"`
	View           string `json:"view,omitempty"`
	VariationCount int    `json:"variation_count,omitempty"`
	OutputFormat   string `json:"output_format,omitempty"`
}

const (
	defaultResolutionTier = "2k"
	defaultFraming        = "full-body"
	defaultView           = "front"
	defaultOutputFormat   = "png"

	maxVariations = 4
)

// Normalized fills defaults and clamps the variation count.
func (p GenerationParams) Normalized() GenerationParams {
	if p.ResolutionTier == "" {
		p.ResolutionTier = defaultResolutionTier
	}
	if p.Framing == "" {
		p.Framing = defaultFraming
	}
	if p.View == "" {
		p.View = defaultView
	}
	if p.OutputFormat != "png" && p.OutputFormat != "jpeg" {
		p.OutputFormat = defaultOutputFormat
	}
	if p.VariationCount < 1 {
		p.VariationCount = 1
	}
	if p.VariationCount > maxVariations {
		p.VariationCount = maxVariations
	}
	return p
}

// MapResolution converts a requested tier to a provider-supported one.
// Requests above the provider ceiling clamp down to it, and unrecognized
// tiers default high rather than erroring.
func MapResolution(tier string) string {
	switch tier {
	case "1k":
		return "1K"
	case "2k":
		return "2K"
	case "4k":
		return "4K"
	default:
		return "4K"
	}
}

// MapAspectRatio picks the provider aspect ratio from the framing choice.
func MapAspectRatio(framing string) string {
	switch framing {
	case "full-body":
		return "2:3"
	case "waist-legs":
		return "3:4"
	default:
		return "2:3"
	}
}
