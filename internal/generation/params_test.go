package generation

import "testing"

func TestMapResolution(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1k", "1K"},
		{"2k", "2K"},
		{"4k", "4K"},
		{"8k", "4K"}, // above the provider ceiling, clamps down
		{"", "4K"},
		{"huge", "4K"},
	}
	for _, tc := range cases {
		if got := MapResolution(tc.in); got != tc.want {
			t.Errorf("MapResolution(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMapAspectRatio(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"full-body", "2:3"},
		{"waist-legs", "3:4"},
		{"", "2:3"},
		{"portrait", "2:3"},
	}
	for _, tc := range cases {
		if got := MapAspectRatio(tc.in); got != tc.want {
			t.Errorf("MapAspectRatio(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParamsNormalized(t *testing.T) {
	p := GenerationParams{}.Normalized()
	if p.ResolutionTier != "2k" || p.Framing != "full-body" || p.View != "front" {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.VariationCount != 1 {
		t.Fatalf("expected default variation count 1, got %d", p.VariationCount)
	}
	if p.OutputFormat != "png" {
		t.Fatalf("expected default output format png, got %q", p.OutputFormat)
	}

	p = GenerationParams{VariationCount: 99, OutputFormat: "gif"}.Normalized()
	if p.VariationCount != 4 {
		t.Fatalf("expected variation count clamped to 4, got %d", p.VariationCount)
	}
	if p.OutputFormat != "png" {
		t.Fatalf("expected unsupported format to fall back to png, got %q", p.OutputFormat)
	}

	p = GenerationParams{VariationCount: 3, OutputFormat: "jpeg", Framing: "waist-legs"}.Normalized()
	if p.VariationCount != 3 || p.OutputFormat != "jpeg" || p.Framing != "waist-legs" {
		t.Fatalf("valid values should pass through, got %+v", p)
	}
}
