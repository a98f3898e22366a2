package catalog

import (
	"errors"
	"testing"

	"mediagen/internal/domain"
)

func TestResolveKnownModel(t *testing.T) {
	c := Default()
	entry, err := c.Resolve("flux-dev")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if entry.Provider != "flux" || entry.Kind != domain.JobKindImage {
		t.Fatalf("Resolve() = %+v, want flux image entry", entry)
	}
	if entry.Cost <= 0 {
		t.Fatalf("Resolve() cost = %d, want positive", entry.Cost)
	}
}

func TestResolveTrimsWhitespace(t *testing.T) {
	entry, err := Default().Resolve("  flux-schnell ")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if entry.Model != "flux-schnell" {
		t.Fatalf("Resolve() model = %q, want flux-schnell", entry.Model)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	if _, err := Default().Resolve("dall-e-9000"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestVideoModelsCostMoreThanImages(t *testing.T) {
	c := Default()
	video, _ := c.Resolve("veo-3.0-generate-001")
	image, _ := c.Resolve("flux-pro")
	if video.Cost <= image.Cost {
		t.Fatalf("video cost %d should exceed image cost %d", video.Cost, image.Cost)
	}
}
