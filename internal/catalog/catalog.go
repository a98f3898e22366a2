// Package catalog resolves a model name to the provider, pricing and API
// configuration used to run it. The catalogue itself is owned by an external
// pricing service; this static table mirrors its lookup contract.
package catalog

import (
	"strings"

	"mediagen/internal/domain"
)

// Entry describes one offered model.
type Entry struct {
	Model    string
	Provider string
	Kind     domain.JobKind
	// Cost in credit cents, fixed at submission time.
	Cost      int64
	APIConfig map[string]string
}

// Catalog is an immutable model → entry lookup table.
type Catalog struct {
	entries map[string]Entry
}

// New builds a catalog from the given entries.
func New(entries ...Entry) *Catalog {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Model] = e
	}
	return &Catalog{entries: m}
}

// Default returns the built-in model table.
func Default() *Catalog {
	return New(
		Entry{Model: "flux-schnell", Provider: "flux", Kind: domain.JobKindImage, Cost: 4},
		Entry{Model: "flux-dev", Provider: "flux", Kind: domain.JobKindImage, Cost: 7},
		Entry{Model: "flux-pro", Provider: "flux", Kind: domain.JobKindImage, Cost: 12},
		Entry{Model: "veo-2.0-generate-001", Provider: "veo", Kind: domain.JobKindVideo, Cost: 80},
		Entry{Model: "veo-3.0-generate-001", Provider: "veo", Kind: domain.JobKindVideo, Cost: 150},
	)
}

// Resolve returns the entry for the given model name.
func (c *Catalog) Resolve(model string) (Entry, error) {
	e, ok := c.entries[strings.TrimSpace(model)]
	if !ok {
		return Entry{}, domain.ErrNotFound
	}
	return e, nil
}

// Models returns the offered model names.
func (c *Catalog) Models() []string {
	models := make([]string, 0, len(c.entries))
	for model := range c.entries {
		models = append(models, model)
	}
	return models
}
