// Package extract defines the schema-guided extraction contract the
// orchestrator invokes after content transforms. The engine ships with a
// pass-through implementation; an LLM-backed provider plugs in behind the
// same interface.
package extract

import (
	"context"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// Extractor produces structured data from a page per the caller's schema.
type Extractor interface {
	// Extract returns the response with its Data field populated. The input
	// response is not mutated.
	Extract(ctx context.Context, resp *scrape.ScraperResponse, opts scrape.ExtractionOptions) (*scrape.ScraperResponse, error)
}

// NoopExtractor passes the response through unchanged. It stands in when no
// extraction provider is configured.
type NoopExtractor struct{}

// NewNoopExtractor creates the pass-through extractor.
func NewNoopExtractor() *NoopExtractor { return &NoopExtractor{} }

// Extract returns a copy of the response with no data attached.
func (e *NoopExtractor) Extract(ctx context.Context, resp *scrape.ScraperResponse, opts scrape.ExtractionOptions) (*scrape.ScraperResponse, error) {
	out := *resp
	return &out, nil
}
