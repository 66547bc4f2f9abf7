// Package api exposes the engine over HTTP: crawl submission, status,
// cancellation, batches, and health.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/orchestrator"
	"github.com/Caia-Tech/caia-crawl/internal/queue"
	"github.com/Caia-Tech/caia-crawl/internal/store"
	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// Handlers contains the HTTP handlers for the API
type Handlers struct {
	crawls  *orchestrator.Orchestrator
	batches *orchestrator.BatchOrchestrator
	queue   *queue.Queue
	kv      store.KV
}

// NewHandlers creates a new handlers instance
func NewHandlers(crawls *orchestrator.Orchestrator, batches *orchestrator.BatchOrchestrator, q *queue.Queue, kv store.KV) *Handlers {
	return &Handlers{crawls: crawls, batches: batches, queue: q, kv: kv}
}

// Health returns the service health status
func (h *Handlers) Health(c *fiber.Ctx) error {
	status := "healthy"
	if err := h.kv.Ping(c.Context()); err != nil {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":    status,
		"service":   "caia-crawl",
		"version":   "0.1.0",
		"timestamp": time.Now().UTC(),
	})
}

// StartCrawlRequest represents a crawl submission
type StartCrawlRequest struct {
	URL           string               `json:"url"`
	CrawlOptions  scrape.CrawlOptions  `json:"crawl_options"`
	ScrapeOptions scrape.ScrapeOptions `json:"scrape_options"`
}

// StartCrawl creates a crawl record and enqueues its kickoff job
func (h *Handlers) StartCrawl(c *fiber.Ctx) error {
	var req StartCrawlRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url is required",
		})
	}

	crawlID, err := h.crawls.StartCrawl(c.Context(), req.URL, req.CrawlOptions, req.ScrapeOptions)
	if err != nil {
		log.Error().Err(err).Str("url", req.URL).Msg("Starting crawl failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to start crawl",
			"details": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"crawl_id": crawlID,
	})
}

// GetCrawl returns a crawl's aggregated status
func (h *Handlers) GetCrawl(c *fiber.Ctx) error {
	status, err := h.crawls.GetStatus(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Crawl not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to load crawl",
			"details": err.Error(),
		})
	}
	return c.JSON(status)
}

// CancelCrawl flips the crawl's cancelled flag
func (h *Handlers) CancelCrawl(c *fiber.Ctx) error {
	if err := h.crawls.Cancel(c.Context(), c.Params("id")); err != nil {
		if store.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Crawl not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to cancel crawl",
			"details": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"cancelled": true})
}

// SubmitBatchRequest represents a batch submission
type SubmitBatchRequest struct {
	URLs    []string                   `json:"urls"`
	Options orchestrator.BatchOptions  `json:"options"`
}

// SubmitBatch launches an ad-hoc batch scrape
func (h *Handlers) SubmitBatch(c *fiber.Ctx) error {
	var req SubmitBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	if req.Options.Concurrency == 0 {
		req.Options.Concurrency = 5
	}
	if req.Options.Timeout == 0 {
		req.Options.Timeout = 30 * time.Second
	}

	batchID, err := h.batches.Submit(c.Context(), req.URLs, req.Options)
	if err != nil {
		// Validation failures are synchronous, user-facing errors.
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batch_id": batchID,
	})
}

// GetBatch returns aggregated batch progress
func (h *Handlers) GetBatch(c *fiber.Ctx) error {
	progress, err := h.batches.GetStatus(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Batch not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to load batch",
			"details": err.Error(),
		})
	}
	return c.JSON(progress)
}

// CancelBatch halts further batch dispatch
func (h *Handlers) CancelBatch(c *fiber.Ctx) error {
	if err := h.batches.Cancel(c.Context(), c.Params("id")); err != nil {
		if store.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Batch not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to cancel batch",
			"details": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"cancelled": true})
}

// QueueStats returns queue depth by state
func (h *Handlers) QueueStats(c *fiber.Ctx) error {
	stats, err := h.queue.GetStats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to read queue stats",
			"details": err.Error(),
		})
	}
	return c.JSON(stats)
}
