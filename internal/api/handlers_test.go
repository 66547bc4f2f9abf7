package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caia-Tech/caia-crawl/internal/export"
	"github.com/Caia-Tech/caia-crawl/internal/fetcher"
	"github.com/Caia-Tech/caia-crawl/internal/orchestrator"
	"github.com/Caia-Tech/caia-crawl/internal/queue"
	"github.com/Caia-Tech/caia-crawl/internal/store"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	kv := store.NewMemoryKV()
	crawlStore := store.NewCrawlStore(kv)
	q := queue.New(kv, nil)

	fetchSvc, err := fetcher.NewService(fetcher.ServiceConfig{DisableBrowser: true})
	require.NoError(t, err)
	t.Cleanup(func() { fetchSvc.Close() })

	crawls := orchestrator.New(crawlStore, q, fetchSvc, export.NewExporter(t.TempDir()), nil)
	batches := orchestrator.NewBatchOrchestrator(kv, fetchSvc)
	h := NewHandlers(crawls, batches, q, kv)

	app := fiber.New()
	app.Get("/health", h.Health)
	v1 := app.Group("/api/v1")
	v1.Post("/crawls/", h.StartCrawl)
	v1.Get("/crawls/:id", h.GetCrawl)
	v1.Delete("/crawls/:id", h.CancelCrawl)
	v1.Post("/batches/", h.SubmitBatch)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Get("/queue/stats", h.QueueStats)
	return app
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "caia-crawl", body["service"])
}

func TestStartCrawlValidation(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/crawls/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/crawls/", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCrawlNotFound(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/crawls/unknown", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitBatchValidation(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/",
		strings.NewReader(`{"urls":["not a url"],"options":{"concurrency":2,"timeout":15000000000}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "invalid url")
}

func TestQueueStatsEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats queue.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Zero(t, stats.Waiting)
}
