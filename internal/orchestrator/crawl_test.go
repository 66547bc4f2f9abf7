package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caia-Tech/caia-crawl/internal/export"
	"github.com/Caia-Tech/caia-crawl/internal/fetcher"
	"github.com/Caia-Tech/caia-crawl/internal/queue"
	"github.com/Caia-Tech/caia-crawl/internal/store"
	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// testEngine wires a full orchestrator over the in-memory store and the
// HTTP-only fetcher.
type testEngine struct {
	kv        *store.MemoryKV
	crawls    *store.CrawlStore
	queue     *queue.Queue
	orch      *Orchestrator
	outputDir string
}

func newTestEngine(t *testing.T, ctx context.Context) *testEngine {
	t.Helper()

	kv := store.NewMemoryKV()
	crawlStore := store.NewCrawlStore(kv)

	q := queue.New(kv, &queue.Config{
		Name:          "test",
		LockDuration:  time.Second,
		LockRenewTime: 200 * time.Millisecond,
		RetryBase:     10 * time.Millisecond,
		RetryCeiling:  50 * time.Millisecond,
		MaxAttempts:   3,
		PollInterval:  10 * time.Millisecond,
		MaxJobs:       1000,
	})

	fetchSvc, err := fetcher.NewService(fetcher.ServiceConfig{
		DisableBrowser: true,
		Limiter: &fetcher.LimiterConfig{
			MinDelay:      time.Millisecond,
			MaxDelay:      20 * time.Millisecond,
			BackoffFactor: 2,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { fetchSvc.Close() })

	outputDir := t.TempDir()
	orch := New(crawlStore, q, fetchSvc, export.NewExporter(outputDir), nil)
	require.NoError(t, orch.Register(ctx, 3))
	t.Cleanup(q.Stop)

	return &testEngine{
		kv:        kv,
		crawls:    crawlStore,
		queue:     q,
		orch:      orch,
		outputDir: outputDir,
	}
}

func (e *testEngine) waitFinished(t *testing.T, ctx context.Context, crawlID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		finished, err := e.crawls.HasFinishMarker(ctx, crawlID)
		return err == nil && finished
	}, 10*time.Second, 25*time.Millisecond, "crawl %s did not finish", crawlID)
}

func pageHTML(title string, links ...string) string {
	body := ""
	for _, link := range links {
		body += fmt.Sprintf(`<a href="%s">%s</a>`, link, link)
	}
	return fmt.Sprintf(
		`<html><head><title>%s</title></head><body><main><p>Content of %s with enough words to survive the main-content narrowing threshold applied by the cleaner.</p>%s</main></body></html>`,
		title, title, body)
}

// Single-page crawl: seed plus two linked pages, everything succeeds, the
// finish marker is set, and consolidation artifacts exist.
func TestCrawlEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, pageHTML("Seed", "/a", "/b"))
		case "/a":
			fmt.Fprint(w, pageHTML("Page A"))
		case "/b":
			fmt.Fprint(w, pageHTML("Page B"))
		default:
			http.NotFound(w, r)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newTestEngine(t, ctx)

	crawlID, err := engine.orch.StartCrawl(ctx, server.URL+"/",
		scrape.CrawlOptions{MaxDepth: 2, Limit: 10}, scrape.ScrapeOptions{})
	require.NoError(t, err)

	engine.waitFinished(t, ctx, crawlID)

	total, pending, succeeded, failed, err := engine.crawls.JobCounts(ctx, crawlID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "kickoff + two page jobs")
	assert.Zero(t, pending)
	assert.Equal(t, int64(3), succeeded)
	assert.Zero(t, failed)

	files, err := engine.crawls.GetExportedFiles(ctx, crawlID)
	require.NoError(t, err)
	assert.Len(t, files, 3, "seed + two pages exported")

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(engine.outputDir, crawlID, "consolidated.md"))
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
	assert.FileExists(t, filepath.Join(engine.outputDir, crawlID, "consolidated.json"))
	assert.FileExists(t, filepath.Join(engine.outputDir, crawlID, "summary.json"))

	status, err := engine.orch.GetStatus(ctx, crawlID)
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.Equal(t, int64(2), status.Progress.Crawled)
}

// robots.txt disallowing /b keeps it out of the fan-out entirely.
func TestCrawlHonorsRobots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /b\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, pageHTML("Seed", "/a", "/b"))
		case "/a":
			fmt.Fprint(w, pageHTML("Page A"))
		case "/b":
			fmt.Fprint(w, pageHTML("Page B"))
		default:
			http.NotFound(w, r)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newTestEngine(t, ctx)

	crawlID, err := engine.orch.StartCrawl(ctx, server.URL+"/",
		scrape.CrawlOptions{MaxDepth: 2}, scrape.ScrapeOptions{})
	require.NoError(t, err)

	engine.waitFinished(t, ctx, crawlID)

	total, _, succeeded, _, err := engine.crawls.JobCounts(ctx, crawlID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "kickoff + /a only")
	assert.Equal(t, int64(2), succeeded)

	files, err := engine.crawls.GetExportedFiles(ctx, crawlID)
	require.NoError(t, err)
	assert.Len(t, files, 2, "seed + /a")
}

// Similar-URL variants of one page collapse to a single page job.
func TestCrawlDeduplicatesSimilarURLs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, pageHTML("Seed",
				"/x", "/x/", "/x/index.html", server.URL+"/x"))
		case "/x", "/x/", "/x/index.html":
			fmt.Fprint(w, pageHTML("Page X"))
		default:
			http.NotFound(w, r)
		}
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	engine := newTestEngine(t, ctx)

	crawlID, err := engine.orch.StartCrawl(ctx, server.URL+"/",
		scrape.CrawlOptions{MaxDepth: 3}, scrape.ScrapeOptions{})
	require.NoError(t, err)

	engine.waitFinished(t, ctx, crawlID)

	total, _, succeeded, _, err := engine.crawls.JobCounts(ctx, crawlID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "kickoff + exactly one page job for the class")
	assert.Equal(t, int64(2), succeeded)
}

// A cancelled crawl short-circuits page jobs to success no-ops.
func TestCancelledCrawlPageJobIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := store.NewMemoryKV()
	crawlStore := store.NewCrawlStore(kv)
	fetchSvc, err := fetcher.NewService(fetcher.ServiceConfig{DisableBrowser: true})
	require.NoError(t, err)
	defer fetchSvc.Close()

	orch := New(crawlStore, queue.New(kv, nil), fetchSvc, export.NewExporter(t.TempDir()), nil)

	record := &scrape.CrawlRecord{
		ID:        "c1",
		OriginURL: "https://example.com/",
		Cancelled: true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, crawlStore.SaveCrawl(ctx, record))

	payload, _ := json.Marshal(jobPayload{CrawlID: "c1", URL: "https://example.com/page"})
	result, err := orch.Handle(ctx, &queue.Job{ID: "j1", Name: JobPage, Data: payload})
	require.NoError(t, err, "cancelled crawls exit cleanly")

	var resp scrape.ScraperResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.True(t, resp.Skipped)
}

// Completion fires the caller's webhook exactly once with final counts.
func TestCrawlWebhookFiresOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var webhookCalls atomic.Int32
	var payload atomic.Value
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var summary export.Summary
		if err := json.NewDecoder(r.Body).Decode(&summary); err == nil {
			payload.Store(summary)
		}
		webhookCalls.Add(1)
	}))
	defer webhook.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			fmt.Fprint(w, pageHTML("Seed", "/a"))
			return
		}
		fmt.Fprint(w, pageHTML("Page"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newTestEngine(t, ctx)

	crawlID, err := engine.orch.StartCrawl(ctx, server.URL+"/",
		scrape.CrawlOptions{MaxDepth: 2, WebhookURL: webhook.URL}, scrape.ScrapeOptions{})
	require.NoError(t, err)

	engine.waitFinished(t, ctx, crawlID)

	require.Eventually(t, func() bool {
		return webhookCalls.Load() == 1
	}, 5*time.Second, 25*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), webhookCalls.Load(), "webhook fires exactly once")

	summary := payload.Load().(export.Summary)
	assert.Equal(t, crawlID, summary.CrawlID)
	assert.Equal(t, int64(2), summary.TotalJobs)
}

// Page-level failures retry through the queue and land in done:failed after
// the attempt budget.
func TestCrawlRecordsFailedPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var aHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, pageHTML("Seed", "/broken"))
		case "/broken":
			// Hang up without a response to force a transport error.
			aHits.Add(1)
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijacking unsupported")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		default:
			http.NotFound(w, r)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	engine := newTestEngine(t, ctx)

	crawlID, err := engine.orch.StartCrawl(ctx, server.URL+"/",
		scrape.CrawlOptions{MaxDepth: 2}, scrape.ScrapeOptions{})
	require.NoError(t, err)

	engine.waitFinished(t, ctx, crawlID)

	total, _, succeeded, failed, err := engine.crawls.JobCounts(ctx, crawlID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), succeeded, "kickoff succeeds")
	assert.Equal(t, int64(1), failed, "broken page fails after retries")
	assert.GreaterOrEqual(t, aHits.Load(), int32(3), "page retried to its attempt budget")

	progress, err := engine.crawls.GetProgress(ctx, crawlID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), progress.Failed)
}

func TestDiscoveryStreamPubSub(t *testing.T) {
	stream := NewDiscoveryStream(4)
	defer stream.Close()

	ch, cancel := stream.Subscribe()
	defer cancel()

	stream.Publish(scrape.DiscoveryEvent{Type: scrape.EventURLDiscovered, URL: "https://a.test/"})

	select {
	case event := <-ch:
		assert.Equal(t, scrape.EventURLDiscovered, event.Type)
		assert.Equal(t, "https://a.test/", event.URL)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
