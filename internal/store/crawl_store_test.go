package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

func newTestStore() (*CrawlStore, *MemoryKV) {
	kv := NewMemoryKV()
	return NewCrawlStore(kv), kv
}

func testRecord(id string) *scrape.CrawlRecord {
	return &scrape.CrawlRecord{
		ID:        id,
		OriginURL: "https://example.com/",
		CrawlOptions: scrape.CrawlOptions{
			MaxDepth: 3,
			Strategy: scrape.StrategyBFS,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSaveAndGetCrawl(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveCrawl(ctx, testRecord("c1")))

	got, err := s.GetCrawl(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "https://example.com/", got.OriginURL)
	assert.False(t, got.Cancelled)

	_, err = s.GetCrawl(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestCancelCrawl(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveCrawl(ctx, testRecord("c1")))
	require.NoError(t, s.Cancel(ctx, "c1"))

	got, err := s.GetCrawl(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Cancelled)

	// Cancelling twice is a no-op.
	require.NoError(t, s.Cancel(ctx, "c1"))
}

func TestLockURLOncePerSimilarClass(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	acquired, err := s.LockURL(ctx, "c1", "https://example.com/x")
	require.NoError(t, err)
	assert.True(t, acquired)

	// Every similar-URL variant contends on the same lock.
	for _, variant := range []string{
		"https://example.com/x",
		"https://example.com/x/",
		"http://example.com/x",
		"https://www.example.com/x",
		"https://example.com/x/index.html",
	} {
		acquired, err := s.LockURL(ctx, "c1", variant)
		require.NoError(t, err)
		assert.False(t, acquired, "variant %s must not re-acquire", variant)
	}

	// A different crawl id is a different lock namespace.
	acquired, err = s.LockURL(ctx, "c2", "https://example.com/x")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockURLsBatch(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.LockURL(ctx, "c1", "https://example.com/a")
	require.NoError(t, err)

	locked, err := s.LockURLs(ctx, "c1", []string{
		"https://example.com/a",  // already locked
		"https://example.com/b",
		"https://example.com/b/", // intra-batch duplicate of /b
		"https://example.com/c",
		"://bad",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/b", "https://example.com/c"}, locked)
}

func TestMarkDoneLifecycle(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveCrawl(ctx, testRecord("c1")))
	require.NoError(t, s.AddJobs(ctx, "c1", []string{"j1", "j2", "j3"}))

	// Membership sets partition the job population at every step.
	total, pending, succeeded, failed, err := s.JobCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 3, 0, 0}, []int64{total, pending, succeeded, failed})

	finished, err := s.MarkDone(ctx, "c1", "j1", true, &scrape.ScraperResponse{URL: "https://example.com/a"})
	require.NoError(t, err)
	assert.False(t, finished)

	finished, err = s.MarkDone(ctx, "c1", "j2", false, nil)
	require.NoError(t, err)
	assert.False(t, finished)

	done, err := s.IsFinished(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, done)

	finished, err = s.MarkDone(ctx, "c1", "j3", true, nil)
	require.NoError(t, err)
	assert.True(t, finished, "last terminal job observes completion")

	total, pending, succeeded, failed, err = s.JobCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 0, 2, 1}, []int64{total, pending, succeeded, failed})

	done, err = s.IsFinished(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, done)

	marker, err := s.HasFinishMarker(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, marker)

	// Stored result round-trips.
	result, err := s.GetJobResult(ctx, "c1", "j1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", result.URL)
}

func TestFinishMarkerWrittenOnce(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.AddJobs(ctx, "c1", []string{"j1"}))

	finished, err := s.MarkDone(ctx, "c1", "j1", true, nil)
	require.NoError(t, err)
	assert.True(t, finished)

	// A late duplicate terminal observation does not win the marker again.
	finished, err = s.MarkDone(ctx, "c1", "j1", true, nil)
	require.NoError(t, err)
	assert.False(t, finished)

	_, err = kv.Get(ctx, "crawl:c1:completed_at")
	require.NoError(t, err)
}

func TestIsFinishedEmptyCrawl(t *testing.T) {
	s, _ := newTestStore()
	done, err := s.IsFinished(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, done, "a crawl with no jobs is never finished")
}

func TestExportedFilesLedger(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.AddExportedFile(ctx, "c1", "/out/a.md"))
	require.NoError(t, s.AddExportedFile(ctx, "c1", "/out/b.md"))

	files, err := s.GetExportedFiles(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/a.md", "/out/b.md"}, files, "ledger preserves insertion order")
}

func TestProgressCounters(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.IncrStat(ctx, "c1", "discovered", 5)
	s.IncrStat(ctx, "c1", "crawled", 3)
	s.IncrStat(ctx, "c1", "failed", 1)

	progress, err := s.GetProgress(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), progress.Discovered)
	assert.Equal(t, int64(3), progress.Crawled)
	assert.Equal(t, int64(1), progress.Failed)
}

func TestKeyLayout(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveCrawl(ctx, testRecord("abc")))
	_, err := kv.Get(ctx, "crawl:abc")
	require.NoError(t, err, "crawl record lives at crawl:{id}")

	_, err = s.LockURL(ctx, "abc", "https://example.com/page")
	require.NoError(t, err)
	_, err = kv.Get(ctx, "crawl:abc:url:https://example.com/page")
	require.NoError(t, err, "url lock lives at crawl:{id}:url:{normalized_url}")
}
