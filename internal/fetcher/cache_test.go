package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

func newTestCache(t *testing.T, ttl time.Duration) *ResponseCache {
	t.Helper()
	cache, err := NewResponseCache(t.TempDir(), ttl)
	require.NoError(t, err)
	return cache
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t, time.Minute)

	resp := &scrape.ScraperResponse{
		URL:         "https://example.com/page",
		Title:       "Page",
		Content:     "# Page",
		ContentType: scrape.ContentTypeMarkdown,
		Metadata:    scrape.ResponseMetadata{Status: 200},
	}
	key := cache.Key(resp.URL, scrape.ScrapeOptions{})
	require.NoError(t, cache.Set(key, resp, 0))

	got := cache.Get(key)
	require.NotNil(t, got)
	assert.Equal(t, resp.URL, got.URL)
	assert.Equal(t, resp.Content, got.Content)
	assert.Equal(t, resp.ContentType, got.ContentType)
}

func TestCacheMiss(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	assert.Nil(t, cache.Get("nonexistent-key"))
}

func TestCacheExpiry(t *testing.T) {
	cache := newTestCache(t, time.Minute)

	resp := &scrape.ScraperResponse{URL: "https://example.com/"}
	key := cache.Key(resp.URL, scrape.ScrapeOptions{})
	require.NoError(t, cache.Set(key, resp, 30*time.Millisecond))

	require.NotNil(t, cache.Get(key))
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, cache.Get(key), "expired entry must miss")
	// Expired entry is removed on the way out.
	assert.Nil(t, cache.Get(key))
}

func TestCacheKeySalientOptions(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	url := "https://example.com/page"

	base := cache.Key(url, scrape.ScrapeOptions{})

	// Salient options fragment the key.
	assert.NotEqual(t, base, cache.Key(url, scrape.ScrapeOptions{ExtractorFormat: scrape.ContentTypeText}))
	assert.NotEqual(t, base, cache.Key(url, scrape.ScrapeOptions{WaitForSelector: "#app"}))
	assert.NotEqual(t, base, cache.Key(url, scrape.ScrapeOptions{
		Actions: []scrape.PageAction{{Type: "click", Selector: "#more"}},
	}))

	// Non-salient options do not.
	assert.Equal(t, base, cache.Key(url, scrape.ScrapeOptions{Timeout: time.Minute}))
	assert.Equal(t, base, cache.Key(url, scrape.ScrapeOptions{MaxRetries: 9}))
	assert.Equal(t, base, cache.Key(url, scrape.ScrapeOptions{StealthMode: true}))

	// Different URLs never collide.
	assert.NotEqual(t, base, cache.Key("https://example.com/other", scrape.ScrapeOptions{}))
}

func TestCachePrune(t *testing.T) {
	cache := newTestCache(t, time.Minute)

	keep := &scrape.ScraperResponse{URL: "https://example.com/keep"}
	drop := &scrape.ScraperResponse{URL: "https://example.com/drop"}
	keepKey := cache.Key(keep.URL, scrape.ScrapeOptions{})
	dropKey := cache.Key(drop.URL, scrape.ScrapeOptions{})

	require.NoError(t, cache.Set(keepKey, keep, time.Hour))
	require.NoError(t, cache.Set(dropKey, drop, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	pruned := cache.Prune()
	assert.Equal(t, 1, pruned)
	assert.NotNil(t, cache.Get(keepKey))
	assert.Nil(t, cache.Get(dropKey))
}
