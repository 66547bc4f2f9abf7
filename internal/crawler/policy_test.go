package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

func newTestPolicy(t *testing.T, opts scrape.CrawlOptions, robotsTxt string) *Policy {
	t.Helper()
	policy, err := NewPolicy("https://example.com/docs", opts, robotsTxt, "test-bot")
	require.NoError(t, err)
	return policy
}

func TestPolicyAllowsSameHostLink(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, "")
	got, ok := policy.Allow("/docs/guide", nil)
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/docs/guide", got)
}

func TestPolicyRejectsUnparseable(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{}, "")
	_, ok := policy.Allow("://bad url", nil)
	assert.False(t, ok)
	_, ok = policy.Allow("javascript:void(0)", nil)
	assert.False(t, ok)
	_, ok = policy.Allow("mailto:a@b.c", nil)
	assert.False(t, ok)
}

func TestPolicyVisitedCheck(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, "")
	visited := func(u string) (bool, error) { return u == "https://example.com/docs/seen", nil }

	_, ok := policy.Allow("/docs/seen", visited)
	assert.False(t, ok)
	_, ok = policy.Allow("/docs/fresh", visited)
	assert.True(t, ok)
}

func TestPolicyDepthLimit(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{MaxDepth: 2, AllowBackward: true}, "")
	_, ok := policy.Allow("/docs/a", nil)
	assert.True(t, ok)
	_, ok = policy.Allow("/docs/a/b", nil)
	assert.False(t, ok)
}

func TestPolicyIncludeExclude(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{
		AllowBackward:   true,
		IncludePatterns: []string{`/docs/`},
		ExcludePatterns: []string{`private`},
	}, "")

	_, ok := policy.Allow("/docs/guide", nil)
	assert.True(t, ok)
	_, ok = policy.Allow("/docs/private/key", nil)
	assert.False(t, ok, "exclude wins")
	_, ok = policy.Allow("/blog/post", nil)
	assert.False(t, ok, "include list must match")
}

func TestPolicyHostRules(t *testing.T) {
	strict := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, "")
	_, ok := strict.Allow("https://other.com/docs/x", nil)
	assert.False(t, ok)
	_, ok = strict.Allow("https://api.example.com/docs/x", nil)
	assert.False(t, ok)

	subdomains := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true, AllowSubdomains: true}, "")
	_, ok = subdomains.Allow("https://api.example.com/docs/x", nil)
	assert.True(t, ok)
	_, ok = subdomains.Allow("https://other.com/docs/x", nil)
	assert.False(t, ok)

	external := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true, AllowExternal: true}, "")
	_, ok = external.Allow("https://other.com/anything", nil)
	assert.True(t, ok)
}

func TestPolicyBackwardRule(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{}, "")
	_, ok := policy.Allow("/docs/deeper", nil)
	assert.True(t, ok)
	_, ok = policy.Allow("/blog/post", nil)
	assert.False(t, ok, "path outside seed prefix is backward")

	backward := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, "")
	_, ok = backward.Allow("/blog/post", nil)
	assert.True(t, ok)
}

func TestPolicyRobots(t *testing.T) {
	robotsTxt := "User-agent: *\nDisallow: /docs/secret\n"
	policy := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, robotsTxt)

	_, ok := policy.Allow("/docs/open", nil)
	assert.True(t, ok)
	_, ok = policy.Allow("/docs/secret/page", nil)
	assert.False(t, ok)

	ignoring := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true, IgnoreRobots: true}, robotsTxt)
	_, ok = ignoring.Allow("/docs/secret/page", nil)
	assert.True(t, ok)
}

func TestPolicyExcludedExtensions(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, "")
	for _, link := range []string{"/docs/file.pdf", "/docs/archive.zip", "/docs/image.png", "/docs/script.js"} {
		_, ok := policy.Allow(link, nil)
		assert.False(t, ok, "%s must be rejected", link)
	}
	_, ok := policy.Allow("/docs/page.html", nil)
	assert.True(t, ok)
}

func TestFilterLinksDeduplicatesSimilar(t *testing.T) {
	policy := newTestPolicy(t, scrape.CrawlOptions{AllowBackward: true}, "")
	out := policy.FilterLinks([]string{
		"https://example.com/docs/x",
		"https://example.com/docs/x/",
		"http://example.com/docs/x",
		"https://www.example.com/docs/x",
	}, nil)
	assert.Len(t, out, 1)
}

func TestScoreOrdering(t *testing.T) {
	assert.Greater(t, Score("https://example.com/docs/intro"), Score("https://example.com/a/b/c/d/e"))
	assert.Greater(t, Score("https://example.com/guide"), Score("https://example.com/login"))
	assert.Greater(t, Score("https://example.com/p"), Score("https://example.com/p?session=averylongquerystringvalue"))
}

func TestOrderLinks(t *testing.T) {
	links := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}

	assert.Equal(t, links, OrderLinks(links, scrape.StrategyBFS))
	assert.Equal(t, []string{"https://a.test/3", "https://a.test/2", "https://a.test/1"},
		OrderLinks(links, scrape.StrategyDFS))

	mixed := []string{"https://a.test/x/y/z/deep", "https://a.test/docs"}
	best := OrderLinks(mixed, scrape.StrategyBestFirst)
	assert.Equal(t, "https://a.test/docs", best[0])
}
