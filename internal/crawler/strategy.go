package crawler

import (
	"net/url"
	"sort"
	"strings"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// valuablePathFragments raise a link's best-first score.
var valuablePathFragments = []string{
	"docs", "doc", "documentation", "guide", "tutorial", "help",
	"about", "reference", "api", "manual", "faq",
}

// lowValuePathFragments lower a link's best-first score.
var lowValuePathFragments = []string{
	"login", "signin", "signup", "register", "cart", "checkout",
	"account", "logout", "password",
}

// Score rates a URL for best-first ordering: deep paths and long query
// strings cost, documentation-like fragments pay, transactional fragments
// cost heavily.
func Score(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return -100
	}

	score := 0
	score -= Depth(rawURL) * 5
	score -= len(u.RawQuery) / 10

	lower := strings.ToLower(u.Path)
	for _, fragment := range valuablePathFragments {
		if strings.Contains(lower, fragment) {
			score += 20
			break
		}
	}
	for _, fragment := range lowValuePathFragments {
		if strings.Contains(lower, fragment) {
			score -= 40
			break
		}
	}
	return score
}

// OrderLinks arranges discovered links per the crawl strategy before
// enqueueing. BFS keeps discovery order (append-right), DFS reverses so
// deepest-first dispatch matches append-left queue semantics, best-first
// sorts by descending score with a stable tiebreak on discovery order.
func OrderLinks(links []string, strategy scrape.Strategy) []string {
	switch strategy {
	case scrape.StrategyDFS:
		out := make([]string, len(links))
		for i, link := range links {
			out[len(links)-1-i] = link
		}
		return out
	case scrape.StrategyBestFirst:
		out := append([]string(nil), links...)
		sort.SliceStable(out, func(i, j int) bool {
			return Score(out[i]) > Score(out[j])
		})
		return out
	default: // BFS
		return links
	}
}
