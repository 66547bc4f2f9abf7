package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/temoto/robotstxt"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// excludedExtensions are file types never fetched as pages.
var excludedExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".rar": {}, ".7z": {}, ".iso": {}, ".dmg": {}, ".exe": {}, ".apk": {}, ".bin": {},
	".mp3": {}, ".wav": {}, ".ogg": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".flv": {}, ".webm": {}, ".mkv": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".svg": {}, ".webp": {}, ".ico": {}, ".tiff": {},
	".css": {}, ".js": {}, ".mjs": {}, ".json": {}, ".xml": {}, ".rss": {}, ".atom": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
}

// VisitedFunc reports whether a URL (or any member of its similar-URL
// class) has already been claimed for the crawl.
type VisitedFunc func(rawURL string) (bool, error)

// Policy applies the link filtering pipeline for one crawl.
type Policy struct {
	base      *url.URL
	basePath  string
	opts      scrape.CrawlOptions
	include   []*regexp.Regexp
	exclude   []*regexp.Regexp
	robots    *robotstxt.RobotsData
	userAgent string
}

// NewPolicy compiles a crawl's filtering rules. robotsTxt may be empty when
// robots.txt was unavailable or ignored.
func NewPolicy(seedURL string, opts scrape.CrawlOptions, robotsTxt, userAgent string) (*Policy, error) {
	normalized, err := Normalize(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", seedURL, err)
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", seedURL, err)
	}

	p := &Policy{
		base:      base,
		basePath:  base.Path,
		opts:      opts,
		userAgent: userAgent,
	}

	for _, pattern := range opts.IncludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		p.include = append(p.include, re)
	}
	for _, pattern := range opts.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		p.exclude = append(p.exclude, re)
	}

	if robotsTxt != "" && !opts.IgnoreRobots {
		robots, err := robotstxt.FromString(robotsTxt)
		if err == nil {
			p.robots = robots
		}
	}

	return p, nil
}

// Base returns the normalized seed URL the policy resolves against.
func (p *Policy) Base() *url.URL { return p.base }

// Allow runs the full filtering pipeline on one candidate link. It returns
// the resolved, normalized URL and true when the link survives every check.
// Policy denials are silent: rejected links are dropped, not errors.
func (p *Policy) Allow(rawLink string, visited VisitedFunc) (string, bool) {
	resolved, err := p.resolve(rawLink)
	if err != nil {
		return "", false
	}
	normalized, err := Normalize(resolved)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(normalized)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}

	if visited != nil {
		seen, err := visited(normalized)
		if err != nil || seen {
			return "", false
		}
	}

	if p.opts.MaxDepth > 0 && Depth(normalized) > p.opts.MaxDepth {
		return "", false
	}

	target := normalized
	if p.opts.MatchPathOnly {
		target = u.Path
	}
	for _, re := range p.exclude {
		if re.MatchString(target) {
			return "", false
		}
	}
	if len(p.include) > 0 {
		matched := false
		for _, re := range p.include {
			if re.MatchString(target) {
				matched = true
				break
			}
		}
		if !matched {
			return "", false
		}
	}

	if !p.hostAllowed(u.Host) {
		return "", false
	}

	if !p.opts.AllowBackward && sameHost(u.Host, p.base.Host) {
		if !strings.HasPrefix(u.Path, p.basePath) {
			return "", false
		}
	}

	if p.robots != nil {
		group := p.robots.FindGroup(p.userAgent)
		if group != nil && !group.Test(u.Path) {
			return "", false
		}
	}

	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
		if _, blocked := excludedExtensions[ext]; blocked {
			return "", false
		}
	}

	return normalized, true
}

// FilterLinks runs Allow over a candidate list, deduplicating survivors by
// canonical key.
func (p *Policy) FilterLinks(links []string, visited VisitedFunc) []string {
	seen := make(map[string]struct{}, len(links))
	var out []string
	for _, link := range links {
		normalized, ok := p.Allow(link, visited)
		if !ok {
			continue
		}
		canon, err := CanonicalKey(normalized)
		if err != nil {
			continue
		}
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// resolve interprets a link relative to the crawl base.
func (p *Policy) resolve(rawLink string) (string, error) {
	link := strings.TrimSpace(rawLink)
	if link == "" || strings.HasPrefix(link, "javascript:") ||
		strings.HasPrefix(link, "mailto:") || strings.HasPrefix(link, "tel:") ||
		strings.HasPrefix(link, "#") {
		return "", fmt.Errorf("non-navigable link")
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	return p.base.ResolveReference(ref).String(), nil
}

// hostAllowed applies the host/domain rule: same host always passes; same
// registrable domain passes when subdomains are allowed; anything passes
// when external hosts are allowed.
func (p *Policy) hostAllowed(host string) bool {
	if p.opts.AllowExternal {
		return true
	}
	if sameHost(host, p.base.Host) {
		return true
	}
	if p.opts.AllowSubdomains {
		return registrableDomain(host) == registrableDomain(p.base.Host)
	}
	return false
}

// sameHost compares hosts ignoring a leading www.
func sameHost(a, b string) bool {
	return strings.TrimPrefix(strings.ToLower(a), "www.") ==
		strings.TrimPrefix(strings.ToLower(b), "www.")
}

// registrableDomain approximates the registrable domain as the final two
// labels of the host.
func registrableDomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
