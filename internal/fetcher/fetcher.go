// Package fetcher retrieves pages with one of two strategies, a headless
// browser or a plain HTTP client, behind a single contract. It owns the
// politeness rate limiter, identity rotation, retry-on-429, and the
// response cache.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/config"
	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts scrape.ScrapeOptions) (*scrape.ScraperResponse, error)
	Close() error
}

// Service is the engine-facing fetcher: it consults the cache, enforces
// politeness, dispatches to the browser or HTTP strategy, and handles
// rate-limit retries with identity rotation. The HTTP strategy doubles as
// the fallback when the browser launcher is unavailable.
type Service struct {
	browser *BrowserFetcher
	http    *HTTPFetcher
	limiter *PoliteLimiter
	agents  *UserAgentPool
	proxies *ProxyPool
	cache   *ResponseCache
}

// ServiceConfig assembles a fetcher service.
type ServiceConfig struct {
	Cache    config.CacheConfig
	Limiter  *LimiterConfig
	Proxies  []Proxy
	// DisableBrowser skips the browser launcher entirely; every fetch uses
	// the HTTP strategy.
	DisableBrowser bool
}

// NewService builds the fetcher service. A browser launch failure is
// logged and demoted to HTTP-only operation, not an error.
func NewService(cfg ServiceConfig) (*Service, error) {
	s := &Service{
		limiter: NewPoliteLimiter(cfg.Limiter),
		agents:  NewUserAgentPool(),
		proxies: NewProxyPool(cfg.Proxies),
	}
	s.http = NewHTTPFetcher(s.agents, s.proxies)

	if !cfg.DisableBrowser {
		browser, err := NewBrowserFetcher(s.agents, s.proxies)
		if err != nil {
			log.Warn().Err(err).Msg("Browser launcher unavailable, falling back to HTTP fetcher")
		} else {
			s.browser = browser
		}
	}

	if cfg.Cache.Enabled {
		cache, err := NewResponseCache(cfg.Cache.Directory, cfg.Cache.TTL)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Fetch retrieves a page per options. Permanent HTTP errors (status >= 400
// other than 429) return an empty-content response with the status
// recorded, not an error. Rate-limited failures (429 or a "too many
// requests" error) are retried here up to the options' retry budget; any
// other error is returned at once without a retry.
func (s *Service) Fetch(ctx context.Context, url string, opts scrape.ScrapeOptions) (*scrape.ScraperResponse, error) {
	var key string
	if s.cache != nil && !opts.SkipCache {
		key = s.cache.Key(url, opts)
		if cached := s.cache.Get(key); cached != nil {
			return cached, nil
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var resp *scrape.ScraperResponse
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return nil, werr
		}

		resp, err = s.dispatch(ctx, url, opts)

		status := 0
		if resp != nil {
			status = resp.Metadata.Status
		}
		if !IsRateLimited(status, err) {
			break
		}
		if attempt == maxRetries {
			return nil, fmt.Errorf("%w: %s after %d retries", ErrRateLimited, url, maxRetries)
		}

		s.rotateIdentity(opts)
		if berr := s.limiter.Backoff(ctx); berr != nil {
			return nil, berr
		}
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil && !opts.SkipCache && resp.Error == "" {
		if cerr := s.cache.Set(key, resp, opts.CacheTTL); cerr != nil {
			log.Warn().Err(cerr).Str("url", url).Msg("Caching response failed")
		}
	}
	return resp, nil
}

// dispatch picks the strategy for one attempt.
func (s *Service) dispatch(ctx context.Context, url string, opts scrape.ScrapeOptions) (*scrape.ScraperResponse, error) {
	if opts.UseBrowser && s.browser != nil {
		resp, err := s.browser.Fetch(ctx, url, opts)
		if err == nil || errors.Is(err, context.Canceled) {
			return resp, err
		}
		log.Warn().Err(err).Str("url", url).Msg("Browser fetch failed, falling back to HTTP")
	}
	return s.http.Fetch(ctx, url, opts)
}

// rotateIdentity advances the user-agent and proxy cursors and rebuilds the
// browser context so the next attempt presents a fresh identity.
func (s *Service) rotateIdentity(opts scrape.ScrapeOptions) {
	if opts.RotateUserAgent {
		agent := s.agents.Next()
		log.Debug().Str("user_agent", agent).Msg("Rotated user agent")
	}
	if opts.ProxyRotation && !s.proxies.Empty() {
		proxy := s.proxies.Next()
		log.Debug().Str("proxy", proxy.URL).Msg("Rotated proxy")
	}
	if s.browser != nil {
		s.browser.InvalidateContext()
	}
}

// UsingBrowser reports whether the browser strategy is available.
func (s *Service) UsingBrowser() bool { return s.browser != nil }

// Limiter exposes the politeness limiter for observability.
func (s *Service) Limiter() *PoliteLimiter { return s.limiter }

// Close releases the browser and any held resources.
func (s *Service) Close() error {
	if s.browser != nil {
		return s.browser.Close()
	}
	return nil
}

// elapsedMillis is a small helper for response timing metadata.
func elapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
