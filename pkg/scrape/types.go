// Package scrape defines the shared domain types for the crawl engine:
// crawl records, scrape options, and the response shape produced by fetchers.
package scrape

import (
	"encoding/json"
	"time"
)

// Strategy selects the frontier ordering for a crawl
type Strategy string

const (
	StrategyBFS       Strategy = "bfs"
	StrategyDFS       Strategy = "dfs"
	StrategyBestFirst Strategy = "best-first"
)

// ContentType identifies the transform applied to fetched content
type ContentType string

const (
	ContentTypeHTML     ContentType = "html"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// CrawlOptions controls discovery and filtering for one crawl
type CrawlOptions struct {
	IncludePatterns   []string `json:"include_patterns,omitempty"`
	ExcludePatterns   []string `json:"exclude_patterns,omitempty"`
	MatchPathOnly     bool     `json:"match_path_only,omitempty"`
	MaxDepth          int      `json:"max_depth"`
	Limit             int      `json:"limit"`
	AllowSubdomains   bool     `json:"allow_subdomains"`
	AllowBackward     bool     `json:"allow_backward"`
	AllowExternal     bool     `json:"allow_external"`
	IgnoreRobots      bool     `json:"ignore_robots"`
	Strategy          Strategy `json:"strategy"`
	UseBrowser        bool     `json:"use_browser"`
	MaxDiscoveryDepth int      `json:"max_discovery_depth,omitempty"`
	WebhookURL        string   `json:"webhook_url,omitempty"`
}

// Viewport is the browser window size for browser fetches
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PageAction is a scripted interaction executed after navigation
type PageAction struct {
	Type     string `json:"type"` // click, type, wait, scroll
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// ScrapeOptions controls a single page fetch and transform
type ScrapeOptions struct {
	Timeout             time.Duration `json:"timeout,omitempty"`
	UserAgent           string        `json:"user_agent,omitempty"`
	Viewport            *Viewport     `json:"viewport,omitempty"`
	WaitForSelector     string        `json:"wait_for_selector,omitempty"`
	WaitForTimeout      time.Duration `json:"wait_for_timeout,omitempty"`
	Actions             []PageAction  `json:"actions,omitempty"`
	BlockAds            bool          `json:"block_ads"`
	BlockResources      bool          `json:"block_resources"`
	StealthMode         bool          `json:"stealth_mode"`
	MaxScrolls          int           `json:"max_scrolls,omitempty"`
	UseBrowser          bool          `json:"use_browser"`
	SkipTLSVerification bool          `json:"skip_tls_verification"`
	ExtractorFormat     ContentType   `json:"extractor_format,omitempty"`
	SkipCache           bool          `json:"skip_cache"`
	CacheTTL            time.Duration `json:"cache_ttl,omitempty"`
	MinDelay            time.Duration `json:"min_delay,omitempty"`
	MaxDelay            time.Duration `json:"max_delay,omitempty"`
	MaxRetries          int           `json:"max_retries,omitempty"`
	BackoffFactor       float64       `json:"backoff_factor,omitempty"`
	RotateUserAgent     bool          `json:"rotate_user_agent"`
	Proxy               string        `json:"proxy,omitempty"`
	ProxyUsername       string        `json:"proxy_username,omitempty"`
	ProxyPassword       string        `json:"proxy_password,omitempty"`
	ProxyRotation       bool          `json:"proxy_rotation"`
	ProxyList           []string      `json:"proxy_list,omitempty"`
	Extraction          *ExtractionOptions `json:"extraction,omitempty"`
}

// ExtractionOptions requests schema-guided extraction on fetched content
type ExtractionOptions struct {
	Schema json.RawMessage `json:"schema"`
	Prompt string          `json:"prompt,omitempty"`
}

// CrawlRecord is the persisted state of one crawl
type CrawlRecord struct {
	ID            string        `json:"id"`
	OriginURL     string        `json:"origin_url"`
	CrawlOptions  CrawlOptions  `json:"crawl_options"`
	ScrapeOptions ScrapeOptions `json:"scrape_options"`
	CreatedAt     time.Time     `json:"created_at"`
	RobotsTxt     string        `json:"robots_txt,omitempty"`
	Cancelled     bool          `json:"cancelled"`
}

// ResponseMetadata carries fetch timing and transport details
type ResponseMetadata struct {
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers,omitempty"`
	LoadTime       int64             `json:"load_time_ms"`
	ProcessingTime int64             `json:"processing_time_ms"`
	UsedBrowser    bool              `json:"used_browser"`
}

// ScraperResponse is the result of fetching and transforming one page
type ScraperResponse struct {
	URL         string           `json:"url"`
	Title       string           `json:"title,omitempty"`
	HTML        string           `json:"html,omitempty"`
	Content     string           `json:"content"`
	ContentType ContentType      `json:"content_type"`
	Links       []string         `json:"links,omitempty"`
	Metadata    ResponseMetadata `json:"metadata"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Skipped     bool             `json:"skipped,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Progress is the per-crawl counter snapshot
type Progress struct {
	Discovered int64 `json:"discovered"`
	Crawled    int64 `json:"crawled"`
	Failed     int64 `json:"failed"`
}

// EventType identifies a discovery stream event
type EventType string

const (
	EventURLDiscovered EventType = "url-discovered"
	EventURLCrawled    EventType = "url-crawled"
)

// DiscoveryEvent is emitted by browser-based discovery for observers
type DiscoveryEvent struct {
	Type            EventType `json:"type"`
	URL             string    `json:"url"`
	TotalDiscovered int       `json:"total_discovered,omitempty"`
	TotalCrawled    int       `json:"total_crawled,omitempty"`
	NewURLs         []string  `json:"new_urls,omitempty"`
}
