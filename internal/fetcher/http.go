package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

const (
	httpTimeout   = 30 * time.Second
	maxRedirects  = 5
	maxBodyBytes  = 20 * 1024 * 1024
)

// HTTPFetcher is the plain-request strategy: browser-like headers, bounded
// redirects, no cookie persistence. It serves as the fallback when the
// browser launcher fails and as the primary strategy for static pages.
type HTTPFetcher struct {
	agents  *UserAgentPool
	proxies *ProxyPool
}

// NewHTTPFetcher creates the HTTP strategy sharing the engine's rotation
// pools.
func NewHTTPFetcher(agents *UserAgentPool, proxies *ProxyPool) *HTTPFetcher {
	return &HTTPFetcher{agents: agents, proxies: proxies}
}

// Fetch retrieves one URL. Status >= 400 (other than 429, which the service
// retries) yields an empty-content response with the status recorded.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts scrape.ScrapeOptions) (*scrape.ScraperResponse, error) {
	start := time.Now()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = httpTimeout
	}

	transport := &http.Transport{}
	if opts.SkipTLSVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if proxy := f.selectProxy(opts); proxy != nil {
		proxyURL, err := proxy.ProxyURL()
		if err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	f.setHeaders(req, opts)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	loadTime := elapsedMillis(start)
	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	out := &scrape.ScraperResponse{
		URL:         rawURL,
		ContentType: scrape.ContentTypeHTML,
		Metadata: scrape.ResponseMetadata{
			Status:      resp.StatusCode,
			Headers:     headers,
			LoadTime:    loadTime,
			UsedBrowser: false,
		},
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return out, nil // service-level retry observes the status
	}
	if resp.StatusCode >= 400 {
		// Permanent HTTP error: successful outcome with no content or links.
		out.Error = fmt.Sprintf("http status %d", resp.StatusCode)
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "html") || contentType == "" {
		htmlText := string(body)
		out.HTML = htmlText
		out.Content = htmlText
		out.Title = extractTitle(htmlText)
		out.Links = extractLinks(htmlText, resp.Request.URL)
	} else {
		out.Content = string(body)
		out.ContentType = scrape.ContentTypeText
	}

	out.Metadata.ProcessingTime = elapsedMillis(start)
	return out, nil
}

func (f *HTTPFetcher) selectProxy(opts scrape.ScrapeOptions) *Proxy {
	if opts.Proxy != "" {
		return &Proxy{URL: opts.Proxy, Username: opts.ProxyUsername, Password: opts.ProxyPassword}
	}
	if opts.ProxyRotation && !f.proxies.Empty() {
		return f.proxies.Current()
	}
	return nil
}

// setHeaders applies browser-like default headers.
func (f *HTTPFetcher) setHeaders(req *http.Request, opts scrape.ScrapeOptions) {
	agent := opts.UserAgent
	if agent == "" {
		agent = f.agents.Current()
	}
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
}

// Close is a no-op for the HTTP strategy.
func (f *HTTPFetcher) Close() error { return nil }

// extractTitle pulls the first <title> text from an HTML document.
func extractTitle(htmlText string) string {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// extractLinks collects absolute <a href> targets, dropping empty and
// javascript: links.
func extractLinks(htmlText string, base *url.URL) []string {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "javascript:") {
					continue
				}
				ref, err := url.Parse(href)
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref).String()
				if _, dup := seen[abs]; !dup {
					seen[abs] = struct{}{}
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}
