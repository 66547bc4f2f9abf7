package fetcher

import (
	"fmt"
	"net/url"
	"sync"
)

// chromeVersions seed the generated user-agent pool.
var chromeVersions = []string{
	"120.0.0.0", "121.0.0.0", "122.0.0.0", "123.0.0.0", "124.0.0.0",
}

var platforms = []string{
	"Windows NT 10.0; Win64; x64",
	"Macintosh; Intel Mac OS X 10_15_7",
	"X11; Linux x86_64",
	"Windows NT 10.0; WOW64",
	"Macintosh; Intel Mac OS X 13_5",
}

// UserAgentPool is a fixed ring of browser-like user agents with a
// round-robin cursor. Cursors are per worker process; no cross-worker
// coordination is needed.
type UserAgentPool struct {
	mu     sync.Mutex
	agents []string
	cursor int
}

// NewUserAgentPool generates the fixed pool of 10 user agents at startup.
func NewUserAgentPool() *UserAgentPool {
	agents := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		platform := platforms[i%len(platforms)]
		version := chromeVersions[(i+i/len(platforms))%len(chromeVersions)]
		agents = append(agents, fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
			platform, version))
	}
	return &UserAgentPool{agents: agents}
}

// Current returns the user agent at the cursor without advancing.
func (p *UserAgentPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[p.cursor%len(p.agents)]
}

// Next advances the cursor and returns the new user agent.
func (p *UserAgentPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = (p.cursor + 1) % len(p.agents)
	return p.agents[p.cursor]
}

// Size returns the pool size.
func (p *UserAgentPool) Size() int { return len(p.agents) }

// Proxy is one upstream proxy endpoint. HTTP and HTTPS schemes only.
type Proxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ProxyURL renders the proxy with embedded basic-auth credentials.
func (p Proxy) ProxyURL() (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// ProxyPool is a caller-supplied proxy ring with a round-robin cursor.
type ProxyPool struct {
	mu      sync.Mutex
	proxies []Proxy
	cursor  int
}

// NewProxyPool builds a pool from the caller's proxy list; entries that are
// not valid http/https URLs are dropped.
func NewProxyPool(proxies []Proxy) *ProxyPool {
	valid := make([]Proxy, 0, len(proxies))
	for _, proxy := range proxies {
		if _, err := proxy.ProxyURL(); err == nil {
			valid = append(valid, proxy)
		}
	}
	return &ProxyPool{proxies: valid}
}

// Empty reports whether the pool has no proxies.
func (p *ProxyPool) Empty() bool { return len(p.proxies) == 0 }

// Current returns the proxy at the cursor, or nil for an empty pool.
func (p *ProxyPool) Current() *Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil
	}
	proxy := p.proxies[p.cursor%len(p.proxies)]
	return &proxy
}

// Next advances the cursor and returns the new proxy, or nil for an empty
// pool.
func (p *ProxyPool) Next() *Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil
	}
	p.cursor = (p.cursor + 1) % len(p.proxies)
	proxy := p.proxies[p.cursor]
	return &proxy
}
