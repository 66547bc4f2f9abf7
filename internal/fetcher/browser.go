package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

const (
	domContentTimeout = 45 * time.Second
	loadTimeout       = 60 * time.Second
	navRetries        = 2
)

// stealthScript is evaluated on every new document before page scripts run:
// it hides the webdriver flag, overrides the WebGL fingerprint parameters,
// fakes a plugin entry, and stubs the notifications permission query to
// granted; other permission queries go to the original implementation.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => false });
Object.defineProperty(navigator, 'plugins', {
  get: () => [{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' }],
});
const getParameter = WebGLRenderingContext.prototype.getParameter;
WebGLRenderingContext.prototype.getParameter = function (parameter) {
  if (parameter === 37445) return 'Intel Inc.';
  if (parameter === 37446) return 'Intel Iris OpenGL Engine';
  return getParameter.call(this, parameter);
};
if (window.navigator.permissions) {
  const originalQuery = window.navigator.permissions.query;
  window.navigator.permissions.query = (parameters) =>
    parameters.name === 'notifications'
      ? Promise.resolve({ state: 'granted' })
      : originalQuery(parameters);
}
`

// adHostPatterns are request URL patterns aborted when ad blocking is on.
var adHostPatterns = []string{
	"*doubleclick.net*", "*googlesyndication.com*", "*googleadservices.com*",
	"*adservice.google.*", "*amazon-adsystem.com*", "*adnxs.com*",
	"*criteo.com*", "*taboola.com*", "*outbrain.com*", "*scorecardresearch.com*",
	"*facebook.com/tr*", "*hotjar.com*",
}

// trackingKeywordPatterns abort analytics and telemetry beacons.
var trackingKeywordPatterns = []string{
	"*tracking*", "*analytics*", "*telemetry*", "*pixel*", "*gtm.js*",
	"*beacon*", "*collect?*",
}

// heavyResourcePatterns abort heavyweight resource kinds when resource
// blocking is on. SVG is exempt: documentation sites depend on inline
// diagrams.
var heavyResourcePatterns = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.mp4", "*.webm",
	"*.avi", "*.mov", "*.mp3", "*.wav", "*.woff", "*.woff2", "*.ttf",
}

// BrowserFetcher drives a headless browser. One launcher is shared per
// worker process; each fetch opens a fresh browser context so cookies and
// storage never leak between pages.
type BrowserFetcher struct {
	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	agents      *UserAgentPool
	proxies     *ProxyPool
}

// NewBrowserFetcher starts the headless launcher. Failure here is surfaced
// so the service can fall back to the HTTP strategy.
func NewBrowserFetcher(agents *UserAgentPool, proxies *ProxyPool) (*BrowserFetcher, error) {
	f := &BrowserFetcher{agents: agents, proxies: proxies}
	if err := f.buildAllocator(); err != nil {
		return nil, err
	}

	// Probe the launcher once so a missing browser binary fails fast.
	probeCtx, probeCancel := chromedp.NewContext(f.allocCtx)
	defer probeCancel()
	probeCtx, timeoutCancel := context.WithTimeout(probeCtx, 20*time.Second)
	defer timeoutCancel()
	if err := chromedp.Run(probeCtx); err != nil {
		f.allocCancel()
		return nil, fmt.Errorf("launching headless browser: %w", err)
	}

	log.Info().Msg("Headless browser launcher ready")
	return f, nil
}

func (f *BrowserFetcher) buildAllocator() error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(f.agents.Current()),
	)
	if proxy := f.proxies.Current(); proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.URL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	f.allocCtx = allocCtx
	f.allocCancel = allocCancel
	return nil
}

// InvalidateContext tears down the launcher so the next fetch starts one
// with the pools' current identity. Called after rotation on rate limits.
func (f *BrowserFetcher) InvalidateContext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocCancel()
	if err := f.buildAllocator(); err != nil {
		log.Error().Err(err).Msg("Rebuilding browser allocator failed")
	}
}

// Fetch navigates to the URL in a fresh context and returns the rendered
// document, title, and discovered links.
func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string, opts scrape.ScrapeOptions) (*scrape.ScraperResponse, error) {
	start := time.Now()

	f.mu.Lock()
	allocCtx := f.allocCtx
	f.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	var setup []chromedp.Action
	if opts.StealthMode {
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}))
	}
	if blocked := blockedPatterns(opts); len(blocked) > 0 {
		setup = append(setup,
			network.Enable(),
			network.SetBlockedURLs(blocked),
		)
	}
	if opts.Viewport != nil {
		setup = append(setup, chromedp.EmulateViewport(
			int64(opts.Viewport.Width), int64(opts.Viewport.Height)))
	}
	if len(setup) > 0 {
		if err := chromedp.Run(tabCtx, setup...); err != nil {
			return nil, fmt.Errorf("preparing browser context: %w", err)
		}
	}

	if opts.StealthMode {
		if err := simulateMouse(tabCtx); err != nil {
			log.Debug().Err(err).Msg("Mouse simulation failed")
		}
	}

	if err := f.navigate(ctx, tabCtx, rawURL); err != nil {
		return nil, err
	}
	loadTime := elapsedMillis(start)

	if opts.WaitForSelector != "" {
		waitCtx, waitCancel := context.WithTimeout(tabCtx, waitTimeout(opts))
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(opts.WaitForSelector, chromedp.ByQuery))
		waitCancel()
		if err != nil {
			log.Debug().Err(err).Str("selector", opts.WaitForSelector).Msg("Selector wait timed out")
		}
	}

	for _, action := range opts.Actions {
		if err := runAction(tabCtx, action); err != nil {
			log.Debug().Err(err).Str("type", action.Type).Msg("Page action failed")
		}
	}

	if opts.MaxScrolls > 0 {
		smoothScroll(tabCtx, opts.MaxScrolls)
	}

	var htmlText, title string
	var links []string
	err := chromedp.Run(tabCtx,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &htmlText, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.querySelectorAll('a[href]'))
			.map(a => a.href)
			.filter(h => h && !h.startsWith('javascript:'))`, &links),
	)
	if err != nil {
		return nil, fmt.Errorf("extracting page content: %w", err)
	}

	return &scrape.ScraperResponse{
		URL:         rawURL,
		Title:       title,
		HTML:        htmlText,
		Content:     htmlText,
		ContentType: scrape.ContentTypeHTML,
		Links:       dedupe(links),
		Metadata: scrape.ResponseMetadata{
			Status:         200,
			LoadTime:       loadTime,
			ProcessingTime: elapsedMillis(start),
			UsedBrowser:    true,
		},
	}, nil
}

// navigate waits for DOM content with a 45 s budget, then retries twice
// escalating to the full load event with a 60 s budget.
func (f *BrowserFetcher) navigate(ctx, tabCtx context.Context, rawURL string) error {
	navCtx, cancel := context.WithTimeout(tabCtx, domContentTimeout)
	err := chromedp.Run(navCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	cancel()
	if err == nil {
		return nil
	}

	for attempt := 1; attempt <= navRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		log.Debug().
			Str("url", rawURL).
			Int("attempt", attempt).
			Msg("Navigation retry with load condition")

		navCtx, cancel := context.WithTimeout(tabCtx, loadTimeout)
		err = chromedp.Run(navCtx,
			chromedp.Navigate(rawURL),
			chromedp.ActionFunc(func(ctx context.Context) error {
				return waitForReadyState(ctx, "complete")
			}),
		)
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("navigating to %s: %w", rawURL, err)
}

// waitForReadyState polls document.readyState until it reaches the target.
func waitForReadyState(ctx context.Context, target string) error {
	for {
		var state string
		if err := chromedp.Evaluate("document.readyState", &state).Do(ctx); err != nil {
			return err
		}
		if state == target {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// simulateMouse issues 2-4 random mouse moves before navigation.
func simulateMouse(tabCtx context.Context) error {
	moves := 2 + rand.Intn(3)
	for i := 0; i < moves; i++ {
		x := float64(100 + rand.Intn(800))
		y := float64(100 + rand.Intn(500))
		err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
		}))
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)
	}
	return nil
}

// smoothScroll performs up to n eased scrolls with random pauses between
// 500 and 2000 ms, imitating a reading user.
func smoothScroll(tabCtx context.Context, n int) {
	for i := 0; i < n; i++ {
		err := chromedp.Run(tabCtx, chromedp.Evaluate(
			`window.scrollBy({ top: window.innerHeight * 0.8, behavior: 'smooth' })`, nil))
		if err != nil {
			return
		}
		pause := time.Duration(500+rand.Intn(1500)) * time.Millisecond
		select {
		case <-time.After(pause):
		case <-tabCtx.Done():
			return
		}
	}
}

// runAction executes one scripted page action.
func runAction(tabCtx context.Context, action scrape.PageAction) error {
	switch action.Type {
	case "click":
		return chromedp.Run(tabCtx, chromedp.Click(action.Selector, chromedp.ByQuery))
	case "type":
		return chromedp.Run(tabCtx, chromedp.SendKeys(action.Selector, action.Value, chromedp.ByQuery))
	case "wait":
		d, err := time.ParseDuration(action.Value)
		if err != nil {
			d = time.Second
		}
		return chromedp.Run(tabCtx, chromedp.Sleep(d))
	case "scroll":
		return chromedp.Run(tabCtx, chromedp.Evaluate(
			`window.scrollBy({ top: window.innerHeight, behavior: 'smooth' })`, nil))
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// blockedPatterns assembles the request-abort list per options.
func blockedPatterns(opts scrape.ScrapeOptions) []string {
	var patterns []string
	if opts.BlockAds {
		patterns = append(patterns, adHostPatterns...)
		patterns = append(patterns, trackingKeywordPatterns...)
	}
	if opts.BlockResources {
		patterns = append(patterns, heavyResourcePatterns...)
	}
	return patterns
}

func waitTimeout(opts scrape.ScrapeOptions) time.Duration {
	if opts.WaitForTimeout > 0 {
		return opts.WaitForTimeout
	}
	return 10 * time.Second
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Close shuts the launcher down.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocCancel()
	return nil
}
