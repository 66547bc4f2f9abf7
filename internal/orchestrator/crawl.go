package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/crawler"
	"github.com/Caia-Tech/caia-crawl/internal/export"
	"github.com/Caia-Tech/caia-crawl/internal/extract"
	"github.com/Caia-Tech/caia-crawl/internal/fetcher"
	"github.com/Caia-Tech/caia-crawl/internal/processing"
	"github.com/Caia-Tech/caia-crawl/internal/queue"
	"github.com/Caia-Tech/caia-crawl/internal/store"
	"github.com/Caia-Tech/caia-crawl/pkg/logging"
	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// Job mode names dispatched through the queue.
const (
	JobKickoff = "kickoff"
	JobPage    = "page"
)

// defaultUserAgent identifies the engine to robots.txt. Fixed per engine
// instance.
const defaultUserAgent = "caia-crawl/1.0 (+https://github.com/Caia-Tech/caia-crawl)"

// jobPayload is the queue data for kickoff and page jobs.
type jobPayload struct {
	CrawlID string `json:"crawl_id"`
	URL     string `json:"url"`
}

// Orchestrator wires the store, queue, fetcher, transforms, and exporter
// into the crawl lifecycle. One Orchestrator runs per worker process; the
// shared state all instances coordinate through lives in the store.
type Orchestrator struct {
	crawls    *store.CrawlStore
	queue     *queue.Queue
	fetcher   *fetcher.Service
	cleaner   *processing.ContentCleaner
	markdown  *processing.MarkdownTransformer
	text      *processing.TextTransformer
	extractor extract.Extractor
	exporter  *export.Exporter
	events    *DiscoveryStream
	userAgent string
}

// New assembles an orchestrator. A nil extractor defaults to pass-through.
func New(crawls *store.CrawlStore, q *queue.Queue, fetchSvc *fetcher.Service, exporter *export.Exporter, extractor extract.Extractor) *Orchestrator {
	if extractor == nil {
		extractor = extract.NewNoopExtractor()
	}
	return &Orchestrator{
		crawls:    crawls,
		queue:     q,
		fetcher:   fetchSvc,
		cleaner:   processing.NewContentCleaner(),
		markdown:  processing.NewMarkdownTransformer(),
		text:      processing.NewTextTransformer(),
		extractor: extractor,
		exporter:  exporter,
		events:    NewDiscoveryStream(256),
		userAgent: defaultUserAgent,
	}
}

// Events exposes the discovery stream for observers.
func (o *Orchestrator) Events() *DiscoveryStream { return o.events }

// Register installs the orchestrator's handler and terminal hook on the
// queue with the given concurrency.
func (o *Orchestrator) Register(ctx context.Context, concurrency int) error {
	return o.queue.RegisterWorker(ctx, o.Handle, o.onTerminal, concurrency)
}

// StartCrawl creates the crawl record, fetches robots.txt, and enqueues the
// kickoff job. Returns the crawl id.
func (o *Orchestrator) StartCrawl(ctx context.Context, originURL string, crawlOpts scrape.CrawlOptions, scrapeOpts scrape.ScrapeOptions) (string, error) {
	normalized, err := crawler.Normalize(originURL)
	if err != nil {
		return "", fmt.Errorf("invalid origin url %q: %w", originURL, err)
	}
	if crawlOpts.Strategy == "" {
		crawlOpts.Strategy = scrape.StrategyBFS
	}

	id := uuid.New().String()
	record := &scrape.CrawlRecord{
		ID:            id,
		OriginURL:     normalized,
		CrawlOptions:  crawlOpts,
		ScrapeOptions: scrapeOpts,
		CreatedAt:     time.Now().UTC(),
	}

	if !crawlOpts.IgnoreRobots {
		robotsTxt, err := crawler.FetchRobotsTxt(ctx, normalized, o.userAgent, scrapeOpts.SkipTLSVerification)
		if err == nil {
			record.RobotsTxt = robotsTxt
		}
	}

	if err := o.crawls.SaveCrawl(ctx, record); err != nil {
		return "", err
	}

	payload, _ := json.Marshal(jobPayload{CrawlID: id, URL: normalized})
	jobID, err := o.queue.Add(ctx, JobKickoff, payload, queue.JobOptions{
		JobID:    dedupJobID(JobKickoff, id, normalized),
		Priority: 0,
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing kickoff: %w", err)
	}
	if err := o.crawls.AddJob(ctx, id, jobID); err != nil {
		return "", err
	}

	startLogger := logging.GetCrawlLogger(id)
	startLogger.Info().
		Str("origin", normalized).
		Str("strategy", string(crawlOpts.Strategy)).
		Msg("Crawl started")
	return id, nil
}

// Handle dispatches one queue job by mode.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var payload jobPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding job payload: %w", err)
	}

	switch job.Name {
	case JobKickoff:
		return o.handleKickoff(ctx, payload)
	case JobPage:
		return o.handlePage(ctx, job.ID, payload)
	default:
		return nil, fmt.Errorf("unknown job mode %q", job.Name)
	}
}

// handleKickoff performs discovery at the seed and fans out one page job
// per surviving link.
func (o *Orchestrator) handleKickoff(ctx context.Context, payload jobPayload) (json.RawMessage, error) {
	logger := logging.GetCrawlLogger(payload.CrawlID)

	record, err := o.crawls.GetCrawl(ctx, payload.CrawlID)
	if err != nil {
		return nil, fmt.Errorf("loading crawl record: %w", err)
	}
	if record.Cancelled {
		return json.Marshal(scrape.ScraperResponse{URL: payload.URL, Skipped: true})
	}

	policy, err := crawler.NewPolicy(record.OriginURL, record.CrawlOptions, record.RobotsTxt, o.userAgent)
	if err != nil {
		return nil, err
	}

	// The seed itself is claimed first so discovered variants of it dedup.
	if _, err := o.crawls.LockURL(ctx, record.ID, record.OriginURL); err != nil {
		return nil, err
	}

	var links []string
	var seedResp *scrape.ScraperResponse
	if record.CrawlOptions.UseBrowser && o.fetcher.UsingBrowser() {
		links, seedResp, err = o.browserDiscovery(ctx, record, policy)
	} else {
		seedResp, err = o.fetcher.Fetch(ctx, record.OriginURL, record.ScrapeOptions)
		if err == nil {
			links = seedResp.Links
			sitemapLinks, serr := crawler.FetchSitemap(ctx, record.OriginURL, o.userAgent)
			if serr == nil {
				links = append(links, sitemapLinks...)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("seed fetch: %w", err)
	}

	// Export the seed page itself.
	if err := o.processAndExport(ctx, record, dedupJobID(JobPage, record.ID, record.OriginURL), seedResp); err != nil {
		logger.Warn().Err(err).Msg("Exporting seed page failed")
	}

	survivors := policy.FilterLinks(links, func(u string) (bool, error) {
		return o.crawls.IsLocked(ctx, record.ID, u)
	})
	survivors = crawler.OrderLinks(survivors, record.CrawlOptions.Strategy)
	if limit := record.CrawlOptions.Limit; limit > 0 && len(survivors) > limit {
		survivors = survivors[:limit]
	}

	locked, err := o.crawls.LockURLs(ctx, record.ID, survivors)
	if err != nil {
		return nil, err
	}
	o.crawls.IncrStat(ctx, record.ID, "discovered", int64(len(locked)))

	items := make([]queue.BulkItem, 0, len(locked))
	for i, link := range locked {
		data, _ := json.Marshal(jobPayload{CrawlID: record.ID, URL: link})
		items = append(items, queue.BulkItem{
			Name: JobPage,
			Data: data,
			Opts: queue.JobOptions{
				JobID:    dedupJobID(JobPage, record.ID, link),
				Priority: pagePriority(record.CrawlOptions.Strategy, i),
			},
		})
	}
	jobIDs, err := o.queue.AddBulk(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("enqueueing page jobs: %w", err)
	}
	var added []string
	for _, jobID := range jobIDs {
		if jobID != "" {
			added = append(added, jobID)
		}
	}
	if err := o.crawls.AddJobs(ctx, record.ID, added); err != nil {
		return nil, err
	}

	logger.Info().
		Int("links_found", len(links)).
		Int("jobs_enqueued", len(added)).
		Msg("Kickoff fan-out complete")

	return json.Marshal(seedResp)
}

// handlePage fetches, transforms, and exports one URL. Cancelled crawls
// finish as no-op successes; the URL lock is taken when the job is enqueued,
// so it is not checked again here. Real failures propagate so the queue
// retries.
func (o *Orchestrator) handlePage(ctx context.Context, jobID string, payload jobPayload) (json.RawMessage, error) {
	record, err := o.crawls.GetCrawl(ctx, payload.CrawlID)
	if err != nil {
		return nil, fmt.Errorf("loading crawl record: %w", err)
	}
	if record.Cancelled {
		return json.Marshal(scrape.ScraperResponse{URL: payload.URL, Skipped: true})
	}

	resp, err := o.fetcher.Fetch(ctx, payload.URL, record.ScrapeOptions)
	if err != nil {
		return nil, err
	}

	if err := o.processAndExport(ctx, record, jobID, resp); err != nil {
		return nil, err
	}

	o.crawls.IncrStat(ctx, payload.CrawlID, "crawled", 1)
	o.events.Publish(scrape.DiscoveryEvent{
		Type: scrape.EventURLCrawled,
		URL:  payload.URL,
	})

	return json.Marshal(resp)
}

// processAndExport applies cleaning, format transform, and extraction, then
// writes the page file and ledger entry. Permanent-HTTP empty responses
// export nothing.
func (o *Orchestrator) processAndExport(ctx context.Context, record *scrape.CrawlRecord, jobID string, resp *scrape.ScraperResponse) error {
	if resp == nil || resp.Error != "" || resp.HTML == "" {
		return nil
	}

	cleaned, _, err := o.cleaner.Clean(resp)
	if err != nil {
		return fmt.Errorf("cleaning content: %w", err)
	}

	switch record.ScrapeOptions.ExtractorFormat {
	case scrape.ContentTypeMarkdown, "":
		cleaned, err = o.markdown.Transform(cleaned)
	case scrape.ContentTypeText:
		cleaned, err = o.text.Transform(cleaned)
	case scrape.ContentTypeHTML:
		// Cleaned HTML passes through.
	}
	if err != nil {
		return fmt.Errorf("transforming content: %w", err)
	}

	if record.ScrapeOptions.Extraction != nil {
		cleaned, err = o.extractor.Extract(ctx, cleaned, *record.ScrapeOptions.Extraction)
		if err != nil {
			return fmt.Errorf("schema extraction: %w", err)
		}
	}

	path, err := o.exporter.ExportPage(record.ID, jobID, cleaned)
	if err != nil {
		return err
	}
	return o.crawls.AddExportedFile(ctx, record.ID, path)
}

// onTerminal records job outcomes in the crawl state store. The worker that
// writes the finish marker runs the post-completion hooks.
func (o *Orchestrator) onTerminal(ctx context.Context, job *queue.Job, success bool) {
	var payload jobPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil || payload.CrawlID == "" {
		return
	}

	var result *scrape.ScraperResponse
	if len(job.Result) > 0 {
		var resp scrape.ScraperResponse
		if err := json.Unmarshal(job.Result, &resp); err == nil {
			result = &resp
		}
	}
	if !success {
		o.crawls.IncrStat(ctx, payload.CrawlID, "failed", 1)
	}

	finished, err := o.crawls.MarkDone(ctx, payload.CrawlID, job.ID, success, result)
	if err != nil {
		log.Error().Err(err).
			Str("crawl_id", payload.CrawlID).
			Str("job_id", job.ID).
			Msg("Recording job outcome failed")
		return
	}
	if finished {
		o.finalizeCrawl(ctx, payload.CrawlID)
	}
}

// finalizeCrawl runs once per crawl, on the worker that won the finish
// marker: consolidation exports plus the completion webhook.
func (o *Orchestrator) finalizeCrawl(ctx context.Context, crawlID string) {
	logger := logging.GetCrawlLogger(crawlID)

	record, err := o.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		logger.Error().Err(err).Msg("Loading record for finalization failed")
		return
	}
	files, err := o.crawls.GetExportedFiles(ctx, crawlID)
	if err != nil {
		logger.Error().Err(err).Msg("Loading export ledger failed")
		return
	}
	total, _, succeeded, failed, err := o.crawls.JobCounts(ctx, crawlID)
	if err != nil {
		logger.Error().Err(err).Msg("Loading job counts failed")
		return
	}

	summary := &export.Summary{
		CrawlID:     crawlID,
		OriginURL:   record.OriginURL,
		TotalJobs:   total,
		Succeeded:   succeeded,
		Failed:      failed,
		Files:       files,
		CompletedAt: time.Now().UTC(),
	}
	if _, err := o.exporter.ExportSummary(crawlID, summary); err != nil {
		logger.Error().Err(err).Msg("Exporting summary failed")
	}
	for _, format := range []scrape.ContentType{scrape.ContentTypeMarkdown, "json"} {
		if _, err := o.exporter.ExportConsolidated(crawlID, files, format); err != nil {
			logger.Error().Err(err).Str("format", string(format)).Msg("Consolidated export failed")
		}
	}

	if record.CrawlOptions.WebhookURL != "" {
		o.fireWebhook(ctx, record.CrawlOptions.WebhookURL, summary)
	}

	logger.Info().
		Int64("succeeded", succeeded).
		Int64("failed", failed).
		Int("files", len(files)).
		Msg("Crawl finalized")
}

// fireWebhook posts final counts to the caller's webhook. Failures are
// logged only.
func (o *Orchestrator) fireWebhook(ctx context.Context, url string, summary *export.Summary) {
	body, err := json.Marshal(summary)
	if err != nil {
		return
	}
	req, err := newWebhookRequest(ctx, url, body)
	if err != nil {
		log.Warn().Err(err).Str("webhook", url).Msg("Building webhook request failed")
		return
	}
	if err := deliverWebhook(req); err != nil {
		log.Warn().Err(err).Str("webhook", url).Msg("Webhook delivery failed")
	}
}

// browserDiscovery replaces the seed fetch with a bounded parallel BFS over
// rendered pages, emitting discovery events as the frontier grows.
func (o *Orchestrator) browserDiscovery(ctx context.Context, record *scrape.CrawlRecord, policy *crawler.Policy) ([]string, *scrape.ScraperResponse, error) {
	maxDepth := record.CrawlOptions.MaxDiscoveryDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}
	limit := record.CrawlOptions.Limit
	if limit <= 0 {
		limit = 100
	}

	type frontierEntry struct {
		url   string
		depth int
	}

	var mu sync.Mutex
	discovered := make(map[string]struct{})
	var ordered []string
	var seedResp *scrape.ScraperResponse

	frontier := []frontierEntry{{url: record.OriginURL, depth: 0}}
	visited := map[string]struct{}{record.OriginURL: {}}
	crawledCount := 0

	for len(frontier) > 0 && len(ordered) < limit {
		batch := frontier
		frontier = nil

		// Bounded parallel wave: at most 4 rendered fetches in flight.
		sem := make(chan struct{}, 4)
		var wg sync.WaitGroup
		for _, entry := range batch {
			if entry.depth > maxDepth {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(entry frontierEntry) {
				defer wg.Done()
				defer func() { <-sem }()

				resp, err := o.fetcher.Fetch(ctx, entry.url, record.ScrapeOptions)
				if err != nil {
					log.Debug().Err(err).Str("url", entry.url).Msg("Discovery fetch failed")
					return
				}

				mu.Lock()
				defer mu.Unlock()
				crawledCount++
				if entry.url == record.OriginURL {
					seedResp = resp
				}
				o.events.Publish(scrape.DiscoveryEvent{
					Type:         scrape.EventURLCrawled,
					URL:          entry.url,
					TotalCrawled: crawledCount,
				})

				accepted := policy.FilterLinks(resp.Links, func(u string) (bool, error) {
					_, seen := discovered[u]
					return seen, nil
				})
				var fresh []string
				for _, link := range accepted {
					if _, dup := discovered[link]; dup {
						continue
					}
					discovered[link] = struct{}{}
					ordered = append(ordered, link)
					fresh = append(fresh, link)
					if _, seen := visited[link]; !seen && entry.depth+1 <= maxDepth {
						visited[link] = struct{}{}
						frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
					}
				}
				if len(fresh) > 0 {
					o.events.Publish(scrape.DiscoveryEvent{
						Type:            scrape.EventURLDiscovered,
						URL:             entry.url,
						TotalDiscovered: len(ordered),
						NewURLs:         fresh,
					})
				}
			}(entry)
		}
		wg.Wait()
	}

	if seedResp == nil {
		return nil, nil, fmt.Errorf("browser discovery could not fetch seed %s", record.OriginURL)
	}
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, seedResp, nil
}

// dedupJobID derives the deduplicating job id from a hash of mode + data so
// re-discovered URLs map onto the same queue entry.
func dedupJobID(mode, crawlID, rawURL string) string {
	canon, err := crawler.CanonicalKey(rawURL)
	if err != nil {
		canon = rawURL
	}
	h := sha256.Sum256([]byte(mode + "|" + crawlID + "|" + canon))
	return hex.EncodeToString(h[:16])
}

// pagePriority orders best-first crawls through the queue's priority lanes;
// BFS and DFS ride a single lane in enqueue order.
func pagePriority(strategy scrape.Strategy, index int) int {
	if strategy == scrape.StrategyBestFirst {
		return index
	}
	return 10
}

// Cancel flips the crawl's cancelled flag. In-flight jobs finish normally;
// queued page jobs observe the flag and no-op.
func (o *Orchestrator) Cancel(ctx context.Context, crawlID string) error {
	return o.crawls.Cancel(ctx, crawlID)
}

// Status aggregates a crawl's current progress.
type Status struct {
	CrawlID   string          `json:"crawl_id"`
	OriginURL string          `json:"origin_url"`
	Cancelled bool            `json:"cancelled"`
	Finished  bool            `json:"finished"`
	Total     int64           `json:"total_jobs"`
	Pending   int64           `json:"pending"`
	Succeeded int64           `json:"succeeded"`
	Failed    int64           `json:"failed"`
	Progress  scrape.Progress `json:"progress"`
	Files     []string        `json:"files,omitempty"`
}

// GetStatus returns the crawl's aggregated progress.
func (o *Orchestrator) GetStatus(ctx context.Context, crawlID string) (*Status, error) {
	record, err := o.crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	total, pending, succeeded, failed, err := o.crawls.JobCounts(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	finished, err := o.crawls.HasFinishMarker(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	progress, err := o.crawls.GetProgress(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	files, err := o.crawls.GetExportedFiles(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	return &Status{
		CrawlID:   crawlID,
		OriginURL: record.OriginURL,
		Cancelled: record.Cancelled,
		Finished:  finished,
		Total:     total,
		Pending:   pending,
		Succeeded: succeeded,
		Failed:    failed,
		Progress:  *progress,
		Files:     files,
	}, nil
}
