package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Caia-Tech/caia-crawl/internal/fetcher"
	"github.com/Caia-Tech/caia-crawl/internal/store"
	"github.com/Caia-Tech/caia-crawl/pkg/logging"
	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// Batch submission limits, validated synchronously.
const (
	batchMaxURLs        = 100
	batchMaxConcurrency = 10
	batchMinTimeout     = 10 * time.Second
)

// BatchOptions configures one ad-hoc batch.
type BatchOptions struct {
	Concurrency int                  `json:"concurrency"`
	Timeout     time.Duration        `json:"timeout"`
	Retries     int                  `json:"retries"`
	FailFast    bool                 `json:"fail_fast"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	Scrape      scrape.ScrapeOptions `json:"scrape_options"`
}

// BatchStatus values.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchCancelled = "cancelled"
)

// batchRecord is the persisted batch metadata.
type batchRecord struct {
	ID        string       `json:"id"`
	URLs      []string     `json:"urls"`
	Options   BatchOptions `json:"options"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// batchJobResult is one URL's terminal state under the batch's keys.
type batchJobResult struct {
	URL        string                 `json:"url"`
	Success    bool                   `json:"success"`
	Attempts   int                    `json:"attempts"`
	Error      string                 `json:"error,omitempty"`
	Response   *scrape.ScraperResponse `json:"response,omitempty"`
	FinishedAt time.Time              `json:"finished_at"`
}

// BatchOrchestrator runs bounded ad-hoc scrapes of fixed URL lists. It
// shares the engine's fetcher and stores all batch state under batch:{id}
// keys; the controller goroutine lives in the submitting process.
type BatchOrchestrator struct {
	kv      store.KV
	fetcher *fetcher.Service
}

// NewBatchOrchestrator creates a batch orchestrator on the shared KV store
// and fetcher.
func NewBatchOrchestrator(kv store.KV, fetchSvc *fetcher.Service) *BatchOrchestrator {
	return &BatchOrchestrator{kv: kv, fetcher: fetchSvc}
}

func batchKey(id string) string            { return "batch:" + id }
func batchResultKey(id, u string) string   { return "batch:" + id + ":result:" + u }
func batchResultsKey(id string) string     { return "batch:" + id + ":results" }

// Submit validates and launches a batch, returning its id. Validation
// failures are synchronous, user-facing errors.
func (b *BatchOrchestrator) Submit(ctx context.Context, urls []string, opts BatchOptions) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("batch requires at least one url")
	}
	if len(urls) > batchMaxURLs {
		return "", fmt.Errorf("batch exceeds %d urls", batchMaxURLs)
	}
	if opts.Concurrency < 1 || opts.Concurrency > batchMaxConcurrency {
		return "", fmt.Errorf("batch concurrency must be between 1 and %d", batchMaxConcurrency)
	}
	if opts.Timeout < batchMinTimeout {
		return "", fmt.Errorf("per-url timeout must be at least %s", batchMinTimeout)
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("invalid url %q", raw)
		}
	}

	id := uuid.New().String()
	record := &batchRecord{
		ID:        id,
		URLs:      urls,
		Options:   opts,
		Status:    BatchRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.saveRecord(ctx, record); err != nil {
		return "", err
	}

	go b.run(context.WithoutCancel(ctx), record)

	submitLogger := logging.GetLogger("batch")
	submitLogger.Info().
		Str("batch_id", id).
		Int("urls", len(urls)).
		Int("concurrency", opts.Concurrency).
		Msg("Batch submitted")
	return id, nil
}

// run is the controller: it dispatches up to Concurrency workers over the
// URL list and records each terminal state. Cancellation halts dispatch but
// never interrupts active fetches.
func (b *BatchOrchestrator) run(ctx context.Context, record *batchRecord) {
	logger := logging.GetLogger("batch").With().Str("batch_id", record.ID).Logger()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(record.Options.Concurrency)

	for _, rawURL := range record.URLs {
		rawURL := rawURL

		cancelled, err := b.isCancelled(ctx, record.ID)
		if err == nil && cancelled {
			logger.Info().Msg("Batch cancelled, halting dispatch")
			break
		}
		if record.Options.FailFast && groupCtx.Err() != nil {
			break
		}

		group.Go(func() error {
			result := b.fetchOne(ctx, record, rawURL)
			b.recordResult(ctx, record.ID, result)
			if record.Options.FailFast && !result.Success {
				return fmt.Errorf("batch job failed: %s", rawURL)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Warn().Err(err).Msg("Batch halted early")
	}

	b.finish(ctx, record)
}

// fetchOne runs one URL with the batch's timeout and retry budget. The
// per-fetch rate limiter and rotation apply exactly as in crawls.
func (b *BatchOrchestrator) fetchOne(ctx context.Context, record *batchRecord, rawURL string) *batchJobResult {
	result := &batchJobResult{URL: rawURL}
	opts := record.Options.Scrape
	opts.Timeout = record.Options.Timeout

	attempts := record.Options.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		fetchCtx, cancel := context.WithTimeout(ctx, record.Options.Timeout)
		resp, err := b.fetcher.Fetch(fetchCtx, rawURL, opts)
		cancel()

		if err == nil {
			result.Success = true
			result.Response = resp
			result.Error = ""
			break
		}
		result.Error = err.Error()
	}
	result.FinishedAt = time.Now().UTC()
	return result
}

func (b *BatchOrchestrator) recordResult(ctx context.Context, batchID string, result *batchJobResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := b.kv.Set(ctx, batchResultKey(batchID, result.URL), string(data), store.CrawlTTL); err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Str("url", result.URL).Msg("Recording batch result failed")
		return
	}
	if err := b.kv.RPush(ctx, batchResultsKey(batchID), result.URL); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("Recording batch result index failed")
	}
}

// finish marks the batch completed (unless cancelled) and fires the
// webhook.
func (b *BatchOrchestrator) finish(ctx context.Context, record *batchRecord) {
	current, err := b.getRecord(ctx, record.ID)
	if err != nil {
		return
	}
	if current.Status == BatchRunning {
		current.Status = BatchCompleted
		if err := b.saveRecord(ctx, current); err != nil {
			log.Error().Err(err).Str("batch_id", record.ID).Msg("Marking batch complete failed")
		}
	}

	status, err := b.GetStatus(ctx, record.ID)
	if err != nil {
		return
	}
	if record.Options.WebhookURL != "" {
		body, _ := json.Marshal(status)
		req, err := newWebhookRequest(ctx, record.Options.WebhookURL, body)
		if err != nil {
			log.Warn().Err(err).Str("batch_id", record.ID).Msg("Building batch webhook failed")
			return
		}
		if err := deliverWebhook(req); err != nil {
			log.Warn().Err(err).Str("batch_id", record.ID).Msg("Batch webhook delivery failed")
		}
	}
}

// Cancel flips the batch status; the controller observes it before each
// dispatch. Active fetches complete normally.
func (b *BatchOrchestrator) Cancel(ctx context.Context, batchID string) error {
	record, err := b.getRecord(ctx, batchID)
	if err != nil {
		return err
	}
	if record.Status != BatchRunning {
		return nil
	}
	record.Status = BatchCancelled
	return b.saveRecord(ctx, record)
}

// BatchProgress aggregates a batch's state for status queries.
type BatchProgress struct {
	BatchID   string            `json:"batch_id"`
	Status    string            `json:"status"`
	Total     int               `json:"total"`
	Done      int               `json:"done"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []*batchJobResult `json:"results,omitempty"`
}

// GetStatus returns aggregated batch progress.
func (b *BatchOrchestrator) GetStatus(ctx context.Context, batchID string) (*BatchProgress, error) {
	record, err := b.getRecord(ctx, batchID)
	if err != nil {
		return nil, err
	}
	doneURLs, err := b.kv.LRange(ctx, batchResultsKey(batchID), 0, -1)
	if err != nil {
		return nil, err
	}

	progress := &BatchProgress{
		BatchID: batchID,
		Status:  record.Status,
		Total:   len(record.URLs),
		Done:    len(doneURLs),
	}
	for _, u := range doneURLs {
		data, err := b.kv.Get(ctx, batchResultKey(batchID, u))
		if err != nil {
			continue
		}
		var result batchJobResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			continue
		}
		if result.Success {
			progress.Succeeded++
		} else {
			progress.Failed++
		}
		progress.Results = append(progress.Results, &result)
	}
	return progress, nil
}

func (b *BatchOrchestrator) isCancelled(ctx context.Context, batchID string) (bool, error) {
	record, err := b.getRecord(ctx, batchID)
	if err != nil {
		return false, err
	}
	return record.Status == BatchCancelled, nil
}

func (b *BatchOrchestrator) saveRecord(ctx context.Context, record *batchRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling batch record: %w", err)
	}
	return b.kv.Set(ctx, batchKey(record.ID), string(data), store.CrawlTTL)
}

func (b *BatchOrchestrator) getRecord(ctx context.Context, batchID string) (*batchRecord, error) {
	data, err := b.kv.Get(ctx, batchKey(batchID))
	if err != nil {
		return nil, err
	}
	var record batchRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decoding batch record: %w", err)
	}
	return &record, nil
}
