package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/crawler"
	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// CrawlTTL is the retention window for all per-crawl keys, refreshed on
// access.
const CrawlTTL = 24 * time.Hour

// lockValue is the write-once marker stored under URL lock keys.
const lockValue = "locked"

// CrawlStore persists crawl records, URL locks, job membership and results,
// and the completion marker. All state lives in the KV store so any worker
// observes the same view.
type CrawlStore struct {
	kv KV
}

// NewCrawlStore creates a crawl store on the given KV adapter.
func NewCrawlStore(kv KV) *CrawlStore {
	return &CrawlStore{kv: kv}
}

func crawlKey(id string) string         { return "crawl:" + id }
func urlLockKey(id, canon string) string { return "crawl:" + id + ":url:" + canon }
func jobsKey(id string) string          { return "crawl:" + id + ":jobs" }
func pendingKey(id string) string       { return "crawl:" + id + ":jobs:pending" }
func successKey(id string) string       { return "crawl:" + id + ":jobs:done:success" }
func failedKey(id string) string        { return "crawl:" + id + ":jobs:done:failed" }
func resultKey(id, jobID string) string { return "crawl:" + id + ":job:" + jobID + ":result" }
func finishKey(id string) string        { return "crawl:" + id + ":finish" }
func completedAtKey(id string) string   { return "crawl:" + id + ":completed_at" }
func exportedKey(id string) string      { return "crawl:" + id + ":exported_files" }
func statKey(id, name string) string    { return "crawl:" + id + ":stats:" + name }

// EventsChannel is the pub/sub channel carrying completion notifications
// for one crawl.
func EventsChannel(id string) string { return "crawl:" + id + ":events" }

// SaveCrawl persists a crawl record as JSON under crawl:{id}.
func (s *CrawlStore) SaveCrawl(ctx context.Context, record *scrape.CrawlRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling crawl record: %w", err)
	}
	if err := s.kv.Set(ctx, crawlKey(record.ID), string(data), CrawlTTL); err != nil {
		return fmt.Errorf("saving crawl %s: %w", record.ID, err)
	}
	return nil
}

// GetCrawl loads a crawl record and refreshes its TTL.
func (s *CrawlStore) GetCrawl(ctx context.Context, id string) (*scrape.CrawlRecord, error) {
	data, err := s.kv.Get(ctx, crawlKey(id))
	if err != nil {
		return nil, err
	}
	var record scrape.CrawlRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decoding crawl record %s: %w", id, err)
	}
	if err := s.kv.Expire(ctx, crawlKey(id), CrawlTTL); err != nil {
		log.Warn().Err(err).Str("crawl_id", id).Msg("Refreshing crawl TTL failed")
	}
	return &record, nil
}

// Cancel sets the cancelled flag on a crawl record. Cancelling after the
// finish marker is a no-op on crawl outcome; jobs already in flight run to
// completion.
func (s *CrawlStore) Cancel(ctx context.Context, id string) error {
	record, err := s.GetCrawl(ctx, id)
	if err != nil {
		return err
	}
	if record.Cancelled {
		return nil
	}
	record.Cancelled = true
	return s.SaveCrawl(ctx, record)
}

// AddJob records one job id in the crawl's jobs and pending sets.
func (s *CrawlStore) AddJob(ctx context.Context, crawlID, jobID string) error {
	return s.AddJobs(ctx, crawlID, []string{jobID})
}

// AddJobs records job ids in the crawl's jobs and pending sets and refreshes
// their TTLs.
func (s *CrawlStore) AddJobs(ctx context.Context, crawlID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	if err := s.kv.SAdd(ctx, jobsKey(crawlID), jobIDs...); err != nil {
		return fmt.Errorf("adding jobs to crawl %s: %w", crawlID, err)
	}
	if err := s.kv.SAdd(ctx, pendingKey(crawlID), jobIDs...); err != nil {
		return fmt.Errorf("adding pending jobs to crawl %s: %w", crawlID, err)
	}
	for _, key := range []string{jobsKey(crawlID), pendingKey(crawlID)} {
		if err := s.kv.Expire(ctx, key, CrawlTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Refreshing job set TTL failed")
		}
	}
	return nil
}

// LockURL claims a URL for the crawl via write-if-absent on the canonical
// form of its similar-URL class. Returns true iff this call newly locked it.
func (s *CrawlStore) LockURL(ctx context.Context, crawlID, rawURL string) (bool, error) {
	canon, err := crawler.CanonicalKey(rawURL)
	if err != nil {
		return false, fmt.Errorf("canonicalizing %q: %w", rawURL, err)
	}
	acquired, err := s.kv.SetNX(ctx, urlLockKey(crawlID, canon), lockValue, CrawlTTL)
	if err != nil {
		return false, fmt.Errorf("locking %q: %w", canon, err)
	}
	return acquired, nil
}

// LockURLs locks a batch of URLs in one pipelined round trip and returns the
// URLs that were newly locked, preserving input order. URLs that fail to
// parse are skipped.
func (s *CrawlStore) LockURLs(ctx context.Context, crawlID string, urls []string) ([]string, error) {
	keys := make([]string, 0, len(urls))
	valid := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		canon, err := crawler.CanonicalKey(u)
		if err != nil {
			continue
		}
		// Intra-batch duplicates collapse onto the first occurrence.
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		keys = append(keys, urlLockKey(crawlID, canon))
		valid = append(valid, u)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	acquired, err := s.kv.SetNXBatch(ctx, keys, lockValue, CrawlTTL)
	if err != nil {
		return nil, fmt.Errorf("batch locking %d urls: %w", len(keys), err)
	}

	locked := make([]string, 0, len(valid))
	for i, ok := range acquired {
		if ok {
			locked = append(locked, valid[i])
		}
	}
	return locked, nil
}

// IsLocked reports whether any member of the URL's similar-URL class holds a
// lock for this crawl.
func (s *CrawlStore) IsLocked(ctx context.Context, crawlID, rawURL string) (bool, error) {
	canon, err := crawler.CanonicalKey(rawURL)
	if err != nil {
		return false, err
	}
	_, err = s.kv.Get(ctx, urlLockKey(crawlID, canon))
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDone records a job's terminal state, stores its result, and removes it
// from the pending set. If the crawl's completion predicate now holds, the
// first caller to observe it writes the finish marker (write-if-absent) and
// returns finished=true so it can run post-completion hooks exactly once.
func (s *CrawlStore) MarkDone(ctx context.Context, crawlID, jobID string, success bool, result *scrape.ScraperResponse) (finished bool, err error) {
	doneKey := successKey(crawlID)
	if !success {
		doneKey = failedKey(crawlID)
	}
	if err := s.kv.SAdd(ctx, doneKey, jobID); err != nil {
		return false, fmt.Errorf("marking job %s done: %w", jobID, err)
	}
	if err := s.kv.Expire(ctx, doneKey, CrawlTTL); err != nil {
		log.Warn().Err(err).Str("key", doneKey).Msg("Refreshing done set TTL failed")
	}

	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			return false, fmt.Errorf("marshaling job result: %w", merr)
		}
		if err := s.kv.Set(ctx, resultKey(crawlID, jobID), string(data), CrawlTTL); err != nil {
			return false, fmt.Errorf("storing job result: %w", err)
		}
	}

	if err := s.kv.SRem(ctx, pendingKey(crawlID), jobID); err != nil {
		return false, fmt.Errorf("removing pending job %s: %w", jobID, err)
	}

	pending, err := s.kv.SCard(ctx, pendingKey(crawlID))
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}

	done, err := s.IsFinished(ctx, crawlID)
	if err != nil || !done {
		return false, err
	}

	// First observer of the equality wins the completion marker.
	won, err := s.kv.SetNX(ctx, finishKey(crawlID), "1", CrawlTTL)
	if err != nil {
		return false, fmt.Errorf("writing finish marker: %w", err)
	}
	if !won {
		return false, nil
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.kv.Set(ctx, completedAtKey(crawlID), now, CrawlTTL); err != nil {
		log.Error().Err(err).Str("crawl_id", crawlID).Msg("Recording completed_at failed")
	}
	if err := s.kv.Publish(ctx, EventsChannel(crawlID), "finished"); err != nil {
		log.Warn().Err(err).Str("crawl_id", crawlID).Msg("Publishing completion failed")
	}

	log.Info().Str("crawl_id", crawlID).Msg("Crawl completed")
	return true, nil
}

// IsFinished reports whether every job has reached a terminal state:
// |done:success| + |done:failed| = |jobs| and |jobs| > 0.
func (s *CrawlStore) IsFinished(ctx context.Context, crawlID string) (bool, error) {
	total, err := s.kv.SCard(ctx, jobsKey(crawlID))
	if err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	succeeded, err := s.kv.SCard(ctx, successKey(crawlID))
	if err != nil {
		return false, err
	}
	failed, err := s.kv.SCard(ctx, failedKey(crawlID))
	if err != nil {
		return false, err
	}
	return succeeded+failed == total, nil
}

// HasFinishMarker reports whether the monotonic finish marker is set.
func (s *CrawlStore) HasFinishMarker(ctx context.Context, crawlID string) (bool, error) {
	_, err := s.kv.Get(ctx, finishKey(crawlID))
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetJobResult loads a stored job result.
func (s *CrawlStore) GetJobResult(ctx context.Context, crawlID, jobID string) (*scrape.ScraperResponse, error) {
	data, err := s.kv.Get(ctx, resultKey(crawlID, jobID))
	if err != nil {
		return nil, err
	}
	var resp scrape.ScraperResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("decoding job result: %w", err)
	}
	return &resp, nil
}

// AddExportedFile appends a file path to the crawl's insertion-ordered
// export ledger.
func (s *CrawlStore) AddExportedFile(ctx context.Context, crawlID, path string) error {
	if err := s.kv.RPush(ctx, exportedKey(crawlID), path); err != nil {
		return fmt.Errorf("recording exported file: %w", err)
	}
	if err := s.kv.Expire(ctx, exportedKey(crawlID), CrawlTTL); err != nil {
		log.Warn().Err(err).Str("crawl_id", crawlID).Msg("Refreshing export ledger TTL failed")
	}
	return nil
}

// GetExportedFiles returns the export ledger in insertion order.
func (s *CrawlStore) GetExportedFiles(ctx context.Context, crawlID string) ([]string, error) {
	return s.kv.LRange(ctx, exportedKey(crawlID), 0, -1)
}

// IncrStat bumps a progress counter (discovered, crawled, failed).
func (s *CrawlStore) IncrStat(ctx context.Context, crawlID, name string, delta int64) {
	if _, err := s.kv.IncrBy(ctx, statKey(crawlID, name), delta); err != nil {
		log.Warn().Err(err).Str("crawl_id", crawlID).Str("stat", name).Msg("Incrementing stat failed")
		return
	}
	if err := s.kv.Expire(ctx, statKey(crawlID, name), CrawlTTL); err != nil {
		log.Warn().Err(err).Str("crawl_id", crawlID).Str("stat", name).Msg("Refreshing stat TTL failed")
	}
}

// GetProgress returns the crawl's counter snapshot.
func (s *CrawlStore) GetProgress(ctx context.Context, crawlID string) (*scrape.Progress, error) {
	progress := &scrape.Progress{}
	for _, pair := range []struct {
		name string
		dst  *int64
	}{
		{"discovered", &progress.Discovered},
		{"crawled", &progress.Crawled},
		{"failed", &progress.Failed},
	} {
		val, err := s.kv.Get(ctx, statKey(crawlID, pair.name))
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding stat %s: %w", pair.name, err)
		}
		*pair.dst = n
	}
	return progress, nil
}

// JobCounts returns the sizes of the crawl's membership sets.
func (s *CrawlStore) JobCounts(ctx context.Context, crawlID string) (total, pending, succeeded, failed int64, err error) {
	if total, err = s.kv.SCard(ctx, jobsKey(crawlID)); err != nil {
		return
	}
	if pending, err = s.kv.SCard(ctx, pendingKey(crawlID)); err != nil {
		return
	}
	if succeeded, err = s.kv.SCard(ctx, successKey(crawlID)); err != nil {
		return
	}
	failed, err = s.kv.SCard(ctx, failedKey(crawlID))
	return
}
