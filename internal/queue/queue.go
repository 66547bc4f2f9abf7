// Package queue implements the durable, Redis-backed job queue: FIFO with
// priority lanes, per-job retries with exponential backoff, distributed
// leases with renewal, bulk enqueue, and dynamic worker concurrency.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/store"
)

// ErrDuplicateJob is returned by Add when a caller-supplied job id is
// already present in the queue.
var ErrDuplicateJob = errors.New("duplicate job id")

// ErrJobNotFound is returned by Get for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusSuccess    JobStatus = "success"
	StatusFailed     JobStatus = "failed"
)

// Job is the durable record of one unit of work.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Status     JobStatus       `json:"status"`
	ReadyAt    time.Time       `json:"ready_at"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  string          `json:"last_error,omitempty"`

	RemoveOnComplete bool `json:"remove_on_complete"`
	RemoveOnFail     bool `json:"remove_on_fail"`
}

// JobOptions controls enqueue behavior for one job.
type JobOptions struct {
	// JobID, when set, deduplicates: a second Add with the same id is
	// rejected with ErrDuplicateJob. Derive it from a hash of name+data for
	// jobs whose data maps 1-to-1 to an identity.
	JobID            string
	Priority         int // lower dispatches sooner
	Delay            time.Duration
	MaxAttempts      int
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Handler processes one job and returns its result payload. A returned
// error schedules a retry until the attempt budget is exhausted.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// TerminalHook observes every job that reaches a terminal state.
type TerminalHook func(ctx context.Context, job *Job, success bool)

// Config tunes queue behavior.
type Config struct {
	Name          string        `json:"name"`
	LockDuration  time.Duration `json:"lock_duration"`
	LockRenewTime time.Duration `json:"lock_renew_time"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryCeiling  time.Duration `json:"retry_ceiling"`
	MaxAttempts   int           `json:"max_attempts"`
	PollInterval  time.Duration `json:"poll_interval"`
	MaxJobs       int           `json:"max_jobs"`
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:          "scrape",
		LockDuration:  60 * time.Second,
		LockRenewTime: 15 * time.Second,
		RetryBase:     5 * time.Second,
		RetryCeiling:  5 * time.Minute,
		MaxAttempts:   3,
		PollInterval:  250 * time.Millisecond,
		MaxJobs:       10000,
	}
}

// Queue is a durable FIFO over the KV store. Many worker processes may run
// against the same queue; leases keep each job on at most one worker at a
// time.
type Queue struct {
	kv     store.KV
	config *Config

	handler  Handler
	terminal TerminalHook
	pool     *workerPool
}

// New creates a queue on the KV adapter.
func New(kv store.KV, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	return &Queue{kv: kv, config: config}
}

func (q *Queue) jobKey(id string) string     { return "queue:" + q.config.Name + ":job:" + id }
func (q *Queue) lockKey(id string) string    { return "queue:" + q.config.Name + ":lock:" + id }
func (q *Queue) waitKey(prio int) string     { return "queue:" + q.config.Name + ":wait:" + strconv.Itoa(prio) }
func (q *Queue) prioritiesKey() string       { return "queue:" + q.config.Name + ":priorities" }
func (q *Queue) delayedKey() string          { return "queue:" + q.config.Name + ":delayed" }
func (q *Queue) activeKey() string           { return "queue:" + q.config.Name + ":active" }
func (q *Queue) completedKey() string        { return "queue:" + q.config.Name + ":completed" }
func (q *Queue) failedKey() string           { return "queue:" + q.config.Name + ":failed" }
func (q *Queue) pausedKey() string           { return "queue:" + q.config.Name + ":paused" }

// Add enqueues one job. The returned id is either opts.JobID or a fresh
// UUID.
func (q *Queue) Add(ctx context.Context, name string, data json.RawMessage, opts JobOptions) (string, error) {
	ids, err := q.AddBulk(ctx, []BulkItem{{Name: name, Data: data, Opts: opts}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BulkItem is one entry for AddBulk.
type BulkItem struct {
	Name string
	Data json.RawMessage
	Opts JobOptions
}

// AddBulk enqueues many jobs. Duplicate-id items are skipped (their returned
// id is the empty string); a single-item Add reports ErrDuplicateJob.
func (q *Queue) AddBulk(ctx context.Context, items []BulkItem) ([]string, error) {
	total, err := q.kv.SCard(ctx, q.activeKey())
	if err != nil {
		return nil, err
	}
	waiting, err := q.waitingCount(ctx)
	if err != nil {
		return nil, err
	}
	if q.config.MaxJobs > 0 && int(total+waiting)+len(items) > q.config.MaxJobs {
		return nil, fmt.Errorf("queue %s over capacity (%d jobs max)", q.config.Name, q.config.MaxJobs)
	}

	ids := make([]string, len(items))
	now := time.Now()
	for i, item := range items {
		id := item.Opts.JobID
		if id == "" {
			id = uuid.New().String()
		}
		maxAttempts := item.Opts.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.config.MaxAttempts
		}
		job := &Job{
			ID:               id,
			Name:             item.Name,
			Data:             item.Data,
			Priority:         item.Opts.Priority,
			MaxAttempts:      maxAttempts,
			Status:           StatusPending,
			ReadyAt:          now.Add(item.Opts.Delay),
			CreatedAt:        now,
			RemoveOnComplete: item.Opts.RemoveOnComplete,
			RemoveOnFail:     item.Opts.RemoveOnFail,
		}
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("marshaling job: %w", err)
		}

		// The job record itself is the dedup guard.
		created, err := q.kv.SetNX(ctx, q.jobKey(id), string(data), store.CrawlTTL)
		if err != nil {
			return nil, err
		}
		if !created {
			if len(items) == 1 {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
			}
			ids[i] = ""
			continue
		}

		if item.Opts.Delay > 0 {
			if err := q.kv.RPush(ctx, q.delayedKey(), id); err != nil {
				return nil, err
			}
		} else {
			if err := q.pushReady(ctx, job); err != nil {
				return nil, err
			}
		}
		ids[i] = id
	}
	return ids, nil
}

func (q *Queue) pushReady(ctx context.Context, job *Job) error {
	if err := q.kv.SAdd(ctx, q.prioritiesKey(), strconv.Itoa(job.Priority)); err != nil {
		return err
	}
	return q.kv.RPush(ctx, q.waitKey(job.Priority), job.ID)
}

// pushReadyFront re-enqueues at the head of the job's priority lane.
func (q *Queue) pushReadyFront(ctx context.Context, job *Job) error {
	if err := q.kv.SAdd(ctx, q.prioritiesKey(), strconv.Itoa(job.Priority)); err != nil {
		return err
	}
	return q.kv.LPush(ctx, q.waitKey(job.Priority), job.ID)
}

// Get loads a job record.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.kv.Get(ctx, q.jobKey(id))
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	return q.kv.Set(ctx, q.jobKey(job.ID), string(data), store.CrawlTTL)
}

// Pause halts dispatch without cancelling in-flight jobs.
func (q *Queue) Pause(ctx context.Context) error {
	return q.kv.Set(ctx, q.pausedKey(), "1", 0)
}

// Resume re-enables dispatch.
func (q *Queue) Resume(ctx context.Context) error {
	return q.kv.Del(ctx, q.pausedKey())
}

func (q *Queue) isPaused(ctx context.Context) bool {
	_, err := q.kv.Get(ctx, q.pausedKey())
	return err == nil
}

// Stats is a snapshot of queue depth by state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// GetStats returns current queue statistics.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	waiting, err := q.waitingCount(ctx)
	if err != nil {
		return nil, err
	}
	delayed, err := q.kv.LLen(ctx, q.delayedKey())
	if err != nil {
		return nil, err
	}
	active, err := q.kv.SCard(ctx, q.activeKey())
	if err != nil {
		return nil, err
	}
	completed, err := q.kv.LLen(ctx, q.completedKey())
	if err != nil {
		return nil, err
	}
	failed, err := q.kv.LLen(ctx, q.failedKey())
	if err != nil {
		return nil, err
	}
	return &Stats{
		Waiting:   waiting,
		Delayed:   delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}, nil
}

func (q *Queue) waitingCount(ctx context.Context) (int64, error) {
	prios, err := q.priorities(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, prio := range prios {
		n, err := q.kv.LLen(ctx, q.waitKey(prio))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) priorities(ctx context.Context) ([]int, error) {
	members, err := q.kv.SMembers(ctx, q.prioritiesKey())
	if err != nil {
		return nil, err
	}
	prios := make([]int, 0, len(members))
	for _, m := range members {
		p, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		prios = append(prios, p)
	}
	sort.Ints(prios)
	return prios, nil
}

// Clean removes terminal job records older than the given age from the
// completed and failed tails. Returns the number removed.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, key := range []string{q.completedKey(), q.failedKey()} {
		ids, err := q.kv.LRange(ctx, key, 0, -1)
		if err != nil {
			return removed, err
		}
		var keep []string
		for _, id := range ids {
			job, err := q.Get(ctx, id)
			if err != nil {
				continue // record expired already
			}
			if job.FinishedAt.Before(cutoff) {
				if err := q.kv.Del(ctx, q.jobKey(id)); err != nil {
					return removed, err
				}
				removed++
			} else {
				keep = append(keep, id)
			}
		}
		if err := q.kv.Del(ctx, key); err != nil {
			return removed, err
		}
		if len(keep) > 0 {
			if err := q.kv.RPush(ctx, key, keep...); err != nil {
				return removed, err
			}
		}
	}
	if removed > 0 {
		log.Info().Str("queue", q.config.Name).Int("removed", removed).Msg("Cleaned terminal jobs")
	}
	return removed, nil
}

// popReady atomically takes the next ready job id, lowest priority lane
// first. Returns ErrNotFound when nothing is ready.
func (q *Queue) popReady(ctx context.Context) (string, error) {
	prios, err := q.priorities(ctx)
	if err != nil {
		return "", err
	}
	for _, prio := range prios {
		id, err := q.kv.LPop(ctx, q.waitKey(prio))
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", store.ErrNotFound
}

// promoteDelayed moves delay-expired jobs onto their wait lanes.
func (q *Queue) promoteDelayed(ctx context.Context) {
	ids, err := q.kv.LRange(ctx, q.delayedKey(), 0, -1)
	if err != nil || len(ids) == 0 {
		return
	}
	now := time.Now()
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			q.removeFromDelayed(ctx, id)
			continue
		}
		if job.ReadyAt.After(now) {
			continue
		}
		q.removeFromDelayed(ctx, id)
		if err := q.pushReady(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("Promoting delayed job failed")
		}
	}
}

// removeFromDelayed deletes one id from the delayed list by rebuilding it.
func (q *Queue) removeFromDelayed(ctx context.Context, id string) {
	ids, err := q.kv.LRange(ctx, q.delayedKey(), 0, -1)
	if err != nil {
		return
	}
	var keep []string
	for _, existing := range ids {
		if existing != id {
			keep = append(keep, existing)
		}
	}
	if err := q.kv.Del(ctx, q.delayedKey()); err != nil {
		return
	}
	if len(keep) > 0 {
		if err := q.kv.RPush(ctx, q.delayedKey(), keep...); err != nil {
			log.Error().Err(err).Msg("Rebuilding delayed list failed")
		}
	}
}

// backoffDelay computes the retry delay for the given attempt count.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	delay := q.config.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.config.RetryCeiling {
			return q.config.RetryCeiling
		}
	}
	if delay > q.config.RetryCeiling {
		delay = q.config.RetryCeiling
	}
	return delay
}
