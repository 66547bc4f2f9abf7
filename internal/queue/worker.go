package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/store"
)

// workerPool runs handler goroutines against the queue. One pool per
// process; multiple processes may point at the same queue.
type workerPool struct {
	queue       *Queue
	workerID    string
	concurrency atomic.Int64
	active      atomic.Int64
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// RegisterWorker installs the handler and terminal hook and starts the
// dispatch loop with the given concurrency. Call Stop to drain.
func (q *Queue) RegisterWorker(ctx context.Context, handler Handler, terminal TerminalHook, concurrency int) error {
	if q.pool != nil {
		return fmt.Errorf("worker already registered for queue %s", q.config.Name)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	q.handler = handler
	q.terminal = terminal

	poolCtx, cancel := context.WithCancel(ctx)
	pool := &workerPool{
		queue:    q,
		workerID: "worker-" + uuid.New().String()[:8],
		cancel:   cancel,
	}
	pool.concurrency.Store(int64(concurrency))
	q.pool = pool

	pool.wg.Add(2)
	go pool.dispatchLoop(poolCtx)
	go pool.janitorLoop(poolCtx)

	log.Info().
		Str("queue", q.config.Name).
		Str("worker_id", pool.workerID).
		Int("concurrency", concurrency).
		Msg("Queue worker registered")
	return nil
}

// Stop cancels dispatch and waits for in-flight handlers to finish.
func (q *Queue) Stop() {
	if q.pool == nil {
		return
	}
	q.pool.cancel()
	q.pool.wg.Wait()
	q.pool = nil
}

// Concurrency returns the pool's current handler limit.
func (q *Queue) Concurrency() int {
	if q.pool == nil {
		return 0
	}
	return int(q.pool.concurrency.Load())
}

// SetConcurrency adjusts the handler limit; in-flight handlers above the new
// limit finish normally.
func (q *Queue) SetConcurrency(n int) {
	if q.pool == nil || n < 1 {
		return
	}
	q.pool.concurrency.Store(int64(n))
	log.Info().Str("queue", q.config.Name).Int("concurrency", n).Msg("Queue concurrency updated")
}

// dispatchLoop leases ready jobs and hands them to handler goroutines.
func (p *workerPool) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	q := p.queue

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		q.promoteDelayed(ctx)

		if q.isPaused(ctx) {
			continue
		}

		for p.active.Load() < p.concurrency.Load() {
			id, err := q.popReady(ctx)
			if store.IsNotFound(err) {
				break
			}
			if err != nil {
				log.Error().Err(err).Str("queue", q.config.Name).Msg("Popping ready job failed")
				break
			}
			p.lease(ctx, id)
		}
	}
}

// lease claims the job and starts processing it. A job popped from a wait
// lane is normally unleased; a still-held lock means another worker got it
// through crash recovery, so it is skipped.
func (p *workerPool) lease(ctx context.Context, id string) {
	q := p.queue
	acquired, err := q.kv.SetNX(ctx, q.lockKey(id), p.workerID, q.config.LockDuration)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Acquiring lease failed")
		return
	}
	if !acquired {
		return
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		// Record expired under us; release the lease.
		if derr := q.kv.Del(ctx, q.lockKey(id)); derr != nil {
			log.Warn().Err(derr).Str("job_id", id).Msg("Releasing orphan lease failed")
		}
		return
	}

	job.Status = StatusProcessing
	job.StartedAt = time.Now()
	job.Attempts++
	if err := q.saveJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Saving processing state failed")
	}
	if err := q.kv.SAdd(ctx, q.activeKey(), id); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Tracking active job failed")
	}

	p.active.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		p.process(ctx, job)
	}()
}

// process runs the handler under a renewed lease and records the outcome.
func (p *workerPool) process(ctx context.Context, job *Job) {
	q := p.queue

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	// Lease renewal companion: extends every LockRenewTime, or every 80% of
	// LockDuration when that is shorter or LockRenewTime is unset, and
	// terminates on every exit path via cancelJob.
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		interval := q.config.LockDuration * 8 / 10
		if q.config.LockRenewTime > 0 && q.config.LockRenewTime < interval {
			interval = q.config.LockRenewTime
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				owner, err := q.kv.Get(jobCtx, q.lockKey(job.ID))
				if err != nil || owner != p.workerID {
					// Lease lost; abort the handler.
					cancelJob()
					return
				}
				if err := q.kv.Expire(jobCtx, q.lockKey(job.ID), q.config.LockDuration); err != nil {
					log.Warn().Err(err).Str("job_id", job.ID).Msg("Extending lease failed")
				}
			}
		}
	}()

	result, handlerErr := q.handler(jobCtx, job)
	cancelJob()
	<-renewDone

	if handlerErr != nil {
		p.handleFailure(ctx, job, handlerErr)
	} else {
		p.handleSuccess(ctx, job, result)
	}

	if err := q.kv.SRem(ctx, q.activeKey(), job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Untracking active job failed")
	}
	if err := q.kv.Del(ctx, q.lockKey(job.ID)); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Releasing lease failed")
	}
}

func (p *workerPool) handleSuccess(ctx context.Context, job *Job, result []byte) {
	q := p.queue
	job.Status = StatusSuccess
	job.FinishedAt = time.Now()
	job.Result = result
	job.LastError = ""

	if job.RemoveOnComplete {
		if err := q.kv.Del(ctx, q.jobKey(job.ID)); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Removing completed job failed")
		}
	} else {
		if err := q.saveJob(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Saving completed job failed")
		}
		if err := q.kv.RPush(ctx, q.completedKey(), job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Recording completed job failed")
		}
	}

	log.Debug().
		Str("queue", q.config.Name).
		Str("job_id", job.ID).
		Str("name", job.Name).
		Int("attempts", job.Attempts).
		Msg("Job succeeded")

	if q.terminal != nil {
		q.terminal(ctx, job, true)
	}
}

func (p *workerPool) handleFailure(ctx context.Context, job *Job, handlerErr error) {
	q := p.queue
	job.LastError = handlerErr.Error()

	if job.Attempts < job.MaxAttempts {
		delay := q.backoffDelay(job.Attempts)
		job.Status = StatusPending
		job.ReadyAt = time.Now().Add(delay)
		if err := q.saveJob(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Saving retry state failed")
			return
		}
		if err := q.kv.RPush(ctx, q.delayedKey(), job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Scheduling retry failed")
			return
		}
		log.Warn().
			Str("queue", q.config.Name).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("retry_in", delay).
			Err(handlerErr).
			Msg("Job failed, retrying")
		return
	}

	job.Status = StatusFailed
	job.FinishedAt = time.Now()
	if job.RemoveOnFail {
		if err := q.kv.Del(ctx, q.jobKey(job.ID)); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Removing failed job failed")
		}
	} else {
		if err := q.saveJob(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Saving failed job failed")
		}
		if err := q.kv.RPush(ctx, q.failedKey(), job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Recording failed job failed")
		}
	}

	log.Error().
		Str("queue", q.config.Name).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Err(handlerErr).
		Msg("Job failed permanently")

	if q.terminal != nil {
		q.terminal(ctx, job, false)
	}
}

// janitorLoop reclaims jobs whose worker crashed: an id in the active set
// with no live lease lost its worker, so the crash counts as an attempt and
// the job is retried or failed.
func (p *workerPool) janitorLoop(ctx context.Context) {
	defer p.wg.Done()
	q := p.queue

	ticker := time.NewTicker(q.config.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := q.kv.SMembers(ctx, q.activeKey())
		if err != nil {
			continue
		}
		for _, id := range ids {
			if _, err := q.kv.Get(ctx, q.lockKey(id)); err == nil {
				continue // lease still held
			}
			job, err := q.Get(ctx, id)
			if err != nil {
				if rerr := q.kv.SRem(ctx, q.activeKey(), id); rerr != nil {
					log.Warn().Err(rerr).Str("job_id", id).Msg("Dropping expired active id failed")
				}
				continue
			}
			if job.Status != StatusProcessing {
				if rerr := q.kv.SRem(ctx, q.activeKey(), id); rerr != nil {
					log.Warn().Err(rerr).Str("job_id", id).Msg("Dropping stale active id failed")
				}
				continue
			}

			log.Warn().
				Str("queue", q.config.Name).
				Str("job_id", id).
				Int("attempt", job.Attempts).
				Msg("Reclaiming job from crashed worker")

			if err := q.kv.SRem(ctx, q.activeKey(), id); err != nil {
				continue
			}
			p.handleFailure(ctx, job, fmt.Errorf("lease lost: worker crashed or stalled"))
		}
	}
}
