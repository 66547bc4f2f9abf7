package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caia-Tech/caia-crawl/internal/store"
)

func testConfig() *Config {
	return &Config{
		Name:          "test",
		LockDuration:  500 * time.Millisecond,
		LockRenewTime: 100 * time.Millisecond,
		RetryBase:     10 * time.Millisecond,
		RetryCeiling:  100 * time.Millisecond,
		MaxAttempts:   3,
		PollInterval:  10 * time.Millisecond,
		MaxJobs:       1000,
	}
}

func TestAddAndGet(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx := context.Background()

	id, err := q.Add(ctx, "page", json.RawMessage(`{"url":"https://a.test"}`), JobOptions{Priority: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "page", job.Name)
	assert.Equal(t, 2, job.Priority)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDuplicateSuppression(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx := context.Background()

	_, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{JobID: "fixed-id"})
	require.NoError(t, err)

	_, err = q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{JobID: "fixed-id"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// Bulk skips duplicates silently.
	ids, err := q.AddBulk(ctx, []BulkItem{
		{Name: "page", Data: json.RawMessage(`{}`), Opts: JobOptions{JobID: "fixed-id"}},
		{Name: "page", Data: json.RawMessage(`{}`), Opts: JobOptions{JobID: "fresh-id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "", ids[0])
	assert.Equal(t, "fresh-id", ids[1])
}

func TestWorkerProcessesJob(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int32
	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) {
		processed.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	}
	require.NoError(t, q.RegisterWorker(ctx, handler, nil, 2))
	defer q.Stop()

	id, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, id)
		return err == nil && job.Status == StatusSuccess
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), processed.Load())
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Equal(t, 1, job.Attempts)
}

func TestRetryUntilSuccess(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fails twice, succeeds on the third run: within the 3-attempt budget.
	var runs atomic.Int32
	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) {
		if runs.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"done"`), nil
	}

	var terminalSuccess atomic.Bool
	terminal := func(ctx context.Context, job *Job, success bool) {
		terminalSuccess.Store(success)
	}
	require.NoError(t, q.RegisterWorker(ctx, handler, terminal, 1))
	defer q.Stop()

	id, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, id)
		return err == nil && job.Status == StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(3), runs.Load())
	assert.True(t, terminalSuccess.Load())
}

func TestFailAfterBudgetExhausted(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, errors.New("always broken")
	}
	var terminalCalls atomic.Int32
	var lastSuccess atomic.Bool
	terminal := func(ctx context.Context, job *Job, success bool) {
		terminalCalls.Add(1)
		lastSuccess.Store(success)
	}
	require.NoError(t, q.RegisterWorker(ctx, handler, terminal, 1))
	defer q.Stop()

	id, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, id)
		return err == nil && job.Status == StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.LastError, "always broken")
	assert.Equal(t, int32(1), terminalCalls.Load(), "terminal hook fires exactly once")
	assert.False(t, lastSuccess.Load())
}

func TestPriorityOrdering(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, job.Name)
		if len(order) == 3 {
			close(done)
		}
		return nil, nil
	}

	// Enqueue before registering so the dispatch order is deterministic.
	_, err := q.Add(ctx, "low", json.RawMessage(`{}`), JobOptions{Priority: 10})
	require.NoError(t, err)
	_, err = q.Add(ctx, "high", json.RawMessage(`{}`), JobOptions{Priority: 0})
	require.NoError(t, err)
	_, err = q.Add(ctx, "mid", json.RawMessage(`{}`), JobOptions{Priority: 5})
	require.NoError(t, err)

	require.NoError(t, q.RegisterWorker(ctx, handler, nil, 1))
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("jobs not processed in time")
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestPauseHaltsDispatch(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int32
	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) {
		processed.Add(1)
		return nil, nil
	}
	require.NoError(t, q.RegisterWorker(ctx, handler, nil, 1))
	defer q.Stop()

	require.NoError(t, q.Pause(ctx))
	_, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), processed.Load(), "paused queue must not dispatch")

	require.NoError(t, q.Resume(ctx))
	require.Eventually(t, func() bool {
		return processed.Load() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDelayedJobPromotion(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processedAt atomic.Value
	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) {
		processedAt.Store(time.Now())
		return nil, nil
	}
	require.NoError(t, q.RegisterWorker(ctx, handler, nil, 1))
	defer q.Stop()

	enqueued := time.Now()
	id, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, id)
		return err == nil && job.Status == StatusSuccess
	}, 3*time.Second, 20*time.Millisecond)

	ran := processedAt.Load().(time.Time)
	assert.GreaterOrEqual(t, ran.Sub(enqueued), 140*time.Millisecond)
}

func TestStats(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx := context.Background()

	_, err := q.Add(ctx, "page", json.RawMessage(`{}`), JobOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "page2", json.RawMessage(`{}`), JobOptions{Delay: time.Hour})
	require.NoError(t, err)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestBackoffDelayGrowth(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())

	assert.Equal(t, 10*time.Millisecond, q.backoffDelay(1))
	assert.Equal(t, 20*time.Millisecond, q.backoffDelay(2))
	assert.Equal(t, 40*time.Millisecond, q.backoffDelay(3))
	assert.Equal(t, 100*time.Millisecond, q.backoffDelay(10), "ceiling caps growth")
}

func TestSetConcurrencyBounds(t *testing.T) {
	q := New(store.NewMemoryKV(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, job *Job) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, q.RegisterWorker(ctx, handler, nil, 2))
	defer q.Stop()

	assert.Equal(t, 2, q.Concurrency())
	q.SetConcurrency(5)
	assert.Equal(t, 5, q.Concurrency())
	q.SetConcurrency(0) // ignored
	assert.Equal(t, 5, q.Concurrency())
}
