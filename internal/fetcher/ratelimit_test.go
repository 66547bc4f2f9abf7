package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(429, nil))
	assert.True(t, IsRateLimited(0, ErrRateLimited))
	assert.True(t, IsRateLimited(0, errors.New("upstream said Too Many Requests")))
	assert.False(t, IsRateLimited(200, nil))
	assert.False(t, IsRateLimited(500, errors.New("internal error")))
}

func TestPoliteLimiterMinDelay(t *testing.T) {
	limiter := NewPoliteLimiter(&LimiterConfig{
		MinDelay:      50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	elapsed := time.Since(start)

	// Observed interval >= configured minDelay minus a small tolerance.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestPoliteLimiterBackoffGrowth(t *testing.T) {
	limiter := NewPoliteLimiter(&LimiterConfig{
		MinDelay:      10 * time.Millisecond,
		MaxDelay:      40 * time.Millisecond,
		BackoffFactor: 2,
	})
	ctx := context.Background()

	assert.Equal(t, 10*time.Millisecond, limiter.CurrentDelay())
	require.NoError(t, limiter.Backoff(ctx))
	assert.Equal(t, 20*time.Millisecond, limiter.CurrentDelay())
	require.NoError(t, limiter.Backoff(ctx))
	assert.Equal(t, 40*time.Millisecond, limiter.CurrentDelay())
	require.NoError(t, limiter.Backoff(ctx))
	assert.Equal(t, 40*time.Millisecond, limiter.CurrentDelay(), "capped at max delay")
}

func TestPoliteLimiterBackoffHonorsCancel(t *testing.T) {
	limiter := NewPoliteLimiter(&LimiterConfig{
		MinDelay:      time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, limiter.Backoff(ctx), context.Canceled)
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, 80*time.Millisecond)
		assert.LessOrEqual(t, j, 120*time.Millisecond)
	}
}

func TestPoliteLimiterDefaults(t *testing.T) {
	limiter := NewPoliteLimiter(nil)
	assert.Equal(t, 500*time.Millisecond, limiter.CurrentDelay())

	zeroed := NewPoliteLimiter(&LimiterConfig{})
	assert.Equal(t, 500*time.Millisecond, zeroed.CurrentDelay())
}
