package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrRateLimited marks a fetch rejected upstream with HTTP 429 or an
// equivalent message.
var ErrRateLimited = errors.New("rate limited")

// IsRateLimited reports whether an error or status indicates upstream rate
// limiting.
func IsRateLimited(status int, err error) bool {
	if status == 429 {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "too many requests")
}

// LimiterConfig tunes the politeness limiter.
type LimiterConfig struct {
	MinDelay      time.Duration `json:"min_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultLimiterConfig returns default politeness settings.
func DefaultLimiterConfig() *LimiterConfig {
	return &LimiterConfig{
		MinDelay:      500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// PoliteLimiter enforces a minimum inter-request delay for one engine
// instance. Scope is global, not per-host: every fetch issued by this
// process shares the same cursor, matching the reference behavior.
// On upstream rate limiting the delay grows multiplicatively (with ±20%
// jitter applied to the sleep) and decays back to the floor after a
// sustained quiet period.
type PoliteLimiter struct {
	mu      sync.Mutex
	config  *LimiterConfig
	limiter *rate.Limiter
	delay   time.Duration
	lastHit time.Time
}

// NewPoliteLimiter builds a limiter from config, applying defaults for zero
// values.
func NewPoliteLimiter(config *LimiterConfig) *PoliteLimiter {
	if config == nil {
		config = DefaultLimiterConfig()
	}
	if config.MinDelay <= 0 {
		config.MinDelay = DefaultLimiterConfig().MinDelay
	}
	if config.MaxDelay < config.MinDelay {
		config.MaxDelay = DefaultLimiterConfig().MaxDelay
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = DefaultLimiterConfig().BackoffFactor
	}
	return &PoliteLimiter{
		config:  config,
		limiter: rate.NewLimiter(rate.Every(config.MinDelay), 1),
		delay:   config.MinDelay,
	}
}

// Wait blocks until the next request slot.
func (pl *PoliteLimiter) Wait(ctx context.Context) error {
	pl.mu.Lock()
	// Decay back to the floor after a minute without 429s.
	if pl.delay > pl.config.MinDelay && time.Since(pl.lastHit) > time.Minute {
		pl.delay = pl.config.MinDelay
		pl.limiter.SetLimit(rate.Every(pl.delay))
	}
	pl.mu.Unlock()

	return pl.limiter.Wait(ctx)
}

// Backoff reacts to an upstream 429: the inter-request delay is multiplied
// by the backoff factor (capped at MaxDelay) and the caller sleeps the new
// delay with ±20% jitter before retrying.
func (pl *PoliteLimiter) Backoff(ctx context.Context) error {
	pl.mu.Lock()
	pl.lastHit = time.Now()
	next := time.Duration(float64(pl.delay) * pl.config.BackoffFactor)
	if next > pl.config.MaxDelay {
		next = pl.config.MaxDelay
	}
	pl.delay = next
	pl.limiter.SetLimit(rate.Every(next))
	sleep := jitter(next)
	pl.mu.Unlock()

	log.Debug().
		Dur("delay", next).
		Dur("sleep", sleep).
		Msg("Backing off after rate limit")

	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentDelay returns the limiter's present inter-request delay.
func (pl *PoliteLimiter) CurrentDelay() time.Duration {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.delay
}

// jitter applies a random ±20% to a duration.
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}
