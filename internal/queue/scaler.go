package queue

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ScalerConfig tunes the dynamic concurrency controller.
type ScalerConfig struct {
	Min           int           `json:"min"`
	Max           int           `json:"max"`
	Interval      time.Duration `json:"interval"`
	DepthHigh     int64         `json:"depth_high"`      // queue depth above which to scale up
	LoadHigh      float64       `json:"load_high"`       // normalized load above which to scale down
	LoadFunc      func() float64 `json:"-"`              // overridable for tests
}

// DefaultScalerConfig returns the default controller settings.
func DefaultScalerConfig(min, max int) *ScalerConfig {
	return &ScalerConfig{
		Min:       min,
		Max:       max,
		Interval:  30 * time.Second,
		DepthHigh: 20,
		LoadHigh:  0.8,
	}
}

// StartScaler runs the dynamic concurrency control loop: every interval it
// reads queue depth and a coarse system-load reading and steps the worker
// pool's concurrency by one within [Min, Max]. Returns a stop function.
func (q *Queue) StartScaler(ctx context.Context, config *ScalerConfig) func() {
	if config == nil {
		config = DefaultScalerConfig(1, 10)
	}
	if config.LoadFunc == nil {
		config.LoadFunc = normalizedLoad
	}

	scalerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-scalerCtx.Done():
				return
			case <-ticker.C:
			}

			stats, err := q.GetStats(scalerCtx)
			if err != nil {
				log.Warn().Err(err).Str("queue", q.config.Name).Msg("Scaler stats read failed")
				continue
			}
			load := config.LoadFunc()
			current := q.Concurrency()
			next := current

			switch {
			case load > config.LoadHigh && current > config.Min:
				next = current - 1
			case stats.Waiting > config.DepthHigh && load < config.LoadHigh && current < config.Max:
				next = current + 1
			}

			if next != current {
				log.Info().
					Str("queue", q.config.Name).
					Int64("depth", stats.Waiting).
					Float64("load", load).
					Int("from", current).
					Int("to", next).
					Msg("Scaling worker concurrency")
				q.SetConcurrency(next)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// normalizedLoad reads the 1-minute load average divided by CPU count.
// Returns 0 when the reading is unavailable.
func normalizedLoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load / float64(runtime.NumCPU())
}
