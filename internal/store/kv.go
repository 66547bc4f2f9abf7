// Package store provides the typed key/value adapter backing all
// cross-worker crawl state, plus the crawl state store built on it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// IsNotFound reports whether err is a missing-key error from Get.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// KV is the typed view over a Redis-compatible store. All orchestrator
// state mutations go through this interface so tests can run against the
// in-memory implementation.
//
// Implementations must be safe for concurrent use.
type KV interface {
	// String operations
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Set operations
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// List operations
	RPush(ctx context.Context, key string, values ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// SetNXBatch issues one pipelined SETNX per key with a shared value and
	// TTL, returning per-key acquisition results in input order.
	SetNXBatch(ctx context.Context, keys []string, value string, ttl time.Duration) ([]bool, error)

	// Counter operations
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Publish sends a message on a channel; Subscribe returns a receive
	// channel and a cancel function releasing the subscription.
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
