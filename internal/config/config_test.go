package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestDirs(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CRAWL_OUTPUT_DIR", filepath.Join(dir, "out"))
	t.Setenv("CACHE_DIRECTORY", filepath.Join(dir, "cache"))
}

func TestLoadDefaults(t *testing.T) {
	setTestDirs(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Crawler.Concurrency)
	assert.Equal(t, 3, cfg.Crawler.RetryAttempts)
	assert.Equal(t, 60*time.Second, cfg.Crawler.LockDuration)
	assert.False(t, cfg.Crawler.EnableDynamicScaling)
}

func TestLoadOverrides(t *testing.T) {
	setTestDirs(t)
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("CRAWLER_CONCURRENCY", "8")
	t.Setenv("CRAWLER_ENABLE_DYNAMIC_SCALING", "true")
	t.Setenv("CRAWLER_MIN_CONCURRENCY", "2")
	t.Setenv("CRAWLER_MAX_CONCURRENCY", "12")
	t.Setenv("CRAWLER_RETRY_DELAY", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 8, cfg.Crawler.Concurrency)
	assert.True(t, cfg.Crawler.EnableDynamicScaling)
	assert.Equal(t, 2, cfg.Crawler.MinConcurrency)
	assert.Equal(t, 12, cfg.Crawler.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Crawler.RetryDelay)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	setTestDirs(t)
	t.Setenv("CRAWLER_MIN_CONCURRENCY", "10")
	t.Setenv("CRAWLER_MAX_CONCURRENCY", "2")

	_, err := Load()
	assert.ErrorContains(t, err, "concurrency bounds")
}

func TestValidateRejectsBadLockTimes(t *testing.T) {
	setTestDirs(t)
	t.Setenv("CRAWLER_LOCK_DURATION", "10")
	t.Setenv("CRAWLER_LOCK_RENEW_TIME", "20")

	_, err := Load()
	assert.ErrorContains(t, err, "LOCK_RENEW_TIME")
}

func TestValidateRejectsBadPort(t *testing.T) {
	setTestDirs(t)
	t.Setenv("REDIS_PORT", "99999")

	_, err := Load()
	assert.ErrorContains(t, err, "REDIS_PORT")
}
