// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full engine configuration
type Config struct {
	Redis   RedisConfig   `json:"redis"`
	Cache   CacheConfig   `json:"cache"`
	Crawler CrawlerConfig `json:"crawler"`
	Export  ExportConfig  `json:"export"`
	Port    string        `json:"port"`
}

// RedisConfig configures the key/value store connection
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// Addr returns the host:port address for dialing
func (rc RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", rc.Host, rc.Port)
}

// CacheConfig configures the fetcher response cache
type CacheConfig struct {
	Enabled   bool          `json:"enabled"`
	TTL       time.Duration `json:"ttl"`
	Directory string        `json:"directory"`
}

// CrawlerConfig configures queue workers and retry behavior
type CrawlerConfig struct {
	Concurrency          int           `json:"concurrency"`
	MaxJobs              int           `json:"max_jobs"`
	LockDuration         time.Duration `json:"lock_duration"`
	LockRenewTime        time.Duration `json:"lock_renew_time"`
	RetryAttempts        int           `json:"retry_attempts"`
	RetryDelay           time.Duration `json:"retry_delay"`
	EnableDynamicScaling bool          `json:"enable_dynamic_scaling"`
	MaxConcurrency       int           `json:"max_concurrency"`
	MinConcurrency       int           `json:"min_concurrency"`
}

// ExportConfig configures filesystem export
type ExportConfig struct {
	OutputDir string `json:"output_dir"`
}

// Load reads configuration from the environment, applying defaults
func Load() (*Config, error) {
	cfg := &Config{
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:   getEnvBool("CACHE_ENABLED", true),
			TTL:       time.Duration(getEnvInt("CACHE_TTL", 3600)) * time.Second,
			Directory: getEnv("CACHE_DIRECTORY", "./data/cache"),
		},
		Crawler: CrawlerConfig{
			Concurrency:          getEnvInt("CRAWLER_CONCURRENCY", 5),
			MaxJobs:              getEnvInt("CRAWLER_MAX_JOBS", 10000),
			LockDuration:         time.Duration(getEnvInt("CRAWLER_LOCK_DURATION", 60)) * time.Second,
			LockRenewTime:        time.Duration(getEnvInt("CRAWLER_LOCK_RENEW_TIME", 15)) * time.Second,
			RetryAttempts:        getEnvInt("CRAWLER_RETRY_ATTEMPTS", 3),
			RetryDelay:           time.Duration(getEnvInt("CRAWLER_RETRY_DELAY", 5)) * time.Second,
			EnableDynamicScaling: getEnvBool("CRAWLER_ENABLE_DYNAMIC_SCALING", false),
			MaxConcurrency:       getEnvInt("CRAWLER_MAX_CONCURRENCY", 10),
			MinConcurrency:       getEnvInt("CRAWLER_MIN_CONCURRENCY", 1),
		},
		Export: ExportConfig{
			OutputDir: getEnv("CRAWL_OUTPUT_DIR", "./data/crawls"),
		},
		Port: getEnv("PORT", "8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants that must hold at startup
func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST must not be empty")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("REDIS_PORT out of range: %d", c.Redis.Port)
	}
	if c.Crawler.Concurrency < 1 {
		return fmt.Errorf("CRAWLER_CONCURRENCY must be >= 1")
	}
	if c.Crawler.MinConcurrency < 1 || c.Crawler.MaxConcurrency < c.Crawler.MinConcurrency {
		return fmt.Errorf("invalid concurrency bounds [%d, %d]",
			c.Crawler.MinConcurrency, c.Crawler.MaxConcurrency)
	}
	if c.Crawler.LockRenewTime >= c.Crawler.LockDuration {
		return fmt.Errorf("CRAWLER_LOCK_RENEW_TIME must be shorter than CRAWLER_LOCK_DURATION")
	}
	if c.Export.OutputDir == "" {
		return fmt.Errorf("CRAWL_OUTPUT_DIR must not be empty")
	}
	if err := os.MkdirAll(c.Export.OutputDir, 0755); err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	if c.Cache.Enabled {
		if err := os.MkdirAll(c.Cache.Directory, 0755); err != nil {
			return fmt.Errorf("cache directory not writable: %w", err)
		}
	}
	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
