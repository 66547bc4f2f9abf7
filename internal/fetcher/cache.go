package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// ResponseCache stores serialized ScraperResponses on disk, content-
// addressed by a hash of the URL and the cache-salient options. The salient
// set is exactly extractorFormat, waitForSelector, and actions: other
// options do not change the fetched content, so they do not fragment the
// cache.
type ResponseCache struct {
	dir        string
	defaultTTL time.Duration
}

// cacheMetadata sits alongside each payload file.
type cacheMetadata struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewResponseCache creates the cache directory if needed.
func NewResponseCache(dir string, defaultTTL time.Duration) (*ResponseCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &ResponseCache{dir: dir, defaultTTL: defaultTTL}, nil
}

// Key derives the content address for a URL + options pair.
func (c *ResponseCache) Key(rawURL string, opts scrape.ScrapeOptions) string {
	h := sha256.New()
	h.Write([]byte(rawURL))
	h.Write([]byte{0})
	h.Write([]byte(opts.ExtractorFormat))
	h.Write([]byte{0})
	h.Write([]byte(opts.WaitForSelector))
	for _, action := range opts.Actions {
		h.Write([]byte{0})
		h.Write([]byte(action.Type))
		h.Write([]byte(action.Selector))
		h.Write([]byte(action.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResponseCache) payloadPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *ResponseCache) metaPath(key string) string {
	return filepath.Join(c.dir, key+".meta.json")
}

// Get returns the cached response for the key, or nil on miss or expiry.
// Expired entries are removed on the way out.
func (c *ResponseCache) Get(key string) *scrape.ScraperResponse {
	metaRaw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil
	}
	var meta cacheMetadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		c.remove(key)
		return nil
	}
	if time.Now().After(meta.ExpiresAt) {
		c.remove(key)
		return nil
	}

	payload, err := os.ReadFile(c.payloadPath(key))
	if err != nil {
		return nil
	}
	var resp scrape.ScraperResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.remove(key)
		return nil
	}

	log.Debug().Str("url", meta.URL).Str("key", key[:12]).Msg("Response cache hit")
	return &resp
}

// Set writes payload then metadata; the metadata write publishes the entry,
// so a crash between the two leaves only an unreadable payload that a later
// Set overwrites.
func (c *ResponseCache) Set(key string, resp *scrape.ScraperResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling cached response: %w", err)
	}
	now := time.Now()
	meta, err := json.Marshal(cacheMetadata{
		URL:         resp.URL,
		ContentType: string(resp.ContentType),
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}

	if err := os.WriteFile(c.payloadPath(key), payload, 0644); err != nil {
		return fmt.Errorf("writing cache payload: %w", err)
	}
	if err := os.WriteFile(c.metaPath(key), meta, 0644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}
	return nil
}

func (c *ResponseCache) remove(key string) {
	os.Remove(c.payloadPath(key))
	os.Remove(c.metaPath(key))
}

// Prune removes expired entries and returns how many were dropped.
func (c *ResponseCache) Prune() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	pruned := 0
	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		var meta cacheMetadata
		if err := json.Unmarshal(raw, &meta); err != nil || now.After(meta.ExpiresAt) {
			key := strings.TrimSuffix(name, ".meta.json")
			c.remove(key)
			pruned++
		}
	}
	return pruned
}
