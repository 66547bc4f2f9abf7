package crawler

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchRobotsTxt retrieves robots.txt from the seed's origin once per crawl.
// The raw text is stored on the crawl record so workers re-parse it without
// another fetch. A missing or erroring robots.txt yields empty text, which
// allows everything.
func FetchRobotsTxt(ctx context.Context, seedURL, userAgent string, skipTLSVerify bool) (string, error) {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return "", fmt.Errorf("invalid seed url: %w", err)
	}
	robotsURL := seed.Scheme + "://" + seed.Host + "/robots.txt"

	transport := &http.Transport{}
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", robotsURL).Msg("robots.txt fetch failed")
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", nil
	}
	return string(body), nil
}
