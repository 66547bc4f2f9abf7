package crawler

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// sitemapMaxDepth bounds sitemap-index recursion.
const sitemapMaxDepth = 5

type sitemapDoc struct {
	XMLName  xml.Name       `xml:"urlset"`
	URLs     []sitemapEntry `xml:"url"`
}

type sitemapIndexDoc struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

// FetchSitemap loads sitemap.xml at the seed's origin and returns every
// <url><loc> entry. <sitemap><loc> index entries are recursed with URL
// deduplication. A missing sitemap yields no links and no error.
func FetchSitemap(ctx context.Context, seedURL, userAgent string) ([]string, error) {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil, err
	}
	root := seed.Scheme + "://" + seed.Host + "/sitemap.xml"

	client := &http.Client{Timeout: 20 * time.Second}
	seen := make(map[string]struct{})
	var links []string
	fetchSitemapURL(ctx, client, root, userAgent, 0, seen, &links)
	return links, nil
}

func fetchSitemapURL(ctx context.Context, client *http.Client, sitemapURL, userAgent string, depth int, seen map[string]struct{}, links *[]string) {
	if depth > sitemapMaxDepth {
		return
	}
	if _, dup := seen[sitemapURL]; dup {
		return
	}
	seen[sitemapURL] = struct{}{}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", sitemapURL).Msg("Sitemap fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err == nil && len(doc.URLs) > 0 {
		for _, entry := range doc.URLs {
			if entry.Loc == "" {
				continue
			}
			if _, dup := seen[entry.Loc]; dup {
				continue
			}
			seen[entry.Loc] = struct{}{}
			*links = append(*links, entry.Loc)
		}
		return
	}

	var index sitemapIndexDoc
	if err := xml.Unmarshal(body, &index); err == nil {
		for _, entry := range index.Sitemaps {
			if entry.Loc != "" {
				fetchSitemapURL(ctx, client, entry.Loc, userAgent, depth+1, seen, links)
			}
		}
	}
}
