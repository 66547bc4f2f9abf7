// Package export writes scraped pages and crawl consolidation artifacts to
// the filesystem under ${CRAWL_OUTPUT_DIR}/{crawl_id}/.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// maxFileNameBytes bounds the URL-derived portion of file names.
const maxFileNameBytes = 120

// Exporter writes page files and consolidated artifacts.
type Exporter struct {
	outputDir string
}

// NewExporter creates an exporter rooted at outputDir.
func NewExporter(outputDir string) *Exporter {
	return &Exporter{outputDir: outputDir}
}

// frontmatter is the YAML header written atop each page file.
type frontmatter struct {
	URL         string    `yaml:"url"`
	Title       string    `yaml:"title,omitempty"`
	CrawlID     string    `yaml:"crawl_id"`
	ContentType string    `yaml:"content_type"`
	Status      int       `yaml:"status"`
	FetchedAt   time.Time `yaml:"fetched_at"`
	UsedBrowser bool      `yaml:"used_browser"`
}

// ExportPage writes one page as YAML frontmatter plus body and returns the
// file path. File names derive from the URL through the safe-character
// filter with a timestamp + job id prefix.
func (e *Exporter) ExportPage(crawlID, jobID string, resp *scrape.ScraperResponse) (string, error) {
	dir := filepath.Join(e.outputDir, crawlID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating crawl directory: %w", err)
	}

	ext := ".md"
	if resp.ContentType == scrape.ContentTypeHTML {
		ext = ".html"
	} else if resp.ContentType == scrape.ContentTypeText {
		ext = ".txt"
	}

	name := fmt.Sprintf("%d-%s-%s%s",
		time.Now().UnixMilli(), shortID(jobID), sanitizeFileName(resp.URL), ext)
	path := filepath.Join(dir, name)

	head, err := yaml.Marshal(frontmatter{
		URL:         resp.URL,
		Title:       resp.Title,
		CrawlID:     crawlID,
		ContentType: string(resp.ContentType),
		Status:      resp.Metadata.Status,
		FetchedAt:   time.Now().UTC(),
		UsedBrowser: resp.Metadata.UsedBrowser,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString(resp.Content)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing page file: %w", err)
	}
	return path, nil
}

// Summary aggregates one crawl's outcome for consolidation.
type Summary struct {
	CrawlID     string    `json:"crawl_id"`
	OriginURL   string    `json:"origin_url"`
	TotalJobs   int64     `json:"total_jobs"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	Files       []string  `json:"files"`
	CompletedAt time.Time `json:"completed_at"`
}

// ExportSummary writes the per-crawl summary.json.
func (e *Exporter) ExportSummary(crawlID string, summary *Summary) (string, error) {
	dir := filepath.Join(e.outputDir, crawlID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling summary: %w", err)
	}
	path := filepath.Join(dir, "summary.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}
	return path, nil
}

// ExportConsolidated concatenates every exported page into one artifact in
// the requested format (markdown or json) and returns its path.
func (e *Exporter) ExportConsolidated(crawlID string, files []string, format scrape.ContentType) (string, error) {
	dir := filepath.Join(e.outputDir, crawlID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	switch format {
	case scrape.ContentTypeMarkdown:
		var b strings.Builder
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				log.Warn().Err(err).Str("file", file).Msg("Skipping unreadable page file")
				continue
			}
			b.Write(data)
			b.WriteString("\n\n---\n\n")
		}
		path := filepath.Join(dir, "consolidated.md")
		if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
			return "", fmt.Errorf("writing consolidated markdown: %w", err)
		}
		return path, nil

	default:
		type pageEntry struct {
			File    string `json:"file"`
			Content string `json:"content"`
		}
		entries := make([]pageEntry, 0, len(files))
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				log.Warn().Err(err).Str("file", file).Msg("Skipping unreadable page file")
				continue
			}
			entries = append(entries, pageEntry{File: filepath.Base(file), Content: string(data)})
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling consolidated json: %w", err)
		}
		path := filepath.Join(dir, "consolidated.json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("writing consolidated json: %w", err)
		}
		return path, nil
	}
}

// sanitizeFileName maps a URL onto a safe file name by walking bytes:
// letters, digits, dot and dash pass through; everything else becomes an
// underscore, with runs collapsed.
func sanitizeFileName(rawURL string) string {
	s := strings.TrimPrefix(rawURL, "https://")
	s = strings.TrimPrefix(s, "http://")

	var b strings.Builder
	lastUnderscore := false
	for i := 0; i < len(s) && b.Len() < maxFileNameBytes; i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
