// Package processing implements the content transforms applied to fetched
// pages: rule-based HTML cleaning, Markdown conversion, and plain-text
// extraction.
package processing

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// CleaningRule removes one category of noise from a parsed document.
type CleaningRule interface {
	Name() string
	Apply(doc *goquery.Document) error
}

// CleaningResult reports what a cleaning pass did.
type CleaningResult struct {
	OriginalLength int           `json:"original_length"`
	CleanedLength  int           `json:"cleaned_length"`
	RulesApplied   []string      `json:"rules_applied"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// ContentCleaner applies rule-based cleaning to page HTML and narrows the
// document to its main content region.
type ContentCleaner struct {
	rules        []CleaningRule
	enabledRules map[string]bool
}

// NewContentCleaner creates a cleaner with the default rule set.
func NewContentCleaner() *ContentCleaner {
	cleaner := &ContentCleaner{
		enabledRules: make(map[string]bool),
	}

	cleaner.AddRule(&ScriptRemovalRule{})
	cleaner.AddRule(&ChromeRemovalRule{})
	cleaner.AddRule(&AdRemovalRule{})
	cleaner.AddRule(&HiddenElementRule{})
	cleaner.AddRule(&EmptyNodeRule{})

	return cleaner
}

// AddRule registers a rule, enabled by default.
func (cc *ContentCleaner) AddRule(rule CleaningRule) {
	cc.rules = append(cc.rules, rule)
	cc.enabledRules[rule.Name()] = true
}

// DisableRule disables a rule by name.
func (cc *ContentCleaner) DisableRule(name string) {
	cc.enabledRules[name] = false
}

// Clean runs the enabled rules over the response HTML, narrows to the main
// content region, and returns the response with cleaned HTML.
func (cc *ContentCleaner) Clean(resp *scrape.ScraperResponse) (*scrape.ScraperResponse, *CleaningResult, error) {
	if resp == nil || resp.HTML == "" {
		return resp, &CleaningResult{}, nil
	}

	start := time.Now()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.HTML))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing html: %w", err)
	}

	var applied []string
	for _, rule := range cc.rules {
		if !cc.enabledRules[rule.Name()] {
			continue
		}
		if err := rule.Apply(doc); err != nil {
			return nil, nil, fmt.Errorf("cleaning rule %s: %w", rule.Name(), err)
		}
		applied = append(applied, rule.Name())
	}

	cleaned := narrowToMain(doc)

	out := *resp
	out.HTML = cleaned
	out.Content = cleaned
	return &out, &CleaningResult{
		OriginalLength: len(resp.HTML),
		CleanedLength:  len(cleaned),
		RulesApplied:   applied,
		ProcessingTime: time.Since(start),
	}, nil
}

// mainSelectors are tried in order when narrowing to the content region.
var mainSelectors = []string{
	"main", "article", "[role=main]", "#content", ".content",
	"#main-content", ".main-content", ".post-content", ".article-body",
}

// narrowToMain renders the first matching main-content region whose text is
// longer than 80 characters, or the whole body when no region qualifies.
func narrowToMain(doc *goquery.Document) string {
	for _, selector := range mainSelectors {
		sel := doc.Find(selector)
		if sel.Length() > 0 {
			if htmlText, err := goquery.OuterHtml(sel.First()); err == nil {
				if len(strings.TrimSpace(sel.First().Text())) > 80 {
					return htmlText
				}
			}
		}
	}
	if htmlText, err := doc.Find("body").Html(); err == nil && htmlText != "" {
		return htmlText
	}
	htmlText, _ := doc.Html()
	return htmlText
}
