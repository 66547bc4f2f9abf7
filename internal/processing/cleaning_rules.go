package processing

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ScriptRemovalRule drops executable and style nodes.
type ScriptRemovalRule struct{}

func (r *ScriptRemovalRule) Name() string { return "script_removal" }

func (r *ScriptRemovalRule) Apply(doc *goquery.Document) error {
	doc.Find("script, style, noscript, iframe, object, embed, link[rel=stylesheet]").Remove()
	return nil
}

// ChromeRemovalRule drops page chrome: navigation, headers, footers,
// sidebars, cookie banners.
type ChromeRemovalRule struct{}

func (r *ChromeRemovalRule) Name() string { return "chrome_removal" }

func (r *ChromeRemovalRule) Apply(doc *goquery.Document) error {
	doc.Find("nav, header, footer, aside").Remove()
	doc.Find("[role=navigation], [role=banner], [role=contentinfo], [role=complementary]").Remove()
	doc.Find(".cookie-banner, .cookie-consent, #cookie-notice, .newsletter-signup").Remove()
	return nil
}

// adSelectors match common advertising containers.
var adSelectors = []string{
	".ad", ".ads", ".advert", ".advertisement", ".banner-ad",
	"[id^=ad-]", "[id^=ads-]", "[class*=sponsored]", "[data-ad]",
	".promo", ".promotion",
}

// AdRemovalRule drops advertising containers.
type AdRemovalRule struct{}

func (r *AdRemovalRule) Name() string { return "ad_removal" }

func (r *AdRemovalRule) Apply(doc *goquery.Document) error {
	for _, selector := range adSelectors {
		doc.Find(selector).Remove()
	}
	return nil
}

// HiddenElementRule drops elements hidden by inline style or attribute.
type HiddenElementRule struct{}

func (r *HiddenElementRule) Name() string { return "hidden_element_removal" }

func (r *HiddenElementRule) Apply(doc *goquery.Document) error {
	doc.Find("[hidden], [aria-hidden=true]").Remove()
	doc.Find("[style]").Each(func(_ int, sel *goquery.Selection) {
		style, _ := sel.Attr("style")
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			sel.Remove()
		}
	})
	return nil
}

// EmptyNodeRule drops container elements left without content by earlier
// rules.
type EmptyNodeRule struct{}

func (r *EmptyNodeRule) Name() string { return "empty_node_removal" }

func (r *EmptyNodeRule) Apply(doc *goquery.Document) error {
	doc.Find("div, span, section, p").Each(func(_ int, sel *goquery.Selection) {
		if strings.TrimSpace(sel.Text()) == "" && sel.Find("img, video, table, pre, code").Length() == 0 {
			sel.Remove()
		}
	})
	return nil
}
