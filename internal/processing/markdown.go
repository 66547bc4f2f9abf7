package processing

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

var (
	whitespaceRegex   = regexp.MustCompile(`\s+`)
	multiNewlineRegex = regexp.MustCompile(`\n{3,}`)
)

// skippedTags never contribute content to transforms.
var skippedTags = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "head": {}, "iframe": {},
	"svg": {}, "template": {},
}

// MarkdownTransformer converts cleaned HTML into Markdown. Conversion is
// best-effort: malformed HTML degrades to stripped text rather than an
// error.
type MarkdownTransformer struct{}

// NewMarkdownTransformer creates the transformer.
func NewMarkdownTransformer() *MarkdownTransformer { return &MarkdownTransformer{} }

// Transform returns the response with Content converted to Markdown.
func (t *MarkdownTransformer) Transform(resp *scrape.ScraperResponse) (*scrape.ScraperResponse, error) {
	out := *resp
	out.Content = ToMarkdown(resp.HTML)
	out.ContentType = scrape.ContentTypeMarkdown
	return &out, nil
}

// TextTransformer reduces cleaned HTML to whitespace-normalized plain text.
type TextTransformer struct{}

// NewTextTransformer creates the transformer.
func NewTextTransformer() *TextTransformer { return &TextTransformer{} }

// Transform returns the response with Content reduced to plain text.
func (t *TextTransformer) Transform(resp *scrape.ScraperResponse) (*scrape.ScraperResponse, error) {
	out := *resp
	out.Content = ToText(resp.HTML)
	out.ContentType = scrape.ContentTypeText
	return &out, nil
}

// ToMarkdown converts an HTML fragment to Markdown.
func ToMarkdown(htmlText string) string {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return ToText(htmlText)
	}
	var b strings.Builder
	renderMarkdown(&b, doc, renderState{})
	md := multiNewlineRegex.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(md)
}

// ToText converts an HTML fragment to plain text.
func ToText(htmlText string) string {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return strings.TrimSpace(whitespaceRegex.ReplaceAllString(htmlText, " "))
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skippedTags[n.Data]; skip {
				return
			}
			if isBlockTag(n.Data) {
				b.WriteByte('\n')
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(whitespaceRegex.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

type renderState struct {
	listDepth   int
	ordered     bool
	itemIndex   int
	inBlockquote bool
}

func renderMarkdown(b *strings.Builder, n *html.Node, state renderState) {
	switch n.Type {
	case html.TextNode:
		text := whitespaceRegex.ReplaceAllString(n.Data, " ")
		if strings.TrimSpace(text) != "" {
			b.WriteString(text)
		}
		return
	case html.ElementNode:
		if _, skip := skippedTags[n.Data]; skip {
			return
		}
	}

	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		b.WriteString("\n\n" + strings.Repeat("#", level) + " ")
		renderChildren(b, n, state)
		b.WriteString("\n\n")
		return
	case "p", "div", "section", "article":
		b.WriteString("\n\n")
		renderChildren(b, n, state)
		b.WriteString("\n\n")
		return
	case "br":
		b.WriteString("  \n")
		return
	case "hr":
		b.WriteString("\n\n---\n\n")
		return
	case "strong", "b":
		b.WriteString("**")
		renderChildren(b, n, state)
		b.WriteString("**")
		return
	case "em", "i":
		b.WriteString("*")
		renderChildren(b, n, state)
		b.WriteString("*")
		return
	case "del", "s", "strike":
		b.WriteString("~~")
		renderChildren(b, n, state)
		b.WriteString("~~")
		return
	case "code":
		if n.Parent != nil && n.Parent.Data == "pre" {
			renderChildren(b, n, state)
			return
		}
		b.WriteString("`")
		renderChildren(b, n, state)
		b.WriteString("`")
		return
	case "pre":
		lang := codeLanguage(n)
		b.WriteString("\n\n```" + lang + "\n")
		b.WriteString(rawText(n))
		b.WriteString("\n```\n\n")
		return
	case "a":
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "javascript:") {
			renderChildren(b, n, state)
			return
		}
		b.WriteString("[")
		renderChildren(b, n, state)
		fmt.Fprintf(b, "](%s)", href)
		return
	case "img":
		fmt.Fprintf(b, "![%s](%s)", attr(n, "alt"), attr(n, "src"))
		return
	case "ul", "ol":
		state.listDepth++
		state.ordered = n.Data == "ol"
		state.itemIndex = 0
		b.WriteString("\n")
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "li" {
				state.itemIndex++
			}
			renderMarkdown(b, c, state)
		}
		b.WriteString("\n")
		return
	case "li":
		indent := strings.Repeat("  ", max(state.listDepth-1, 0))
		if state.ordered {
			fmt.Fprintf(b, "\n%s%d. ", indent, state.itemIndex)
		} else {
			b.WriteString("\n" + indent + "- ")
		}
		renderChildren(b, n, state)
		return
	case "blockquote":
		var inner strings.Builder
		renderChildren(&inner, n, state)
		for _, line := range strings.Split(strings.TrimSpace(inner.String()), "\n") {
			b.WriteString("\n> " + line)
		}
		b.WriteString("\n\n")
		return
	case "table":
		renderTable(b, n)
		return
	}

	renderChildren(b, n, state)
}

func renderChildren(b *strings.Builder, n *html.Node, state renderState) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderMarkdown(b, c, state)
	}
}

// renderTable emits a GitHub-style pipe table.
func renderTable(b *strings.Builder, table *html.Node) {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.TrimSpace(whitespaceRegex.ReplaceAllString(rawText(c), " ")))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)

	if len(rows) == 0 {
		return
	}
	b.WriteString("\n\n")
	for i, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", len(row)) + "\n")
		}
	}
	b.WriteString("\n")
}

func codeLanguage(pre *html.Node) string {
	for c := pre.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "code" {
			class := attr(c, "class")
			for _, token := range strings.Fields(class) {
				if lang, ok := strings.CutPrefix(token, "language-"); ok {
					return lang
				}
			}
		}
	}
	return ""
}

func rawText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimRight(b.String(), "\n")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func isBlockTag(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "br", "blockquote", "pre", "header", "footer", "nav":
		return true
	}
	return false
}
