package device

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const maxExtract = 8000

// Distill extracts the readable text of an HTML page, one sentence per
// line. When query is set only sentences mentioning one of its words are
// kept, unless none do.
func Distill(html, pageURL, query string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %v", err)
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %v", err)
	}

	text := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	var paras []string
	for _, line := range strings.Split(text, "\n") {
		for _, p := range strings.SplitAfter(line, ". ") {
			if p = strings.TrimSpace(p); p != "" {
				paras = append(paras, p)
			}
		}
	}

	if words := strings.Fields(strings.ToLower(query)); len(words) > 0 {
		var hits []string
		for _, p := range paras {
			lower := strings.ToLower(p)
			for _, w := range words {
				if len(w) > 2 && strings.Contains(lower, w) {
					hits = append(hits, p)
					break
				}
			}
		}
		if len(hits) > 0 {
			paras = hits
		}
	}

	var b strings.Builder
	if article.Title != "" {
		fmt.Fprintf(&b, "TITLE: %s\n", article.Title)
	}
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", bluemonday.StrictPolicy().Sanitize(article.Excerpt))
	}
	b.WriteString(strings.Join(paras, "\n"))
	return truncate(b.String(), maxExtract), nil
}
