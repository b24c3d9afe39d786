package textextract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
)

type htmlExtractor struct{}

func (htmlExtractor) Accepts(mimeType string) bool {
	return mimeType == "text/html" || mimeType == "application/xhtml+xml"
}

func (htmlExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	html := string(data)

	articleHTML := html
	var title string
	if art, err := readability.FromReader(strings.NewReader(html), &url.URL{}); err == nil && strings.TrimSpace(art.Content) != "" {
		articleHTML = art.Content
		title = strings.TrimSpace(art.Title)
	}

	md, err := htmltomarkdown.ConvertString(articleHTML)
	if err != nil {
		return "", fmt.Errorf("textextract: html to markdown: %w", err)
	}

	if title != "" && !strings.HasPrefix(strings.TrimSpace(md), "# ") {
		md = "# " + title + "\n\n" + md
	}
	return strings.TrimSpace(md), nil
}
