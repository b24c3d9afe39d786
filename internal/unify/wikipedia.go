package unify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WikipediaSearcher looks up a short summary for an entity name, used by the
// unification agent's search_wikipedia tool as external corroborating
// evidence (redirect-style "same subject" signals, disambiguation pages).
type WikipediaSearcher interface {
	Search(ctx context.Context, entityName, entityType string) (string, error)
}

type httpWikipediaSearcher struct {
	client *http.Client
}

// NewWikipediaSearcher returns a WikipediaSearcher backed by the public
// Wikipedia REST summary API, using the same client/timeout shape as
// internal/tools/web/fetch.go.
func NewWikipediaSearcher() WikipediaSearcher {
	return &httpWikipediaSearcher{client: &http.Client{Timeout: 10 * time.Second}}
}

type wikiSummary struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Extract     string `json:"extract"`
	Type        string `json:"type"`
}

func (w *httpWikipediaSearcher) Search(ctx context.Context, entityName, entityType string) (string, error) {
	title := strings.ReplaceAll(strings.TrimSpace(entityName), " ", "_")
	if title == "" {
		return "no entity name given", nil
	}
	reqURL := "https://en.wikipedia.org/api/rest_v1/page/summary/" + url.PathEscape(title)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wikipedia search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Sprintf("no Wikipedia page found for %q", entityName), nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("wikipedia lookup for %q returned status %d", entityName, resp.StatusCode), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var sum wikiSummary
	if err := json.Unmarshal(body, &sum); err != nil {
		return "", fmt.Errorf("wikipedia search: decoding summary: %w", err)
	}
	if sum.Extract == "" {
		return fmt.Sprintf("no usable summary for %q", entityName), nil
	}
	return fmt.Sprintf("%s (%s): %s", sum.Title, sum.Type, sum.Extract), nil
}
