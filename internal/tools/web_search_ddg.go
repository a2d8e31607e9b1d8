package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const ddgSearchEndpoint = "https://html.duckduckgo.com/html/"

// ddgProvider scrapes the DuckDuckGo HTML frontend. Keyless fallback for
// deployments without a Brave subscription.
type ddgProvider struct {
	endpoint   string
	maxResults int
	client     *http.Client
}

func newDDGProvider(maxResults int) *ddgProvider {
	if maxResults <= 0 || maxResults > maxSearchCount {
		maxResults = maxSearchCount
	}
	return &ddgProvider{
		endpoint:   ddgSearchEndpoint,
		maxResults: maxResults,
		client:     &http.Client{Timeout: searchTimeout},
	}
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, q searchQuery) ([]searchHit, error) {
	count := q.Count
	if count > p.maxResults {
		count = p.maxResults
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"?q="+url.QueryEscape(q.Query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return scrapeDDGResults(string(body), count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	anyTagRe     = regexp.MustCompile(`<[^>]+>`)
)

// scrapeDDGResults pulls result links and snippets out of the DDG HTML
// response, at most count of them.
func scrapeDDGResults(html string, count int) []searchHit {
	links := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	if len(links) == 0 {
		return nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var hits []searchHit
	for i := 0; i < len(links) && len(hits) < count; i++ {
		hit := searchHit{
			Title: cleanDDGText(links[i][2]),
			URL:   unwrapDDGRedirect(links[i][1]),
		}
		if i < len(snippets) {
			hit.Snippet = cleanDDGText(snippets[i][1])
		}
		hits = append(hits, hit)
	}
	return hits
}

// unwrapDDGRedirect recovers the destination URL from DDG's /l/?uddg=...
// redirect wrapper. Unwrappable hrefs come back unchanged.
func unwrapDDGRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	parseable := href
	if strings.HasPrefix(parseable, "//") {
		parseable = "https:" + parseable
	}
	u, err := url.Parse(parseable)
	if err != nil {
		return href
	}
	if dest := u.Query().Get("uddg"); dest != "" {
		return dest
	}
	return href
}

func cleanDDGText(fragment string) string {
	return strings.TrimSpace(unescapeEntities(anyTagRe.ReplaceAllString(fragment, "")))
}
