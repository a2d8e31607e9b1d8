package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// braveProvider queries the Brave Search API. A per-deployment result cap
// from config bounds the count regardless of what the model asks for.
type braveProvider struct {
	apiKey     string
	endpoint   string
	maxResults int
	client     *http.Client
}

func newBraveProvider(apiKey string, maxResults int) *braveProvider {
	if maxResults <= 0 || maxResults > maxSearchCount {
		maxResults = maxSearchCount
	}
	return &braveProvider{
		apiKey:     apiKey,
		endpoint:   braveSearchEndpoint,
		maxResults: maxResults,
		client:     &http.Client{Timeout: searchTimeout},
	}
}

func (p *braveProvider) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (p *braveProvider) Search(ctx context.Context, q searchQuery) ([]searchHit, error) {
	count := q.Count
	if count > p.maxResults {
		count = p.maxResults
	}

	vals := url.Values{}
	vals.Set("q", q.Query)
	vals.Set("count", strconv.Itoa(count))
	if q.Country != "" {
		vals.Set("country", q.Country)
	}
	if q.SearchLang != "" {
		vals.Set("search_lang", q.SearchLang)
	}
	if q.UILang != "" {
		vals.Set("ui_lang", q.UILang)
	}
	if f := parseFreshness(q.Freshness); f != "" {
		vals.Set("freshness", f)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"?"+vals.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]searchHit, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		if len(hits) >= count {
			break
		}
		hits = append(hits, searchHit{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return hits, nil
}
