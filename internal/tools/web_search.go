package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchTimeout      = 30 * time.Second
)

// searchProvider is a web search backend. Providers receive the already
// clamped query and return hits in rank order.
type searchProvider interface {
	Name() string
	Search(ctx context.Context, q searchQuery) ([]searchHit, error)
}

type searchQuery struct {
	Query      string
	Count      int
	Country    string
	SearchLang string
	UILang     string
	Freshness  string
}

type searchHit struct {
	Title   string
	URL     string
	Snippet string
}

var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

// parseFreshness validates a freshness filter. Accepts the pd/pw/pm/py
// shortcuts and YYYY-MM-DDtoYYYY-MM-DD ranges; anything else maps to ""
// (no filter) rather than an error.
func parseFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearchTool implements the web_search tool over pluggable providers.
// Providers are tried in order; the first one to answer wins.
type WebSearchTool struct {
	providers []searchProvider
	cache     *webCache
}

// WebSearchConfig holds configuration for the web search tool.
type WebSearchConfig struct {
	BraveAPIKey     string
	BraveEnabled    bool
	BraveMaxResults int
	DDGEnabled      bool
	DDGMaxResults   int
	CacheTTL        time.Duration
}

// NewWebSearchTool returns nil when no provider is configured, which the
// caller treats as "tool unavailable".
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	var providers []searchProvider
	if cfg.BraveEnabled && cfg.BraveAPIKey != "" {
		providers = append(providers, newBraveProvider(cfg.BraveAPIKey, cfg.BraveMaxResults))
	}
	if cfg.DDGEnabled {
		providers = append(providers, newDDGProvider(cfg.DDGMaxResults))
	}
	if len(providers) == 0 {
		return nil
	}
	return &WebSearchTool{
		providers: providers,
		cache:     newWebCache(defaultCacheMaxEntries, cfg.CacheTTL),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets from search results."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
			"country": map[string]interface{}{
				"type":        "string",
				"description": "2-letter country code for region-specific results (e.g., 'DE', 'US', 'ALL'). Default: 'US'.",
			},
			"search_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for search results (e.g., 'de', 'en', 'fr').",
			},
			"ui_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for UI elements.",
			},
			"freshness": map[string]interface{}{
				"type":        "string",
				"description": "Filter results by discovery time. Supports 'pd' (past day), 'pw' (past week), 'pm' (past month), 'py' (past year), and date range 'YYYY-MM-DDtoYYYY-MM-DD'.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}

	count := defaultSearchCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 {
		count = int(c)
	}
	if count > maxSearchCount {
		count = maxSearchCount
	}

	q := searchQuery{
		Query:      query,
		Count:      count,
		Country:    stringArg(args, "country"),
		SearchLang: stringArg(args, "search_lang"),
		UILang:     stringArg(args, "ui_lang"),
		Freshness:  stringArg(args, "freshness"),
	}

	cacheKey := q.cacheKey()
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_search cache hit", "query", query)
		return NewResult(cached)
	}

	var lastErr error
	for _, provider := range t.providers {
		hits, err := provider.Search(ctx, q)
		if err != nil {
			slog.Warn("web_search provider failed", "provider", provider.Name(), "error", err)
			lastErr = err
			continue
		}
		wrapped := wrapExternalContent(renderHits(query, provider.Name(), hits), "web search")
		t.cache.set(cacheKey, wrapped)
		return NewResult(wrapped)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
	}
	return ErrorResult("no search providers configured")
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func (q searchQuery) cacheKey() string {
	return fmt.Sprintf("search|%s|%d|%s|%s|%s|%s",
		q.Query, q.Count, q.Country, q.SearchLang, q.UILang, q.Freshness)
}

func renderHits(query, provider string, hits []searchHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, provider)
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", h.Snippet)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
