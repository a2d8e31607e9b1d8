package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchRedirectLimit   = 3
	fetchErrorMaxChars   = 4000
	fetchTimeout         = 30 * time.Second
)

// WebFetchTool implements the web_fetch tool: fetch a URL and reduce it to
// readable text.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
}

// WebFetchConfig holds configuration for the web fetch tool.
type WebFetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(defaultCacheMaxEntries, cfg.CacheTTL),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content. Supports HTML (converted to markdown/text), JSON, and plain text. Includes SSRF protection."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extractMode": map[string]interface{}{
				"type":        "string",
				"description": `Extraction mode ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}
	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	extractMode := "markdown"
	if em, ok := args["extractMode"].(string); ok && (em == "markdown" || em == "text") {
		extractMode = em
	}
	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := fmt.Sprintf("fetch|%s|%s|%d", rawURL, extractMode, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return NewResult(cached)
	}

	page, err := t.fetchPage(ctx, rawURL, extractMode, maxChars)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %s", truncateStr(err.Error(), fetchErrorMaxChars)))
	}

	wrapped := wrapExternalContent(page.render(maxChars), "web fetch")
	t.cache.set(cacheKey, wrapped)
	return NewResult(wrapped)
}

// pageContent is the reduced form of one fetched document.
type pageContent struct {
	FinalURL  string
	Status    int
	Extractor string
	Text      string
	Truncated bool
}

func (p *pageContent) render(maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", p.FinalURL)
	fmt.Fprintf(&sb, "Status: %d\n", p.Status)
	fmt.Fprintf(&sb, "Extractor: %s\n", p.Extractor)
	if p.Truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	fmt.Fprintf(&sb, "Length: %d\n\n", len(p.Text))
	sb.WriteString(p.Text)
	return sb.String()
}

func (t *WebFetchTool) fetchPage(ctx context.Context, rawURL, extractMode string, maxChars int) (*pageContent, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	redirects := 0
	client := &http.Client{
		Timeout: fetchTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if redirects > fetchRedirectLimit {
				return fmt.Errorf("stopped after %d redirects", fetchRedirectLimit)
			}
			// Redirect targets get the same SSRF screening as the original URL.
			if err := checkSSRF(req.URL.String()); err != nil {
				return fmt.Errorf("redirect SSRF protection: %w", err)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// HTML carries markup overhead, so read past the char limit before
	// extraction and truncate the extracted text instead.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	text, extractor := extractContent(resp.Header.Get("Content-Type"), body, extractMode)

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	return &pageContent{
		FinalURL:  resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Extractor: extractor,
		Text:      text,
		Truncated: truncated,
	}, nil
}
