package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseFreshness(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pd", "pd"},
		{"PW", "pw"},
		{" pm ", "pm"},
		{"py", "py"},
		{"2024-01-01to2024-06-30", "2024-01-01to2024-06-30"},
		{"2024-06-30to2024-01-01", ""}, // inverted range
		{"2024-13-01to2024-12-31", ""}, // invalid month
		{"yesterday", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseFreshness(tc.in); got != tc.want {
			t.Errorf("parseFreshness(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewWebSearchToolAppliesResultCaps(t *testing.T) {
	tool := NewWebSearchTool(WebSearchConfig{
		BraveEnabled:    true,
		BraveAPIKey:     "key",
		BraveMaxResults: 3,
		DDGEnabled:      true,
		DDGMaxResults:   2,
	})
	if tool == nil {
		t.Fatal("expected tool with two providers")
	}
	if len(tool.providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(tool.providers))
	}
	if got := tool.providers[0].(*braveProvider).maxResults; got != 3 {
		t.Errorf("brave maxResults = %d, want 3", got)
	}
	if got := tool.providers[1].(*ddgProvider).maxResults; got != 2 {
		t.Errorf("ddg maxResults = %d, want 2", got)
	}
}

func TestProviderCapsDefaultToGlobalLimit(t *testing.T) {
	if got := newBraveProvider("key", 0).maxResults; got != maxSearchCount {
		t.Errorf("unset brave cap = %d, want %d", got, maxSearchCount)
	}
	if got := newBraveProvider("key", 50).maxResults; got != maxSearchCount {
		t.Errorf("oversized brave cap = %d, want %d", got, maxSearchCount)
	}
	if got := newDDGProvider(-1).maxResults; got != maxSearchCount {
		t.Errorf("negative ddg cap = %d, want %d", got, maxSearchCount)
	}
}

func TestBraveProviderClampsRequestedCount(t *testing.T) {
	var gotCount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCount = r.URL.Query().Get("count")
		var results []string
		for i := 0; i < 10; i++ {
			results = append(results, fmt.Sprintf(`{"title":"r%d","url":"https://example.com/%d","description":"d%d"}`, i, i, i))
		}
		fmt.Fprintf(w, `{"web":{"results":[%s]}}`, strings.Join(results, ","))
	}))
	defer srv.Close()

	p := newBraveProvider("key", 2)
	p.endpoint = srv.URL

	hits, err := p.Search(context.Background(), searchQuery{Query: "go", Count: 8})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotCount != "2" {
		t.Errorf("request count param = %q, want %q", gotCount, "2")
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

const ddgSampleHTML = `
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">Go <b>Documentation</b></a>
  <a class="result__snippet" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F">Learn &amp; explore Go.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://example.com/two">Second Result</a>
  <a class="result__snippet" href="https://example.com/two">Another page.</a>
</div>`

func TestScrapeDDGResults(t *testing.T) {
	hits := scrapeDDGResults(ddgSampleHTML, 5)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].URL != "https://go.dev/doc/" {
		t.Errorf("redirect not unwrapped: %q", hits[0].URL)
	}
	if hits[0].Title != "Go Documentation" {
		t.Errorf("title = %q, want tags stripped", hits[0].Title)
	}
	if hits[0].Snippet != "Learn & explore Go." {
		t.Errorf("snippet = %q, want entities decoded", hits[0].Snippet)
	}
	if hits[1].URL != "https://example.com/two" {
		t.Errorf("plain URL changed: %q", hits[1].URL)
	}
}

func TestScrapeDDGResultsHonorsCount(t *testing.T) {
	hits := scrapeDDGResults(ddgSampleHTML, 1)
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
}

func TestUnwrapDDGRedirect(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&rut=x", "https://go.dev/"},
		{"https://example.com/page", "https://example.com/page"},
		{"//duckduckgo.com/l/?other=1", "//duckduckgo.com/l/?other=1"},
	}
	for _, tc := range cases {
		if got := unwrapDDGRedirect(tc.in); got != tc.want {
			t.Errorf("unwrapDDGRedirect(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderHits(t *testing.T) {
	out := renderHits("golang", "brave", []searchHit{
		{Title: "Go", URL: "https://go.dev", Snippet: "The Go language"},
	})
	for _, want := range []string{"golang", "via brave", "1. Go", "https://go.dev", "The Go language"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	empty := renderHits("nothing", "brave", nil)
	if !strings.Contains(empty, "No results found") {
		t.Errorf("empty output = %q", empty)
	}
}
