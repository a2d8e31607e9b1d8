package router

import (
	"context"
	"errors"
	"testing"
)

func testConfig() Config {
	return Config{
		Prefixes: map[string]string{
			"!flash":  "google/gemini-flash",
			"sonnet:": "anthropic/claude-sonnet",
		},
		Rules: []Rule{
			{Name: "greeting", Pattern: `^(hi|hello|hey)[!.]?$`, Flags: "i", Skip: true},
			{Name: "thanks", Pattern: `^(thanks|thank you)[!.]?$`, Flags: "i", Tier: Tier0Trivial, DirectAnswer: "You're welcome!"},
			{Name: "short", MaxLength: 12, Tier: Tier1Fast},
		},
		Categories: []Category{
			{Name: "coding", Keywords: []string{"refactor", "debug", "compile"}, Tier: Tier3Complex},
			{Name: "lookup", Keywords: []string{"weather", "time"}, Tier: Tier1Fast},
		},
		Tiers: map[Tier]TierSpec{
			Tier0Trivial:  {Primary: "local/tiny"},
			Tier1Fast:     {Primary: "google/gemini-flash", Fallbacks: []string{"openai/gpt-mini"}, Ack: "On it", DailyLimit: 100},
			Tier2Standard: {Primary: "anthropic/claude-sonnet", Fallbacks: []string{"openai/gpt"}},
			Tier3Complex:  {Primary: "anthropic/claude-opus", Fallbacks: []string{"anthropic/claude-sonnet", "openai/gpt"}, Ack: "Thinking hard"},
		},
		EditInPlace: []string{"telegram", "discord"},
	}
}

func newTestRouter(t *testing.T, llm LLMRouteFunc) *Router {
	t.Helper()
	r, err := New(testConfig(), NewUsageTracker(t.TempDir()), llm)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRoute_PrefixOverride(t *testing.T) {
	r := newTestRouter(t, nil)

	res := r.Route(context.Background(), "!flash what time is it")
	if res.Tier != TierOverride {
		t.Errorf("Tier = %s", res.Tier)
	}
	if res.Model != "google/gemini-flash" {
		t.Errorf("Model = %s", res.Model)
	}
	if res.CleanQuery != "what time is it" {
		t.Errorf("CleanQuery = %q", res.CleanQuery)
	}
	if res.Source != "prefix:!flash" {
		t.Errorf("Source = %q", res.Source)
	}
}

func TestRoute_PrefixOverrideUnderQuota(t *testing.T) {
	// Scenario: forced model at its daily limit falls back to the TIER3 chain.
	cfg := testConfig()
	usage := NewUsageTracker(t.TempDir())
	r, err := New(cfg, usage, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Exhaust gemini-flash (limit 100 via TIER1 where it is primary).
	for i := 0; i < 100; i++ {
		usage.Increment("google/gemini-flash")
	}

	res := r.Route(context.Background(), "!flash what time is it")
	if res.Tier != TierOverride {
		t.Errorf("Tier = %s", res.Tier)
	}
	if !res.UsedFallback {
		t.Error("expected UsedFallback")
	}
	if res.Model != "anthropic/claude-sonnet" {
		t.Errorf("Model = %s, want first TIER3 fallback", res.Model)
	}
	if res.CleanQuery != "what time is it" {
		t.Errorf("CleanQuery = %q", res.CleanQuery)
	}
}

func TestRoute_SkipRule(t *testing.T) {
	r := newTestRouter(t, nil)
	res := r.Route(context.Background(), "hello")
	if !res.Skip || res.Source != "rule:greeting" {
		t.Errorf("res = %+v", res)
	}
}

func TestRoute_DirectAnswerRule(t *testing.T) {
	r := newTestRouter(t, nil)
	res := r.Route(context.Background(), "thanks!")
	if res.DirectAnswer != "You're welcome!" {
		t.Errorf("DirectAnswer = %q", res.DirectAnswer)
	}
	if res.Tier != Tier0Trivial {
		t.Errorf("Tier = %s, directAnswer still selects a tier", res.Tier)
	}
}

func TestRoute_LengthRule(t *testing.T) {
	r := newTestRouter(t, nil)
	res := r.Route(context.Background(), "ok then")
	if res.Source != "rule:short" || res.Tier != Tier1Fast {
		t.Errorf("res = %+v", res)
	}
}

func TestRoute_CategoryKeywords(t *testing.T) {
	r := newTestRouter(t, nil)

	res := r.Route(context.Background(), "please refactor this function for readability")
	if res.Source != "category:coding" || res.Tier != Tier3Complex {
		t.Errorf("res = %+v", res)
	}

	res = r.Route(context.Background(), "will the weather hold for the weekend hike we planned")
	if res.Source != "category:lookup" || res.Tier != Tier1Fast {
		t.Errorf("res = %+v", res)
	}
}

func TestRoute_WordBoundaries(t *testing.T) {
	r := newTestRouter(t, nil)
	// "debugging" contains "debug" followed by a letter: \bdebug\b must not match.
	res := r.Route(context.Background(), "tell me about debuggingzzz techniques in general terms")
	if res.Source == "category:coding" {
		t.Errorf("keyword matched inside a longer word: %+v", res)
	}
}

func TestRoute_LLMFallback(t *testing.T) {
	called := false
	r := newTestRouter(t, func(ctx context.Context, q string) (Tier, string, error) {
		called = true
		return Tier3Complex, "Deep dive", nil
	})

	res := r.Route(context.Background(), "please ponder the metaphysics of distributed consensus")
	if !called {
		t.Fatal("llm router not consulted")
	}
	if res.Source != "llm" || res.Tier != Tier3Complex || res.Ack != "Deep dive" {
		t.Errorf("res = %+v", res)
	}
}

func TestRoute_LLMFailureFallsThrough(t *testing.T) {
	r := newTestRouter(t, func(ctx context.Context, q string) (Tier, string, error) {
		return "", "", errors.New("router model down")
	})

	res := r.Route(context.Background(), "please ponder the metaphysics of distributed consensus")
	if res.Source != "default:no-match" || res.Tier != Tier2Standard {
		t.Errorf("res = %+v", res)
	}
}

func TestRoute_Default(t *testing.T) {
	r := newTestRouter(t, nil)
	res := r.Route(context.Background(), "write a short essay about the history of the telegraph")
	if res.Source != "default:no-match" || res.Tier != Tier2Standard {
		t.Errorf("res = %+v", res)
	}
	if res.Model != "anthropic/claude-sonnet" {
		t.Errorf("Model = %s", res.Model)
	}
}

func TestRoute_TierFallbackAck(t *testing.T) {
	cfg := testConfig()
	usage := NewUsageTracker(t.TempDir())
	r, _ := New(cfg, usage, nil)

	for i := 0; i < 100; i++ {
		usage.Increment("google/gemini-flash")
	}

	res := r.Route(context.Background(), "short q") // TIER1 via length rule
	if !res.UsedFallback || res.Model != "openai/gpt-mini" {
		t.Errorf("res = %+v", res)
	}
	if res.Ack != "On it (fallback)" {
		t.Errorf("Ack = %q, want fallback hint", res.Ack)
	}
}

func TestCleanupPrompt(t *testing.T) {
	r := newTestRouter(t, nil)
	if got := r.CleanupPrompt("sonnet: fix this"); got != "fix this" {
		t.Errorf("CleanupPrompt = %q", got)
	}
	if got := r.CleanupPrompt("plain question"); got != "plain question" {
		t.Errorf("CleanupPrompt = %q", got)
	}
}

func TestSupportsEditInPlace(t *testing.T) {
	r := newTestRouter(t, nil)
	if !r.SupportsEditInPlace("Telegram") {
		t.Error("telegram should support edit-in-place")
	}
	if r.SupportsEditInPlace("whatsapp") {
		t.Error("whatsapp should not")
	}
}
