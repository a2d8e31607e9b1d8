package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Tier buckets a query by expected cost/complexity.
type Tier string

const (
	Tier0Trivial  Tier = "TIER0_TRIVIAL"
	Tier1Fast     Tier = "TIER1_FAST"
	Tier2Standard Tier = "TIER2_STANDARD"
	Tier3Complex  Tier = "TIER3_COMPLEX"
	TierOverride  Tier = "OVERRIDE"
)

// ErrQuotaExceededNoFallback is the Result.Error value when a forced model is
// at limit and no fallback remains.
const ErrQuotaExceededNoFallback = "quota_exceeded_no_fallback"

// TierSpec describes one tier's model candidates.
type TierSpec struct {
	Primary    string   `json:"primary"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	Ack        string   `json:"ack,omitempty"`
	DailyLimit int64    `json:"daily_limit,omitempty"` // 0 = unlimited
}

// Rule is one entry of the ordered P1 rule list. A rule matches when its
// pattern matches OR the query length satisfies the bound; first match wins.
type Rule struct {
	Name         string `json:"name"`
	Pattern      string `json:"pattern,omitempty"`
	Flags        string `json:"flags,omitempty"` // "i" for case-insensitive
	MaxLength    int    `json:"max_length,omitempty"`
	MinLength    int    `json:"min_length,omitempty"`
	Tier         Tier   `json:"tier,omitempty"`
	Skip         bool   `json:"skip,omitempty"`
	DirectAnswer string `json:"direct_answer,omitempty"`

	re *regexp.Regexp
}

// Category is a P2 keyword bucket.
type Category struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Tier     Tier     `json:"tier"`

	res []*regexp.Regexp
}

// LLMRouteFunc is the optional P3 fallback: a cheap model classifying the
// query. Failures are swallowed; the default tier applies.
type LLMRouteFunc func(ctx context.Context, query string) (Tier, string, error)

// Config is the smart router configuration.
type Config struct {
	Prefixes    map[string]string `json:"prefixes,omitempty"` // "!flash" → model id
	Rules       []Rule            `json:"rules,omitempty"`
	Categories  []Category        `json:"categories,omitempty"`
	Tiers       map[Tier]TierSpec `json:"tiers"`
	EditInPlace []string          `json:"edit_in_place,omitempty"` // platforms supporting message edits
}

// Result is the routing outcome for one query.
type Result struct {
	Tier         Tier   `json:"tier"`
	Model        string `json:"model"`
	Ack          string `json:"ack,omitempty"`
	Source       string `json:"source"` // "prefix:x", "rule:y", "category:z", "llm", "default:no-match"
	UsedFallback bool   `json:"used_fallback,omitempty"`
	Skip         bool   `json:"skip,omitempty"`
	DirectAnswer string `json:"direct_answer,omitempty"`
	CleanQuery   string `json:"clean_query,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Router assigns queries to model tiers with quota-aware fallback.
// Route is a pure function of the query and the usage-tracker state.
type Router struct {
	cfg      Config
	usage    *UsageTracker
	llmRoute LLMRouteFunc

	prefixes    []string // longest-first so overlapping prefixes resolve deterministically
	editInPlace map[string]bool
}

// New compiles the config and returns a router. Invalid rule or category
// patterns are rejected.
func New(cfg Config, usage *UsageTracker, llmRoute LLMRouteFunc) (*Router, error) {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Pattern == "" {
			continue
		}
		pat := r.Pattern
		if strings.Contains(r.Flags, "i") {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.re = re
	}
	for i := range cfg.Categories {
		c := &cfg.Categories[i]
		for _, kw := range c.Keywords {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("category %q keyword %q: %w", c.Name, kw, err)
			}
			c.res = append(c.res, re)
		}
	}

	edit := make(map[string]bool, len(cfg.EditInPlace))
	for _, p := range cfg.EditInPlace {
		edit[strings.ToLower(p)] = true
	}

	prefixes := make([]string, 0, len(cfg.Prefixes))
	for p := range cfg.Prefixes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	return &Router{cfg: cfg, usage: usage, llmRoute: llmRoute, prefixes: prefixes, editInPlace: edit}, nil
}

// Route assigns query to a tier: P0 prefix override, P1 rules, P2 categories,
// P3 LLM fallback, then the TIER2 default. The router never fails on quota;
// it falls back and flags the result.
func (r *Router) Route(ctx context.Context, query string) Result {
	trimmed := strings.TrimSpace(query)

	// P0: prefix override.
	lower := strings.ToLower(trimmed)
	for _, prefix := range r.prefixes {
		if !strings.HasPrefix(lower, strings.ToLower(prefix)) {
			continue
		}
		clean := strings.TrimSpace(trimmed[len(prefix):])
		return r.forcedResult(r.cfg.Prefixes[prefix], prefix, clean)
	}

	// P1: ordered rules.
	for i := range r.cfg.Rules {
		rule := &r.cfg.Rules[i]
		if !ruleMatches(rule, trimmed) {
			continue
		}
		if rule.Skip {
			return Result{Source: "rule:" + rule.Name, Skip: true}
		}
		tier := rule.Tier
		if tier == "" {
			tier = Tier2Standard
		}
		res := r.createResult(tier, "rule:"+rule.Name)
		res.DirectAnswer = rule.DirectAnswer
		return res
	}

	// P2: category keywords.
	for i := range r.cfg.Categories {
		cat := &r.cfg.Categories[i]
		for _, re := range cat.res {
			if re.MatchString(trimmed) {
				return r.createResult(cat.Tier, "category:"+cat.Name)
			}
		}
	}

	// P3: LLM router fallback.
	if r.llmRoute != nil {
		tier, ack, err := r.llmRoute(ctx, trimmed)
		if err != nil {
			slog.Warn("smart router: llm fallback failed", "error", err)
		} else if tier != "" {
			res := r.createResult(tier, "llm")
			if ack != "" {
				res.Ack = ack
			}
			return res
		}
	}

	return r.createResult(Tier2Standard, "default:no-match")
}

func ruleMatches(rule *Rule, query string) bool {
	if rule.re != nil && rule.re.MatchString(query) {
		return true
	}
	n := len(query)
	if rule.MaxLength > 0 && n <= rule.MaxLength {
		return true
	}
	if rule.MinLength > 0 && n >= rule.MinLength {
		return true
	}
	return false
}

// forcedResult handles a P0 prefix override: the mapped model is used unless
// at limit, in which case the generic TIER3 fallback chain is walked.
func (r *Router) forcedResult(model, prefix, cleanQuery string) Result {
	res := Result{
		Tier:       TierOverride,
		Model:      model,
		Source:     "prefix:" + prefix,
		CleanQuery: cleanQuery,
	}

	limit := r.limitFor(model)
	if !r.usage.IsAtLimit(model, limit) {
		return res
	}

	t3 := r.cfg.Tiers[Tier3Complex]
	for _, fb := range t3.Fallbacks {
		if !r.usage.IsAtLimit(fb, r.limitFor(fb)) {
			res.Model = fb
			res.UsedFallback = true
			return res
		}
	}

	res.Model = ""
	res.Error = ErrQuotaExceededNoFallback
	return res
}

// createResult resolves a tier to a concrete model, walking the tier's
// fallback list when the primary is at its daily limit.
func (r *Router) createResult(tier Tier, source string) Result {
	spec := r.cfg.Tiers[tier]
	res := Result{Tier: tier, Source: source, Model: spec.Primary, Ack: spec.Ack}

	if !r.usage.IsAtLimit(spec.Primary, spec.DailyLimit) {
		return res
	}

	for _, fb := range spec.Fallbacks {
		if !r.usage.IsAtLimit(fb, r.limitFor(fb)) {
			res.Model = fb
			res.UsedFallback = true
			if res.Ack != "" {
				res.Ack += " (fallback)"
			}
			return res
		}
	}

	// Every candidate at limit: keep the primary rather than fail the turn.
	return res
}

// limitFor finds the daily limit configured for a model in any tier where it
// appears as primary. Models only listed as fallbacks inherit no limit.
func (r *Router) limitFor(model string) int64 {
	for _, spec := range r.cfg.Tiers {
		if spec.Primary == model {
			return spec.DailyLimit
		}
	}
	return 0
}

// CleanupPrompt strips a recognized routing prefix from query, if present.
func (r *Router) CleanupPrompt(query string) string {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return trimmed
}

// IncrementUsage records one completed (non-cancelled) turn against modelID
// and returns the new daily count.
func (r *Router) IncrementUsage(modelID string) int64 {
	return r.usage.Increment(modelID)
}

// SupportsEditInPlace reports whether a platform can edit an already posted
// ack message instead of sending a second one.
func (r *Router) SupportsEditInPlace(platform string) bool {
	return r.editInPlace[strings.ToLower(platform)]
}
