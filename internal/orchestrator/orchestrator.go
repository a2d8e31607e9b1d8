// Package orchestrator turns one user turn into N sub-agent runs. A fast
// router model sees the configured sub-agents as delegation tools; every
// delegation it emits runs as an independent agent turn with a derived
// session id, in parallel, and the results are aggregated into one reply.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/providers"
)

// AgentResult is one sub-agent's slot in the aggregated response. A failing
// sub-agent fills its slot with status "error" instead of failing the turn.
type AgentResult struct {
	Agent      string `json:"agent"`
	Status     string `json:"status"` // "ok" or "error"
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Result carries the orchestrator's own messages plus the per-agent slots.
// Meta aggregates run bookkeeping (token usage, duration) over every
// sub-agent run so the caller can account the turn against its session.
type Result struct {
	Payloads     []agent.Payload `json:"payloads"`
	AgentResults []AgentResult   `json:"agentResults"`
	Meta         agent.RunMeta   `json:"meta"`
}

// Orchestrator fronts the agent runtime. When disabled it is a pass-through.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	providers *providers.Registry
	runtimes  *agent.RuntimeRegistry
}

// New creates an orchestrator over the given provider and runtime registries.
func New(cfg config.OrchestratorConfig, providerReg *providers.Registry, runtimeReg *agent.RuntimeRegistry) *Orchestrator {
	return &Orchestrator{cfg: cfg, providers: providerReg, runtimes: runtimeReg}
}

// Enabled reports whether delegation is active.
func (o *Orchestrator) Enabled() bool {
	return o.cfg.Enabled && len(o.enabledDelegates()) > 0
}

// Orchestrate executes one user turn. Disabled: the default runtime handles
// the turn and the single result slot is tagged "embedded". Enabled: the
// router model picks delegation tools; zero tool calls means its own text is
// the response, otherwise each delegation runs in parallel.
func (o *Orchestrator) Orchestrate(ctx context.Context, params agent.RunParams) (*Result, error) {
	if !o.Enabled() {
		return o.passthrough(ctx, params)
	}

	provider, err := o.providers.Get(o.cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("orchestrator provider: %w", err)
	}

	delegates := o.enabledDelegates()

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model: o.cfg.Model,
		Messages: []providers.Message{
			{Role: "system", Content: o.systemPrompt(delegates)},
			{Role: "user", Content: params.Prompt},
		},
		Tools: delegationToolDefs(delegates),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator model call: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		out := &Result{Payloads: []agent.Payload{{Text: resp.Content}}}
		if resp.Usage != nil {
			out.Meta.InputTokens = int64(resp.Usage.PromptTokens)
			out.Meta.OutputTokens = int64(resp.Usage.CompletionTokens)
		}
		return out, nil
	}

	results, meta := o.runDelegations(ctx, params, delegates, resp.ToolCalls)
	if resp.Usage != nil {
		meta.InputTokens += int64(resp.Usage.PromptTokens)
		meta.OutputTokens += int64(resp.Usage.CompletionTokens)
	}

	payloads := make([]agent.Payload, 0, len(results)+2)
	if resp.Content != "" {
		payloads = append(payloads, agent.Payload{Text: resp.Content})
	}
	payloads = append(payloads, agent.Payload{Text: summarize(results)})

	return &Result{Payloads: payloads, AgentResults: results, Meta: meta}, nil
}

// passthrough hands the turn straight to the default runtime.
func (o *Orchestrator) passthrough(ctx context.Context, params agent.RunParams) (*Result, error) {
	rt, err := o.runtimes.Resolve("")
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := rt.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	for _, p := range res.Payloads {
		out.WriteString(p.Text)
	}

	return &Result{
		Payloads: res.Payloads,
		AgentResults: []AgentResult{{
			Agent:      "embedded",
			Status:     "ok",
			Output:     out.String(),
			DurationMs: time.Since(started).Milliseconds(),
		}},
		Meta: res.Meta,
	}, nil
}

// runDelegations executes every delegation tool call in parallel. Results
// keep the tool-call order regardless of completion order.
func (o *Orchestrator) runDelegations(ctx context.Context, params agent.RunParams, delegates map[string]config.Delegate, calls []providers.ToolCall) ([]AgentResult, agent.RunMeta) {
	results := make([]AgentResult, len(calls))
	metas := make([]agent.RunMeta, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(slot int, call providers.ToolCall) {
			defer wg.Done()
			results[slot], metas[slot] = o.runOne(ctx, params, delegates, call)
		}(i, call)
	}
	wg.Wait()

	var total agent.RunMeta
	for _, m := range metas {
		total.InputTokens += m.InputTokens
		total.OutputTokens += m.OutputTokens
		if m.ContextTokens > total.ContextTokens {
			total.ContextTokens = m.ContextTokens
		}
		total.Compactions += m.Compactions
	}
	return results, total
}

func (o *Orchestrator) runOne(ctx context.Context, params agent.RunParams, delegates map[string]config.Delegate, call providers.ToolCall) (AgentResult, agent.RunMeta) {
	started := time.Now()
	key := strings.TrimPrefix(call.Name, "delegate_to_")

	fail := func(err error) (AgentResult, agent.RunMeta) {
		slog.Warn("delegation failed", "agent", key, "error", err)
		return AgentResult{
			Agent:      key,
			Status:     "error",
			Error:      err.Error(),
			DurationMs: time.Since(started).Milliseconds(),
		}, agent.RunMeta{}
	}

	d, ok := delegates[key]
	if !ok {
		return fail(fmt.Errorf("unknown delegation tool %q", call.Name))
	}

	task, _ := call.Arguments["task"].(string)
	if task == "" {
		return fail(fmt.Errorf("delegation call missing task"))
	}
	if extra, ok := call.Arguments["context"].(string); ok && extra != "" {
		task = task + "\n\nContext:\n" + extra
	}

	rt, err := o.runtimes.Resolve("")
	if err != nil {
		return fail(err)
	}

	prefix := d.Prefix
	if prefix == "" {
		prefix = key
	}

	sub := params
	sub.SessionID = prefix + "-" + params.SessionID
	sub.SessionKey = prefix + "-" + params.SessionKey
	sub.Prompt = task
	sub.ProviderOverride = d.Provider
	sub.ModelOverride = d.Model
	sub.ExtraSystemPrompt = d.SystemPrompt
	sub.Callbacks = agent.Callbacks{} // sub-agents do not stream to the user

	slog.Info("delegating to sub-agent",
		"agent", key,
		"session_id", sub.SessionID,
		"model", d.Model,
	)

	res, err := rt.Run(ctx, sub)
	if err != nil {
		return fail(err)
	}

	var out strings.Builder
	for _, p := range res.Payloads {
		out.WriteString(p.Text)
	}

	return AgentResult{
		Agent:      key,
		Status:     "ok",
		Output:     out.String(),
		DurationMs: time.Since(started).Milliseconds(),
	}, res.Meta
}

// enabledDelegates returns the active sub-agents keyed by delegate name.
func (o *Orchestrator) enabledDelegates() map[string]config.Delegate {
	out := make(map[string]config.Delegate, len(o.cfg.Subagents))
	for key, d := range o.cfg.Subagents {
		if d.IsEnabled() {
			out[key] = d
		}
	}
	return out
}

// sortedKeys keeps tool ordering deterministic across runs.
func sortedKeys(delegates map[string]config.Delegate) []string {
	keys := make([]string, 0, len(delegates))
	for k := range delegates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o *Orchestrator) systemPrompt(delegates map[string]config.Delegate) string {
	var b strings.Builder
	b.WriteString("You are an orchestrator that routes user requests to specialist sub-agents.\n")
	b.WriteString("Answer trivial questions yourself. For anything substantial, call one or more delegation tools; independent tasks may be delegated in the same turn.\n\n")
	b.WriteString("Available sub-agents:\n")
	for _, key := range sortedKeys(delegates) {
		desc := delegates[key].Description
		if desc == "" {
			desc = "general-purpose sub-agent"
		}
		fmt.Fprintf(&b, "- delegate_to_%s: %s\n", key, desc)
	}
	return b.String()
}

func delegationToolDefs(delegates map[string]config.Delegate) []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(delegates))
	for _, key := range sortedKeys(delegates) {
		desc := delegates[key].Description
		if desc == "" {
			desc = "general-purpose sub-agent"
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        "delegate_to_" + key,
				Description: desc,
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"task": map[string]interface{}{
							"type":        "string",
							"description": "The task for the sub-agent, self-contained.",
						},
						"context": map[string]interface{}{
							"type":        "string",
							"description": "Optional extra context the sub-agent needs.",
						},
					},
					"required": []string{"task"},
				},
			},
		})
	}
	return defs
}

// summarize renders the per-agent slots as one composite reply.
func summarize(results []AgentResult) string {
	if len(results) == 1 {
		r := results[0]
		if r.Status == "error" {
			return fmt.Sprintf("%s failed: %s", r.Agent, r.Error)
		}
		return r.Output
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if r.Status == "error" {
			fmt.Fprintf(&b, "[%s] failed: %s", r.Agent, r.Error)
			continue
		}
		fmt.Fprintf(&b, "[%s]\n%s", r.Agent, r.Output)
	}
	return b.String()
}
