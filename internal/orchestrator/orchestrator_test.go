package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/providers"
)

type fakeProvider struct {
	resp *providers.ChatResponse
	err  error
	req  providers.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.req = req
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

type fakeRuntime struct {
	mu   sync.Mutex
	runs []agent.RunParams
	fail map[string]error // prompt → error
	meta agent.RunMeta    // returned on every successful run
}

func (f *fakeRuntime) Kind() string        { return "embedded" }
func (f *fakeRuntime) DisplayName() string { return "fake runtime" }

func (f *fakeRuntime) Run(_ context.Context, params agent.RunParams) (*agent.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, params)
	f.mu.Unlock()
	if err := f.fail[params.Prompt]; err != nil {
		return nil, err
	}
	return &agent.RunResult{Payloads: []agent.Payload{{Text: "done: " + params.Prompt}}, Meta: f.meta}, nil
}

func newTestOrchestrator(cfg config.OrchestratorConfig, p *fakeProvider, rt *fakeRuntime) *Orchestrator {
	preg := providers.NewRegistry()
	preg.Register(p)
	rreg := agent.NewRuntimeRegistry()
	rreg.Register(rt)
	return New(cfg, preg, rreg)
}

func delegateCfg() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Enabled:  true,
		Provider: "fake",
		Model:    "fake-model",
		Subagents: map[string]config.Delegate{
			"opencode": {Description: "writes code"},
			"research": {Description: "searches the web", Prefix: "res"},
		},
	}
}

func TestDisabledIsPassthrough(t *testing.T) {
	rt := &fakeRuntime{}
	o := newTestOrchestrator(config.OrchestratorConfig{}, &fakeProvider{}, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{SessionID: "s1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if len(res.AgentResults) != 1 || res.AgentResults[0].Agent != "embedded" {
		t.Fatalf("agentResults = %+v, want single embedded slot", res.AgentResults)
	}
	if res.AgentResults[0].Output != "done: hi" {
		t.Errorf("output = %q", res.AgentResults[0].Output)
	}
	if len(rt.runs) != 1 || rt.runs[0].SessionID != "s1" {
		t.Errorf("runtime runs = %+v", rt.runs)
	}
}

func TestNoToolCallsReturnsRouterText(t *testing.T) {
	rt := &fakeRuntime{}
	p := &fakeProvider{resp: &providers.ChatResponse{Content: "42", FinishReason: "stop"}}
	o := newTestOrchestrator(delegateCfg(), p, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{SessionID: "s1", Prompt: "what is 6*7"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "42" {
		t.Errorf("payloads = %+v", res.Payloads)
	}
	if len(res.AgentResults) != 0 {
		t.Errorf("agentResults = %+v, want none", res.AgentResults)
	}
	if len(rt.runs) != 0 {
		t.Errorf("runtime should not run, got %d runs", len(rt.runs))
	}

	// Tool defs are deterministic and cover every enabled delegate.
	if len(p.req.Tools) != 2 {
		t.Fatalf("tool defs = %d, want 2", len(p.req.Tools))
	}
	if p.req.Tools[0].Function.Name != "delegate_to_opencode" || p.req.Tools[1].Function.Name != "delegate_to_research" {
		t.Errorf("tool names = %s, %s", p.req.Tools[0].Function.Name, p.req.Tools[1].Function.Name)
	}
}

func TestParallelDelegationsAggregate(t *testing.T) {
	rt := &fakeRuntime{}
	p := &fakeProvider{resp: &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{
			{ID: "1", Name: "delegate_to_opencode", Arguments: map[string]interface{}{"task": "write it"}},
			{ID: "2", Name: "delegate_to_research", Arguments: map[string]interface{}{"task": "find it", "context": "on arxiv"}},
		},
	}}
	o := newTestOrchestrator(delegateCfg(), p, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{SessionID: "parent", SessionKey: "agent:a:tg", Prompt: "do both"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if len(res.AgentResults) != 2 {
		t.Fatalf("agentResults = %+v", res.AgentResults)
	}
	if res.AgentResults[0].Agent != "opencode" || res.AgentResults[0].Status != "ok" {
		t.Errorf("slot 0 = %+v", res.AgentResults[0])
	}
	if res.AgentResults[1].Agent != "research" || res.AgentResults[1].Status != "ok" {
		t.Errorf("slot 1 = %+v", res.AgentResults[1])
	}

	// Derived session ids use the delegate prefix.
	ids := map[string]bool{}
	for _, run := range rt.runs {
		ids[run.SessionID] = true
	}
	if !ids["opencode-parent"] || !ids["res-parent"] {
		t.Errorf("derived session ids = %v", ids)
	}

	// The context argument is folded into the sub-agent prompt.
	foundContext := false
	for _, run := range rt.runs {
		if strings.Contains(run.Prompt, "on arxiv") {
			foundContext = true
		}
	}
	if !foundContext {
		t.Error("delegation context not passed to sub-agent")
	}

	summary := res.Payloads[len(res.Payloads)-1].Text
	if !strings.Contains(summary, "[opencode]") || !strings.Contains(summary, "[research]") {
		t.Errorf("summary = %q", summary)
	}
}

func TestFailingSubagentIsIsolated(t *testing.T) {
	rt := &fakeRuntime{fail: map[string]error{"boom": errors.New("provider exploded")}}
	p := &fakeProvider{resp: &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{
			{ID: "1", Name: "delegate_to_opencode", Arguments: map[string]interface{}{"task": "boom"}},
			{ID: "2", Name: "delegate_to_research", Arguments: map[string]interface{}{"task": "fine"}},
		},
	}}
	o := newTestOrchestrator(delegateCfg(), p, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{SessionID: "p", Prompt: "x"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if res.AgentResults[0].Status != "error" || !strings.Contains(res.AgentResults[0].Error, "provider exploded") {
		t.Errorf("failed slot = %+v", res.AgentResults[0])
	}
	if res.AgentResults[1].Status != "ok" {
		t.Errorf("healthy slot = %+v", res.AgentResults[1])
	}
	summary := res.Payloads[len(res.Payloads)-1].Text
	if !strings.Contains(summary, "failed: provider exploded") {
		t.Errorf("summary = %q", summary)
	}
}

func TestUnknownDelegationToolFillsErrorSlot(t *testing.T) {
	rt := &fakeRuntime{}
	p := &fakeProvider{resp: &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{
			{ID: "1", Name: "delegate_to_ghost", Arguments: map[string]interface{}{"task": "x"}},
		},
	}}
	o := newTestOrchestrator(delegateCfg(), p, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{SessionID: "p", Prompt: "x"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if res.AgentResults[0].Status != "error" {
		t.Errorf("slot = %+v", res.AgentResults[0])
	}
}

func TestDisabledDelegateIsNotOffered(t *testing.T) {
	off := false
	cfg := delegateCfg()
	cfg.Subagents["moltbot"] = config.Delegate{Enabled: &off}
	p := &fakeProvider{resp: &providers.ChatResponse{Content: "ok"}}
	o := newTestOrchestrator(cfg, p, &fakeRuntime{})

	if _, err := o.Orchestrate(context.Background(), agent.RunParams{Prompt: "x"}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	for _, def := range p.req.Tools {
		if def.Function.Name == "delegate_to_moltbot" {
			t.Error("disabled delegate offered as tool")
		}
	}
}

func TestPassthroughCarriesRunMeta(t *testing.T) {
	rt := &fakeRuntime{meta: agent.RunMeta{InputTokens: 120, OutputTokens: 40, ContextTokens: 120, Compactions: 1}}
	o := newTestOrchestrator(config.OrchestratorConfig{}, &fakeProvider{}, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if res.Meta.InputTokens != 120 || res.Meta.OutputTokens != 40 {
		t.Errorf("Meta tokens = %+v", res.Meta)
	}
	if res.Meta.ContextTokens != 120 || res.Meta.Compactions != 1 {
		t.Errorf("Meta = %+v", res.Meta)
	}
}

func TestDelegationsAggregateUsage(t *testing.T) {
	rt := &fakeRuntime{meta: agent.RunMeta{InputTokens: 100, OutputTokens: 25, ContextTokens: 100}}
	p := &fakeProvider{resp: &providers.ChatResponse{
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{PromptTokens: 30, CompletionTokens: 10},
		ToolCalls: []providers.ToolCall{
			{ID: "1", Name: "delegate_to_opencode", Arguments: map[string]interface{}{"task": "write it"}},
			{ID: "2", Name: "delegate_to_research", Arguments: map[string]interface{}{"task": "find it"}},
		},
	}}
	o := newTestOrchestrator(delegateCfg(), p, rt)

	res, err := o.Orchestrate(context.Background(), agent.RunParams{SessionID: "parent", SessionKey: "agent:a:tg", Prompt: "do both"})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	// Two sub-runs plus the router model call.
	if res.Meta.InputTokens != 230 {
		t.Errorf("InputTokens = %d, want 230", res.Meta.InputTokens)
	}
	if res.Meta.OutputTokens != 60 {
		t.Errorf("OutputTokens = %d, want 60", res.Meta.OutputTokens)
	}
	if res.Meta.ContextTokens != 100 {
		t.Errorf("ContextTokens = %d, want 100", res.Meta.ContextTokens)
	}
}
