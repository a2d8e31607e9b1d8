package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawdbot/internal/providers"
	"github.com/nextlevelbuilder/clawdbot/internal/tools"
)

const (
	defaultMaxIterations = 20
	defaultHistoryTurns  = 40
)

// EmbeddedConfig configures the built-in think/act/observe backend.
type EmbeddedConfig struct {
	AgentID         string
	Providers       *providers.Registry
	DefaultProvider string
	DefaultModel    string
	Dispatcher      *tools.Dispatcher
	Tools           *tools.Registry
	SystemPrompt    string
	MaxIterations   int
	HistoryTurns    int // max messages kept per session transcript

	// ToolDefs overrides the registry listing when set, so a policy-filtered
	// tool set can be advertised to the model.
	ToolDefs func() []providers.ToolDefinition

	// ToolContext decorates the per-turn context before tool dispatch, e.g.
	// with per-agent vision and image-generation settings.
	ToolContext func(ctx context.Context) context.Context
}

// Embedded is the built-in runtime: a provider-driven loop that executes
// model-emitted tool calls through the dispatch pipeline and streams output
// through the run callbacks.
type Embedded struct {
	agentID         string
	providers       *providers.Registry
	defaultProvider string
	defaultModel    string
	dispatcher      *tools.Dispatcher
	tools           *tools.Registry
	systemPrompt    string
	maxIterations   int
	historyTurns    int
	toolDefsFn      func() []providers.ToolDefinition
	toolContextFn   func(ctx context.Context) context.Context

	histMu  sync.Mutex
	history map[string][]providers.Message // session key → transcript
}

func NewEmbedded(cfg EmbeddedConfig) *Embedded {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	return &Embedded{
		agentID:         cfg.AgentID,
		providers:       cfg.Providers,
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		dispatcher:      cfg.Dispatcher,
		tools:           cfg.Tools,
		systemPrompt:    cfg.SystemPrompt,
		maxIterations:   cfg.MaxIterations,
		historyTurns:    cfg.HistoryTurns,
		toolDefsFn:      cfg.ToolDefs,
		toolContextFn:   cfg.ToolContext,
		history:         make(map[string][]providers.Message),
	}
}

func (e *Embedded) Kind() string        { return "embedded" }
func (e *Embedded) DisplayName() string { return "Embedded loop" }

// Run executes one turn. The turn is bounded by params.TimeoutMs and the
// caller's context; cancellation unwinds in-flight tool calls via their
// context and the partial transcript is discarded.
func (e *Embedded) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	if params.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	provider, err := e.resolveProvider(params.ProviderOverride)
	if err != nil {
		return nil, err
	}
	model := params.ModelOverride
	if model == "" {
		model = e.defaultModel
	}

	ctx, span := otel.Tracer("clawdbot/agent").Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", e.agentID),
			attribute.String("run.id", params.RunID),
			attribute.String("llm.model", model),
		))
	defer span.End()

	// Tools read per-turn state (workspace, attached images, per-agent
	// vision settings) from the dispatch context, never from shared fields.
	if params.Workspace != "" {
		ctx = tools.WithToolWorkspace(ctx, params.Workspace)
	}
	if len(params.Images) > 0 {
		ctx = tools.WithMediaImages(ctx, params.Images)
	}
	if e.toolContextFn != nil {
		ctx = e.toolContextFn(ctx)
	}

	cb := params.Callbacks
	emit := func(ev RunEvent) {
		if cb.OnAgentEvent != nil {
			ev.RunID = params.RunID
			cb.OnAgentEvent(ev)
		}
	}

	start := time.Now()
	emit(RunEvent{Type: "run.started"})

	messages := e.buildMessages(params)
	var pending []providers.Message
	pending = append(pending, userMessage(params))
	messages = append(messages, pending[0])

	var finalText string
	var inputTokens, outputTokens, contextTokens int64
	iterations := 0

	for iterations < e.maxIterations {
		iterations++
		if err := ctx.Err(); err != nil {
			emit(RunEvent{Type: "run.failed", Payload: map[string]string{"error": err.Error()}})
			return nil, err
		}

		slog.Debug("embedded iteration", "agent", e.agentID, "run", params.RunID, "iteration", iterations)

		req := providers.ChatRequest{
			Messages: messages,
			Tools:    e.toolDefs(),
			Model:    model,
		}

		resp, err := e.chat(ctx, provider, req, cb)
		if err != nil {
			emit(RunEvent{Type: "run.failed", Payload: map[string]string{"error": err.Error()}})
			return nil, fmt.Errorf("model call failed (iteration %d): %w", iterations, err)
		}

		if resp.Usage != nil {
			inputTokens += int64(resp.Usage.PromptTokens)
			outputTokens += int64(resp.Usage.CompletionTokens)
			contextTokens = int64(resp.Usage.PromptTokens)
		}

		if resp.Content != "" {
			if cb.OnBlockReply != nil {
				cb.OnBlockReply(resp.Content)
			}
			if cb.OnBlockReplyFlush != nil {
				cb.OnBlockReplyFlush()
			}
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		for _, tc := range resp.ToolCalls {
			emit(RunEvent{Type: "tool.call", Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID}})

			res, err := e.dispatcher.Dispatch(ctx, tc.Name, tc.ID, tc.Arguments, tools.DispatchContext{
				AgentID:    e.agentID,
				SessionKey: params.SessionKey,
			})
			if err != nil {
				// Abort: unwind the turn, drop the partial transcript.
				emit(RunEvent{Type: "run.failed", Payload: map[string]string{"error": err.Error()}})
				return nil, err
			}

			outcome := outcomeFor(res)
			if cb.OnToolResult != nil {
				cb.OnToolResult(res.Tool, outcome)
			}

			toolMsg := providers.Message{Role: "tool", Content: toolReplyText(res), ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}
	}

	pending = append(pending, providers.Message{Role: "assistant", Content: finalText})
	compactions := e.appendHistory(params.SessionKey, pending)

	emit(RunEvent{Type: "run.completed"})

	return &RunResult{
		Payloads: []Payload{{Text: finalText}},
		Meta: RunMeta{
			DurationMs:    time.Since(start).Milliseconds(),
			InputTokens:   inputTokens,
			OutputTokens:  outputTokens,
			ContextTokens: contextTokens,
			Compactions:   compactions,
			AgentMeta: map[string]interface{}{
				"backend":    e.Kind(),
				"iterations": iterations,
				"model":      model,
			},
		},
	}, nil
}

// chat calls the provider, streaming when callbacks want partial output.
// OnAssistantMessageStart fires once, before the first content chunk.
func (e *Embedded) chat(ctx context.Context, provider providers.Provider, req providers.ChatRequest, cb Callbacks) (*providers.ChatResponse, error) {
	streaming := cb.OnPartialReply != nil || cb.OnReasoningStream != nil
	if !streaming {
		if cb.OnAssistantMessageStart != nil {
			cb.OnAssistantMessageStart()
		}
		return provider.Chat(ctx, req)
	}

	started := false
	return provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		if !started && (chunk.Content != "" || chunk.Thinking != "") {
			started = true
			if cb.OnAssistantMessageStart != nil {
				cb.OnAssistantMessageStart()
			}
		}
		if chunk.Thinking != "" && cb.OnReasoningStream != nil {
			cb.OnReasoningStream(chunk.Thinking)
		}
		if chunk.Content != "" && cb.OnPartialReply != nil {
			cb.OnPartialReply(chunk.Content)
		}
	})
}

func (e *Embedded) resolveProvider(override string) (providers.Provider, error) {
	name := override
	if name == "" {
		name = e.defaultProvider
	}
	return e.providers.Get(name)
}

func (e *Embedded) toolDefs() []providers.ToolDefinition {
	if e.toolDefsFn != nil {
		return e.toolDefsFn()
	}
	if e.tools == nil {
		return nil
	}
	var defs []providers.ToolDefinition
	for _, name := range e.tools.List() {
		if t, ok := e.tools.Get(name); ok {
			defs = append(defs, tools.ToProviderDef(t))
		}
	}
	return defs
}

// buildMessages assembles the system prompt and the stored transcript.
func (e *Embedded) buildMessages(params RunParams) []providers.Message {
	var messages []providers.Message

	system := e.systemPrompt
	if params.ExtraSystemPrompt != "" {
		if system != "" {
			system += "\n\n"
		}
		system += params.ExtraSystemPrompt
	}
	if system != "" {
		messages = append(messages, providers.Message{Role: "system", Content: system})
	}

	e.histMu.Lock()
	messages = append(messages, e.history[params.SessionKey]...)
	e.histMu.Unlock()
	return messages
}

func userMessage(params RunParams) providers.Message {
	return providers.Message{Role: "user", Content: params.Prompt, Images: params.Images}
}

// appendHistory flushes the turn's messages at once so a concurrent reader
// never sees a half-written turn, then trims to the configured window.
// Returns 1 when the window forced a trim, so the session entry's
// compaction count can advance.
func (e *Embedded) appendHistory(sessionKey string, msgs []providers.Message) int {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	h := append(e.history[sessionKey], msgs...)
	compactions := 0
	if len(h) > e.historyTurns {
		h = h[len(h)-e.historyTurns:]
		compactions = 1
	}
	e.history[sessionKey] = h
	return compactions
}

// ResetHistory drops the stored transcript for a session (used by /new).
func (e *Embedded) ResetHistory(sessionKey string) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	delete(e.history, sessionKey)
}

func outcomeFor(res *tools.DispatchResult) ToolOutcome {
	out := ToolOutcome{DurationMs: res.DurationMs}
	switch res.Status {
	case tools.StatusOK:
		if res.Result != nil {
			out.Text = res.Result.ForLLM
		}
	default:
		out.IsError = true
		out.Text = res.Error
	}
	return out
}

// toolReplyText is what the model sees for a dispatched call.
func toolReplyText(res *tools.DispatchResult) string {
	switch res.Status {
	case tools.StatusOK:
		if res.Result != nil && res.Result.ForLLM != "" {
			return res.Result.ForLLM
		}
		return "(no output)"
	case tools.StatusBlocked:
		msg := "Tool call blocked: " + res.Error
		if res.Suggestion != "" {
			msg += "\nSuggestion: " + res.Suggestion
		}
		return msg
	case tools.StatusRateLimited:
		return "Tool call rate limited; slow down and retry later."
	default:
		return "Tool error: " + res.Error
	}
}
