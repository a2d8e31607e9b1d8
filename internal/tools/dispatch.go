package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

// DispatchStatus classifies the outcome of one dispatched tool call.
type DispatchStatus string

const (
	StatusOK          DispatchStatus = "ok"
	StatusBlocked     DispatchStatus = "blocked"
	StatusRateLimited DispatchStatus = "rate_limited"
	StatusError       DispatchStatus = "error"
)

// DispatchResult is the structured outcome returned to the agent loop.
type DispatchResult struct {
	Status     DispatchStatus `json:"status"`
	Tool       string         `json:"tool"`
	Result     *Result        `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Pattern    string         `json:"pattern,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// DispatchContext carries the per-call identity the pipeline needs.
type DispatchContext struct {
	AgentID    string
	SessionKey string
}

// Dispatcher wraps tool execution with hooks, security pre-checks, schema
// validation, and error containment. One instance serves one agent; all
// collaborators are injected.
type Dispatcher struct {
	registry    *Registry
	hooks       *HookRunner
	execLimiter *security.RateLimiter // nil = no exec rate limit
	audit       *security.AuditLog

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema

	callMu        sync.Mutex
	calls         map[string]*inflightCall
	callRetention time.Duration
	lastPrune     time.Time
}

// Completed call ids only need to stay replayable for the duration of a
// turn; after that the record (and its result payload) is dropped.
const (
	defaultCallRetention = 10 * time.Minute
	maxTrackedCalls      = 1024
)

// inflightCall enforces at-most-once execution per call id: the first
// dispatcher runs the pipeline, later arrivals wait and share the outcome.
type inflightCall struct {
	done        chan struct{}
	res         *DispatchResult
	err         error
	completedAt time.Time
}

func NewDispatcher(registry *Registry, hooks *HookRunner, execLimiter *security.RateLimiter, audit *security.AuditLog) *Dispatcher {
	if hooks == nil {
		hooks = NewHookRunner()
	}
	return &Dispatcher{
		registry:      registry,
		hooks:         hooks,
		execLimiter:   execLimiter,
		audit:         audit,
		schemas:       make(map[string]*jsonschema.Schema),
		calls:         make(map[string]*inflightCall),
		callRetention: defaultCallRetention,
	}
}

// Dispatch runs one model-emitted tool call through the pipeline:
// pre-hooks, security pre-check, schema validation, execution, containment,
// post-hooks. Each call id executes at most once; a repeated id returns the
// first result. A cancelled context returns ctx.Err() so the turn unwinds;
// every other failure is contained in the DispatchResult.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName, callID string, params map[string]interface{}, dctx DispatchContext) (*DispatchResult, error) {
	name := NormalizeName(toolName)

	d.callMu.Lock()
	if prev, ok := d.calls[callID]; ok {
		d.callMu.Unlock()
		slog.Debug("duplicate tool call id, sharing first result", "tool", name, "call_id", callID)
		select {
		case <-prev.done:
			return prev.res, prev.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.pruneCallsLocked(time.Now())
	call := &inflightCall{done: make(chan struct{})}
	d.calls[callID] = call
	d.callMu.Unlock()

	call.res, call.err = d.dispatch(ctx, name, params, dctx)
	call.completedAt = time.Now()
	close(call.done)
	return call.res, call.err
}

// pruneCallsLocked drops completed call records past their retention so the
// map does not grow without bound in a long-running process. Runs at most
// once a minute unless the map is over its cap. Caller holds callMu.
func (d *Dispatcher) pruneCallsLocked(now time.Time) {
	if now.Sub(d.lastPrune) < time.Minute && len(d.calls) < maxTrackedCalls {
		return
	}
	d.lastPrune = now
	for id, call := range d.calls {
		select {
		case <-call.done:
			if now.Sub(call.completedAt) >= d.callRetention {
				delete(d.calls, id)
			}
		default:
			// Still in flight.
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, params map[string]interface{}, dctx DispatchContext) (res *DispatchResult, err error) {
	ctx, span := otel.Tracer("clawdbot/tools").Start(ctx, "tool.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("agent.id", dctx.AgentID),
		))
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("tool.status", string(res.Status)))
		}
		span.End()
	}()

	// Step 1: pre-hooks. May block or rewrite params.
	if dec := d.hooks.RunBefore(ctx, &HookEvent{ToolName: name, Params: params}); dec != nil {
		if dec.Block {
			d.record(security.AuditToolDenied, name, dctx, map[string]any{"reason": dec.BlockReason})
			return &DispatchResult{Status: StatusBlocked, Tool: name, Error: dec.BlockReason}, nil
		}
		if dec.Params != nil {
			params = dec.Params
		}
	}

	// Step 2: exec security pre-check and rate limit.
	if name == "exec" {
		command, _ := params["command"].(string)
		if match := security.CheckCommand(command); match != nil {
			d.record(security.AuditDangerousCommand, name, dctx, map[string]any{"pattern": match.Pattern})
			return &DispatchResult{
				Status:     StatusBlocked,
				Tool:       name,
				Error:      match.Explanation,
				Pattern:    match.Pattern,
				Suggestion: match.Suggestion,
			}, nil
		}
		if d.execLimiter != nil && !d.execLimiter.Check(dctx.SessionKey) {
			return &DispatchResult{Status: StatusRateLimited, Tool: name, Error: "exec rate limit exceeded"}, nil
		}
	}

	tool, ok := d.registry.Get(name)
	if !ok {
		return &DispatchResult{Status: StatusError, Tool: name, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}

	// Step 3 prelude: validate params against the declared schema so tools
	// receive a typed view and never revalidate internally.
	if err := d.validateParams(tool, params); err != nil {
		return &DispatchResult{Status: StatusError, Tool: name, Error: fmt.Sprintf("invalid params: %v", err)}, nil
	}

	// Steps 3–4: execute with containment. Cancellation unwinds the turn.
	start := time.Now()
	result, execErr := d.execute(ctx, tool, params)
	duration := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		// Aborted turn: post-hooks are abandoned.
		return nil, ctx.Err()
	}

	ev := &HookEvent{ToolName: name, Params: params, DurationMs: duration}
	out := &DispatchResult{Tool: name, DurationMs: duration}
	switch {
	case execErr != nil:
		slog.Debug("tool execution failed", "tool", name, "error", execErr)
		ev.Err = execErr
		out.Status = StatusError
		out.Error = execErr.Error()
	case result != nil && result.IsError:
		ev.Result = result
		out.Status = StatusError
		out.Result = result
		out.Error = result.ForLLM
	default:
		ev.Result = result
		out.Status = StatusOK
		out.Result = result
	}

	d.record(security.AuditToolInvoke, name, dctx, map[string]any{
		"status":      string(out.Status),
		"duration_ms": duration,
	})
	if name == "exec" {
		d.record(security.AuditExecRun, name, dctx, map[string]any{
			"status":      string(out.Status),
			"duration_ms": duration,
		})
	}

	// Step 5: post-hooks, fire-and-forget, detached from turn cancellation.
	go d.hooks.RunAfter(context.WithoutCancel(ctx), ev)

	return out, nil
}

// execute calls the tool, converting a panic into a contained error.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, params map[string]interface{}) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)
		}
	}()
	return tool.Execute(ctx, params), nil
}

// validateParams checks params against the tool's JSON Schema, compiling and
// caching the schema on first use.
func (d *Dispatcher) validateParams(tool Tool, params map[string]interface{}) error {
	sch, err := d.schemaFor(tool)
	if err != nil {
		return err
	}
	// Round-trip through JSON so numeric types match what the validator
	// expects for decoded instances.
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	return sch.Validate(instance)
}

func (d *Dispatcher) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	name := tool.Name()
	if sch, ok := d.schemas[name]; ok {
		return sch, nil
	}

	raw, err := json.Marshal(tool.Parameters())
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	d.schemas[name] = sch
	return sch, nil
}

func (d *Dispatcher) record(typ security.AuditEventType, tool string, dctx DispatchContext, extra map[string]any) {
	if d.audit == nil {
		return
	}
	payload := map[string]any{"tool": tool, "agent_id": dctx.AgentID, "session_key": dctx.SessionKey}
	for k, v := range extra {
		payload[k] = v
	}
	d.audit.Record(typ, payload)
}
