package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// HookEvent is the payload passed to tool-call hooks.
type HookEvent struct {
	ToolName   string
	Params     map[string]interface{}
	Result     *Result // set for after_tool_call on success
	Err        error   // set for after_tool_call on failure
	DurationMs int64   // set for after_tool_call
}

// PreHookDecision is the optional outcome of a before_tool_call hook.
// Block short-circuits the dispatch; Params rewrites the params seen by
// all subsequent steps. A nil decision means "no opinion".
type PreHookDecision struct {
	Block       bool
	BlockReason string
	Params      map[string]interface{}
}

// PreHook runs before tool execution. Errors are logged and treated as
// "no opinion"; they never block the call.
type PreHook func(ctx context.Context, ev *HookEvent) (*PreHookDecision, error)

// PostHook runs after tool execution, fire-and-forget.
type PostHook func(ctx context.Context, ev *HookEvent)

// HookPackage bundles the handlers a named hook package provides. Either
// handler may be nil.
type HookPackage struct {
	Name   string
	Before PreHook
	After  PostHook
}

type namedPreHook struct {
	pkg  string
	hook PreHook
}

type namedPostHook struct {
	pkg  string
	hook PostHook
}

// HookRunner invokes registered tool-call hooks in registration order.
// It is carried on the dispatcher explicitly; there is no process-wide
// hook registry.
type HookRunner struct {
	mu   sync.RWMutex
	pre  []namedPreHook
	post []namedPostHook
}

func NewHookRunner() *HookRunner {
	return &HookRunner{}
}

// Load resolves hook package names against the available set and registers
// their handlers. Names are package identifiers only; anything that looks
// like a filesystem path is refused.
func (r *HookRunner) Load(names []string, available map[string]HookPackage) error {
	for _, name := range names {
		if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
			return fmt.Errorf("hook %q: filesystem paths are not accepted, use a package name", name)
		}
		pkg, ok := available[name]
		if !ok {
			return fmt.Errorf("hook %q: unknown package", name)
		}
		r.register(pkg)
	}
	return nil
}

func (r *HookRunner) register(pkg HookPackage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pkg.Before != nil {
		r.pre = append(r.pre, namedPreHook{pkg: pkg.Name, hook: pkg.Before})
	}
	if pkg.After != nil {
		r.post = append(r.post, namedPostHook{pkg: pkg.Name, hook: pkg.After})
	}
}

// RunBefore invokes pre-hooks in order. The first blocking decision wins.
// Param rewrites accumulate: each hook sees the previous hook's rewrite.
func (r *HookRunner) RunBefore(ctx context.Context, ev *HookEvent) *PreHookDecision {
	r.mu.RLock()
	hooks := r.pre
	r.mu.RUnlock()

	params := ev.Params
	rewritten := false
	for _, h := range hooks {
		dec, err := h.hook(ctx, &HookEvent{ToolName: ev.ToolName, Params: params})
		if err != nil {
			slog.Warn("before_tool_call hook failed", "hook", h.pkg, "tool", ev.ToolName, "error", err)
			continue
		}
		if dec == nil {
			continue
		}
		if dec.Block {
			return dec
		}
		if dec.Params != nil {
			params = dec.Params
			rewritten = true
		}
	}
	if rewritten {
		return &PreHookDecision{Params: params}
	}
	return nil
}

// RunAfter invokes post-hooks in order. Panics and errors are swallowed;
// post-hooks never influence the dispatch result.
func (r *HookRunner) RunAfter(ctx context.Context, ev *HookEvent) {
	r.mu.RLock()
	hooks := r.post
	r.mu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Warn("after_tool_call hook panicked", "hook", h.pkg, "tool", ev.ToolName, "panic", rec)
				}
			}()
			h.hook(ctx, ev)
		}()
	}
}
