package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/security"
)

// fakeTool is a scriptable tool for pipeline tests.
type fakeTool struct {
	name    string
	params  map[string]interface{}
	execute func(ctx context.Context, args map[string]interface{}) *Result

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Parameters() map[string]interface{} {
	if f.params != nil {
		return f.params
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string"},
		},
		"required": []string{"command"},
	}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return NewResult("done")
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestDispatcher(tools ...Tool) (*Dispatcher, *Registry) {
	reg := NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return NewDispatcher(reg, nil, nil, nil), reg
}

func dispatchCtx() DispatchContext {
	return DispatchContext{AgentID: "main", SessionKey: "agent:main:telegram:default:direct:42"}
}

func TestDispatch_Success(t *testing.T) {
	ft := &fakeTool{name: "exec"}
	d, _ := newTestDispatcher(ft)

	res, err := d.Dispatch(context.Background(), "exec", "call-1", map[string]interface{}{"command": "echo hi"}, dispatchCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Errorf("Status = %s (%s)", res.Status, res.Error)
	}
	if res.Result == nil || res.Result.ForLLM != "done" {
		t.Errorf("Result = %+v", res.Result)
	}
	if ft.callCount() != 1 {
		t.Errorf("callCount = %d", ft.callCount())
	}
}

func TestDispatch_AliasNormalization(t *testing.T) {
	ft := &fakeTool{name: "exec"}
	d, _ := newTestDispatcher(ft)

	res, err := d.Dispatch(context.Background(), "bash", "call-1", map[string]interface{}{"command": "echo hi"}, dispatchCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Tool != "exec" {
		t.Errorf("Tool = %s, alias must normalize", res.Tool)
	}
	if res.Status != StatusOK {
		t.Errorf("Status = %s (%s)", res.Status, res.Error)
	}
}

func TestDispatch_DangerousCommandBlocked(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit := security.NewAuditLog(auditPath)

	ft := &fakeTool{name: "exec"}
	reg := NewRegistry()
	reg.Register(ft)
	d := NewDispatcher(reg, nil, nil, audit)

	res, err := d.Dispatch(context.Background(), "exec", "call-1",
		map[string]interface{}{"command": "rm -rf / --no-preserve-root"}, dispatchCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusBlocked || res.Tool != "exec" {
		t.Errorf("res = %+v", res)
	}
	if res.Pattern == "" {
		t.Error("blocked result must carry the matched pattern")
	}
	if ft.callCount() != 0 {
		t.Error("execute must never be called for a blocked command")
	}

	// Exactly one dangerous_command_blocked audit entry.
	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	blocked := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		if rec["type"] == string(security.AuditDangerousCommand) {
			blocked++
		}
	}
	if blocked != 1 {
		t.Errorf("dangerous_command_blocked entries = %d", blocked)
	}
}

func TestDispatch_AuditsInvokeAndExecRun(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit := security.NewAuditLog(auditPath)

	ft := &fakeTool{name: "exec"}
	reg := NewRegistry()
	reg.Register(ft)
	d := NewDispatcher(reg, nil, nil, audit)

	res, err := d.Dispatch(context.Background(), "exec", "call-1",
		map[string]interface{}{"command": "echo hi"}, dispatchCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("Status = %s (%s)", res.Status, res.Error)
	}

	counts := map[string]int{}
	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		counts[rec["type"].(string)]++
	}
	if counts[string(security.AuditToolInvoke)] != 1 {
		t.Errorf("tool_invoke entries = %d", counts[string(security.AuditToolInvoke)])
	}
	if counts[string(security.AuditExecRun)] != 1 {
		t.Errorf("exec_run entries = %d", counts[string(security.AuditExecRun)])
	}
}

func TestDispatch_ExecRateLimited(t *testing.T) {
	limiter := security.NewRateLimiter(security.RateLimiterConfig{
		MaxRequests:   1,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})
	ft := &fakeTool{name: "exec"}
	reg := NewRegistry()
	reg.Register(ft)
	d := NewDispatcher(reg, nil, limiter, nil)

	args := map[string]interface{}{"command": "echo hi"}
	if res, _ := d.Dispatch(context.Background(), "exec", "c1", args, dispatchCtx()); res.Status != StatusOK {
		t.Fatalf("first call: %+v", res)
	}
	res, _ := d.Dispatch(context.Background(), "exec", "c2", args, dispatchCtx())
	if res.Status != StatusRateLimited {
		t.Errorf("second call Status = %s", res.Status)
	}
	if ft.callCount() != 1 {
		t.Errorf("callCount = %d", ft.callCount())
	}
}

func TestDispatch_SchemaValidation(t *testing.T) {
	ft := &fakeTool{name: "lookup", params: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
			"limit": map[string]interface{}{"type": "integer"},
		},
		"required": []string{"query"},
	}}
	d, _ := newTestDispatcher(ft)

	res, _ := d.Dispatch(context.Background(), "lookup", "c1", map[string]interface{}{"limit": 3}, dispatchCtx())
	if res.Status != StatusError {
		t.Errorf("missing required param: Status = %s", res.Status)
	}
	if ft.callCount() != 0 {
		t.Error("execute must not run on invalid params")
	}

	res, _ = d.Dispatch(context.Background(), "lookup", "c2", map[string]interface{}{"query": 7}, dispatchCtx())
	if res.Status != StatusError {
		t.Errorf("wrong param type: Status = %s", res.Status)
	}

	res, _ = d.Dispatch(context.Background(), "lookup", "c3", map[string]interface{}{"query": "go", "limit": 3}, dispatchCtx())
	if res.Status != StatusOK {
		t.Errorf("valid params: Status = %s (%s)", res.Status, res.Error)
	}
}

func TestDispatch_ErrorContainment(t *testing.T) {
	ft := &fakeTool{name: "exec", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		return ErrorResult("disk full")
	}}
	d, _ := newTestDispatcher(ft)

	res, err := d.Dispatch(context.Background(), "exec", "c1", map[string]interface{}{"command": "true"}, dispatchCtx())
	if err != nil {
		t.Fatalf("tool errors must be contained, got %v", err)
	}
	if res.Status != StatusError || res.Error != "disk full" {
		t.Errorf("res = %+v", res)
	}
}

func TestDispatch_PanicContainment(t *testing.T) {
	ft := &fakeTool{name: "exec", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		panic("boom")
	}}
	d, _ := newTestDispatcher(ft)

	res, err := d.Dispatch(context.Background(), "exec", "c1", map[string]interface{}{"command": "true"}, dispatchCtx())
	if err != nil {
		t.Fatalf("panic must be contained, got %v", err)
	}
	if res.Status != StatusError {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestDispatch_AbortUnwinds(t *testing.T) {
	started := make(chan struct{})
	ft := &fakeTool{name: "exec", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		close(started)
		<-ctx.Done()
		return ErrorResult("cancelled")
	}}
	d, _ := newTestDispatcher(ft)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := d.Dispatch(ctx, "exec", "c1", map[string]interface{}{"command": "sleep"}, dispatchCtx())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, abort must propagate", err)
	}
}

func TestDispatch_AtMostOncePerCallID(t *testing.T) {
	ft := &fakeTool{name: "exec"}
	d, _ := newTestDispatcher(ft)

	args := map[string]interface{}{"command": "echo hi"}
	first, _ := d.Dispatch(context.Background(), "exec", "same-id", args, dispatchCtx())
	second, _ := d.Dispatch(context.Background(), "exec", "same-id", args, dispatchCtx())

	if ft.callCount() != 1 {
		t.Errorf("callCount = %d, call id must execute at most once", ft.callCount())
	}
	if first != second {
		t.Error("repeated call id must return the first result")
	}
}

func TestDispatch_CompletedCallsArePruned(t *testing.T) {
	ft := &fakeTool{name: "exec"}
	d, _ := newTestDispatcher(ft)
	d.callRetention = 0

	args := map[string]interface{}{"command": "echo hi"}
	if _, err := d.Dispatch(context.Background(), "exec", "old-id", args, dispatchCtx()); err != nil {
		t.Fatal(err)
	}

	// The next dispatch prunes expired completed records before inserting.
	d.lastPrune = time.Time{}
	if _, err := d.Dispatch(context.Background(), "exec", "new-id", args, dispatchCtx()); err != nil {
		t.Fatal(err)
	}

	d.callMu.Lock()
	_, oldKept := d.calls["old-id"]
	_, newKept := d.calls["new-id"]
	d.callMu.Unlock()
	if oldKept {
		t.Error("completed call record past retention must be pruned")
	}
	if !newKept {
		t.Error("in-window call record must stay tracked")
	}

	// A pruned id is no longer deduplicated and executes again.
	if _, err := d.Dispatch(context.Background(), "exec", "old-id", args, dispatchCtx()); err != nil {
		t.Fatal(err)
	}
	if ft.callCount() != 3 {
		t.Errorf("callCount = %d, want 3", ft.callCount())
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	d, _ := newTestDispatcher()
	res, err := d.Dispatch(context.Background(), "nope", "c1", map[string]interface{}{}, dispatchCtx())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError {
		t.Errorf("Status = %s", res.Status)
	}
}
