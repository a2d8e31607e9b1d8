package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawdbot/internal/providers"
)

// Runtime is a pluggable agent backend. The gateway talks to every backend
// through this contract; which one serves an agent is chosen by config.
type Runtime interface {
	// Kind is the config identifier for this backend (e.g. "embedded").
	Kind() string

	// DisplayName is the human-readable backend name for logs and status.
	DisplayName() string

	// Run executes one agent turn. It blocks until the turn completes, the
	// context is cancelled, or params.TimeoutMs elapses. Streaming output is
	// delivered through params.Callbacks while Run is in flight.
	Run(ctx context.Context, params RunParams) (*RunResult, error)
}

// Callbacks receives streamed output during a run. All callbacks are
// optional. Ordering guarantees for one assistant message:
// OnAssistantMessageStart fires before any OnPartialReply or OnBlockReply
// for that message; OnBlockReplyFlush marks end-of-block; within one block,
// chunks arrive in order. Callbacks are invoked from the run's goroutine,
// never concurrently.
type Callbacks struct {
	OnAssistantMessageStart func()
	OnPartialReply          func(text string)
	OnBlockReply            func(text string)
	OnBlockReplyFlush       func()
	OnReasoningStream       func(text string)
	OnToolResult            func(name string, result ToolOutcome)
	OnAgentEvent            func(event RunEvent)
}

// ToolOutcome is the adapter-visible view of one tool call's result.
type ToolOutcome struct {
	Text       string `json:"text,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// RunEvent is a lifecycle event emitted during a run.
type RunEvent struct {
	Type    string      `json:"type"` // "run.started", "run.completed", "run.failed", "tool.call"
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessagingContext identifies where the triggering message came from and how
// replies should be delivered.
type MessagingContext struct {
	Channel    string
	AccountID  string
	ThreadID   string
	GroupID    string
	ReplyMode  string // "thread", "channel", ""
	HasReplied bool
}

// RunParams carries everything one turn needs. Fields the backend does not
// use are ignored; zero values mean "no override".
type RunParams struct {
	SessionID   string
	SessionKey  string
	SessionFile string
	Workspace   string

	// ConfigSnapshot is the agent's resolved config at turn start. Backends
	// must not re-read live config mid-turn.
	ConfigSnapshot map[string]interface{}

	Prompt string
	Images []providers.ImageContent

	ProviderOverride    string
	ModelOverride       string
	AuthProfileOverride string

	ThinkingLevel string // "off", "low", "medium", "high"
	VerboseLevel  string

	TimeoutMs int64
	RunID     string

	ExtraSystemPrompt string

	Messaging MessagingContext
	Callbacks Callbacks
}

// Payload is one unit of final output.
type Payload struct {
	Text    string `json:"text,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// RunMeta carries run bookkeeping alongside the payloads. Token counts are
// summed over every model call of the turn; ContextTokens is the prompt size
// of the last call, i.e. the context occupancy at turn end.
type RunMeta struct {
	DurationMs    int64                  `json:"durationMs"`
	InputTokens   int64                  `json:"inputTokens,omitempty"`
	OutputTokens  int64                  `json:"outputTokens,omitempty"`
	ContextTokens int64                  `json:"contextTokens,omitempty"`
	Compactions   int                    `json:"compactions,omitempty"`
	AgentMeta     map[string]interface{} `json:"agentMeta,omitempty"`
}

// RunResult is the outcome of one completed turn.
type RunResult struct {
	Payloads []Payload `json:"payloads"`
	Meta     RunMeta   `json:"meta"`
}

// RuntimeRegistry maps backend kinds to runtimes. Selection is by the
// agent's configured backend kind; an empty kind resolves to the default.
type RuntimeRegistry struct {
	mu          sync.RWMutex
	runtimes    map[string]Runtime
	defaultKind string
}

func NewRuntimeRegistry() *RuntimeRegistry {
	return &RuntimeRegistry{runtimes: make(map[string]Runtime)}
}

// Register adds a runtime; the first registered backend becomes the default.
func (r *RuntimeRegistry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runtimes) == 0 {
		r.defaultKind = rt.Kind()
	}
	r.runtimes[rt.Kind()] = rt
}

// SetDefault overrides which backend an empty kind resolves to.
func (r *RuntimeRegistry) SetDefault(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runtimes[kind]; !ok {
		return fmt.Errorf("runtime backend not registered: %s", kind)
	}
	r.defaultKind = kind
	return nil
}

// Resolve returns the runtime for kind, or the default when kind is empty.
func (r *RuntimeRegistry) Resolve(kind string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == "" {
		kind = r.defaultKind
	}
	rt, ok := r.runtimes[kind]
	if !ok {
		return nil, fmt.Errorf("runtime backend not registered: %s", kind)
	}
	return rt, nil
}

// Kinds returns the registered backend kinds, sorted.
func (r *RuntimeRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.runtimes))
	for k := range r.runtimes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
