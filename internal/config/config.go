package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/clawdbot/internal/auth"
	"github.com/nextlevelbuilder/clawdbot/internal/router"
)

// DefaultAgentID is used when no agent is marked default in agents.list.
const DefaultAgentID = "main"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Clawdbot gateway.
type Config struct {
	StateDir     string             `json:"state_dir,omitempty"` // durable state root (default ~/.clawdbot)
	Agents       AgentsConfig       `json:"agents"`
	Channels     ChannelsConfig     `json:"channels"`
	Providers    ProvidersConfig    `json:"providers"`
	Gateway      GatewayConfig      `json:"gateway"`
	Tools        ToolsConfig        `json:"tools"`
	Sessions     SessionsConfig     `json:"sessions"`
	Routing      router.Config      `json:"routing,omitempty"`
	Auth         auth.Config        `json:"auth,omitempty"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Bindings     []AgentBinding     `json:"bindings,omitempty"`
	mu           sync.RWMutex
}

// OrchestratorConfig configures the multi-agent orchestrator. When disabled,
// orchestrate() is a pass-through to the default embedded runtime.
type OrchestratorConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	Provider  string              `json:"provider,omitempty"` // router model provider
	Model     string              `json:"model,omitempty"`    // fast router model
	Subagents map[string]Delegate `json:"subagents,omitempty"`
}

// Delegate describes one sub-agent reachable through a delegation tool.
type Delegate struct {
	Enabled      *bool  `json:"enabled,omitempty"` // default true
	Prefix       string `json:"prefix,omitempty"`  // derived session-id prefix (default: delegate key)
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Description  string `json:"description,omitempty"` // shown to the orchestrator model
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// IsEnabled reports whether this delegate is active (default true).
func (d Delegate) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", "whatsapp", "webhook"
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string                `json:"workspace"`
	RestrictToWorkspace bool                  `json:"restrict_to_workspace"`
	Provider            string                `json:"provider"`
	Model               string                `json:"model"`
	MaxTokens           int                   `json:"max_tokens"`
	Temperature         float64               `json:"temperature"`
	MaxToolIterations   int                   `json:"max_tool_iterations"`
	ContextWindow       int                   `json:"context_window"`
	MaxConcurrent       int                   `json:"maxConcurrent,omitempty"` // sink parallelism cap (default 8)
	TimeoutMs           int64                 `json:"timeoutMs,omitempty"`     // per-turn deadline (default 600000)
	HistoryTurns        int                   `json:"historyTurns,omitempty"`  // transcript messages kept per session
	Compaction          *CompactionConfig     `json:"compaction,omitempty"`
	ContextPruning      *ContextPruningConfig `json:"contextPruning,omitempty"`
	Heartbeat           *HeartbeatConfig      `json:"heartbeat,omitempty"`
}

// CompactionConfig configures session compaction behaviour.
type CompactionConfig struct {
	ReserveTokensFloor int     `json:"reserveTokensFloor,omitempty"` // min reserve tokens (default 20000)
	MaxHistoryShare    float64 `json:"maxHistoryShare,omitempty"`    // max share of context for history (default 0.75)
	MinMessages        int     `json:"minMessages,omitempty"`        // min messages before compaction triggers (default 50)
	KeepLastMessages   int     `json:"keepLastMessages,omitempty"`   // messages to keep after compaction (default 4)
}

// ContextPruningConfig configures in-memory pruning of old tool results.
// Mode "cache-ttl": prune when context exceeds softTrimRatio of context window.
type ContextPruningConfig struct {
	Mode                 string                   `json:"mode,omitempty"`                 // "off" (default), "cache-ttl"
	KeepLastAssistants   int                      `json:"keepLastAssistants,omitempty"`   // protect last N assistant msgs (default 3)
	SoftTrimRatio        float64                  `json:"softTrimRatio,omitempty"`        // start soft trim at this % of window (default 0.3)
	HardClearRatio       float64                  `json:"hardClearRatio,omitempty"`       // start hard clear at this % (default 0.5)
	MinPrunableToolChars int                      `json:"minPrunableToolChars,omitempty"` // min chars in prunable tools before acting (default 50000)
	SoftTrim             *ContextPruningSoftTrim  `json:"softTrim,omitempty"`
	HardClear            *ContextPruningHardClear `json:"hardClear,omitempty"`
}

// ContextPruningSoftTrim configures how long tool results are trimmed.
type ContextPruningSoftTrim struct {
	MaxChars  int `json:"maxChars,omitempty"`  // tool results longer than this get trimmed (default 4000)
	HeadChars int `json:"headChars,omitempty"` // keep first N chars (default 1500)
	TailChars int `json:"tailChars,omitempty"` // keep last N chars (default 1500)
}

// ContextPruningHardClear configures replacement of old tool results.
type ContextPruningHardClear struct {
	Enabled     *bool  `json:"enabled,omitempty"`     // default true
	Placeholder string `json:"placeholder,omitempty"` // replacement text (default "[Old tool result content cleared]")
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // cron expression or duration string, "" = disabled
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"` // restrict to time window
	Model       string             `json:"model,omitempty"`       // optional model override
	Session     string             `json:"session,omitempty"`     // "main" (default) or explicit session key
	Target      string             `json:"target,omitempty"`      // "last" (default), "none", or channel ID
	To          string             `json:"to,omitempty"`          // optional recipient override (chat ID)
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // max chars after HEARTBEAT_OK before dropping (default 300)
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "clawdbot-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// AgentSpec is the per-agent configuration override.
// All fields optional, zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName       string          `json:"displayName,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxToolIterations int             `json:"max_tool_iterations,omitempty"`
	ContextWindow     int             `json:"context_window,omitempty"`
	Tools             *ToolPolicySpec `json:"tools,omitempty"` // per-agent tool policy
	Workspace         string          `json:"workspace,omitempty"`
	Default           bool            `json:"default,omitempty"`
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StateDir = src.StateDir
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Routing = src.Routing
	c.Auth = src.Auth
	c.Orchestrator = src.Orchestrator
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
}

// BindingsCopy returns a snapshot of the agent bindings. Callers range over
// the snapshot so a concurrent reload (ReplaceFrom) cannot swap the slice
// out from under them.
func (c *Config) BindingsCopy() []AgentBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentBinding, len(c.Bindings))
	copy(out, c.Bindings)
	return out
}

// ResolveAgentMaxConcurrent returns the sink parallelism cap: the bound on
// concurrent sessions per account supervisor.
func (c *Config) ResolveAgentMaxConcurrent() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n := c.Agents.Defaults.MaxConcurrent; n > 0 {
		return n
	}
	return 8
}
