package config

import "encoding/json"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	Enabled        bool                       `json:"enabled"`
	Token          string                     `json:"token"`
	Proxy          string                     `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice        `json:"allow_from"`
	DMPolicy       string                     `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string                     `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool                      `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int                        `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, 0=disabled)
	StreamMode     string                     `json:"stream_mode,omitempty"`     // "off" (default), "partial" — streaming preview via message edits
	ReactionLevel  string                     `json:"reaction_level,omitempty"`  // "off" (default), "minimal", "full" — status emoji reactions
	MediaMaxBytes  int64                      `json:"media_max_bytes,omitempty"` // max media download size in bytes (default 20MB)
	LinkPreview    *bool                      `json:"link_preview,omitempty"`    // enable URL previews in messages (default true)
	Accounts       map[string]AccountOverride `json:"accounts,omitempty"`

	// Optional speech-to-text proxy for voice messages.
	STTProxyURL       string `json:"stt_proxy_url,omitempty"`
	STTAPIKey         string `json:"stt_api_key,omitempty"`
	STTTenantID       string `json:"stt_tenant_id,omitempty"`
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool                       `json:"enabled"`
	Token          string                     `json:"token"`
	AllowFrom      FlexibleStringSlice        `json:"allow_from"`
	DMPolicy       string                     `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string                     `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool                      `json:"require_mention,omitempty"` // require @bot mention in guild channels (default true)
	HistoryLimit   int                        `json:"history_limit,omitempty"`   // max pending group messages for context (default 50, 0=disabled)
	Accounts       map[string]AccountOverride `json:"accounts,omitempty"`
}

type WhatsAppConfig struct {
	Enabled     bool                       `json:"enabled"`
	BridgeURL   string                     `json:"bridge_url"`
	AllowFrom   FlexibleStringSlice        `json:"allow_from"`
	DMPolicy    string                     `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string                     `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	Accounts    map[string]AccountOverride `json:"accounts,omitempty"`
}

// WebhookConfig configures the generic inbound webhook adapter: a fixed-path
// HTTP endpoint with an optional shared secret, feeding the same normalized
// event path as the polling adapters.
type WebhookConfig struct {
	Enabled      bool                       `json:"enabled"`
	Path         string                     `json:"path,omitempty"` // fixed path (default "/hooks/inbound")
	Secret       string                     `json:"secret,omitempty"`
	AllowFrom    FlexibleStringSlice        `json:"allow_from"`
	RateLimitRPM int                        `json:"rate_limit_rpm,omitempty"` // per-sender (default 30)
	Accounts     map[string]AccountOverride `json:"accounts,omitempty"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Mistral    ProviderConfig `json:"mistral"`
	XAI        ProviderConfig `json:"xai"`
	DashScope  ProviderConfig `json:"dashscope"`
	Ollama     ProviderConfig `json:"ollama"`
	AIGateway  ProviderConfig `json:"ai_gateway"`
	Perplexity ProviderConfig `json:"perplexity"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.DeepSeek.APIKey != "" ||
		p.Mistral.APIKey != "" ||
		p.XAI.APIKey != "" ||
		p.DashScope.APIKey != "" ||
		p.Ollama.APIKey != "" ||
		p.AIGateway.APIKey != "" ||
		p.Perplexity.APIKey != ""
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"token,omitempty"`               // bearer token for WS/HTTP auth
	OwnerIDs          []string `json:"owner_ids,omitempty"`           // sender IDs considered "owner"
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`     // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`   // max user message characters (default 32000)
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`      // requests per minute per user (default 20, 0 = disabled)
	InjectionAction   string   `json:"injection_action,omitempty"`    // prompt injection action: "log", "warn" (default), "block", "off"
	InboundDebounceMs int      `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000ms, -1 = disabled)
	ServicePathExtras []string `json:"service_path_extras,omitempty"` // extra PATH entries when running as a service
}

// ToolsConfig controls tool availability, policy, and web search.
type ToolsConfig struct {
	Profile          string                     `json:"profile,omitempty"`             // global profile: "minimal", "research", "coding", "messaging", "full"
	Allow            []string                   `json:"allow,omitempty"`               // global allow list (tool names or "group:xxx")
	Deny             []string                   `json:"deny,omitempty"`                // global deny list
	AlsoAllow        []string                   `json:"alsoAllow,omitempty"`           // additive: adds without removing existing
	ByProvider       map[string]*ToolPolicySpec `json:"byProvider,omitempty"`          // per-provider overrides
	ExecApproval     ExecApprovalCfg            `json:"execApproval,omitempty"`        // exec command approval settings
	Web              WebToolsConfig             `json:"web"`
	Hooks            []string                   `json:"hooks,omitempty"`               // hook packages, referenced by name only
	Settings         map[string]json.RawMessage `json:"settings,omitempty"`            // per-tool settings blobs, keyed by tool name
	RateLimitPerHour int                        `json:"rate_limit_per_hour,omitempty"` // max tool executions per hour per session (0 = disabled)
	ScrubCredentials *bool                      `json:"scrub_credentials,omitempty"`   // auto-redact API keys/tokens in tool output (default true)
}

// ExecApprovalCfg configures command execution approval.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"`  // "deny", "allowlist", "full" (default "full")
	Ask       string   `json:"ask,omitempty"`       // "off", "on-miss", "always" (default "off")
	Allowlist []string `json:"allowlist,omitempty"` // glob patterns for allowed commands
}

// ToolPolicySpec defines a tool policy at any level (global, per-agent, per-provider).
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	AlsoAllow  []string                   `json:"alsoAllow,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"byProvider,omitempty"`
	Vision     *VisionConfig              `json:"vision,omitempty"`   // per-agent vision provider/model override
	ImageGen   *ImageGenConfig            `json:"imageGen,omitempty"` // per-agent image generation config
}

// VisionConfig configures the provider and model for vision tools.
type VisionConfig struct {
	Provider string `json:"provider,omitempty"` // e.g. "gemini", "anthropic"
	Model    string `json:"model,omitempty"`
}

// ImageGenConfig configures the provider and model for image generation.
type ImageGenConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Size     string `json:"size,omitempty"`    // default aspect ratio / size
	Quality  string `json:"quality,omitempty"` // "standard" or "hd"
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}

// SessionsConfig controls session behavior.
type SessionsConfig struct {
	Storage string `json:"storage"`            // directory for session files (default: {state_dir}/{agent}/sessions)
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main", used when dm_scope="main")
}
