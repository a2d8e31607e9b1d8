package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir: "~/.clawdbot",
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.clawdbot/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
				MaxConcurrent:       8,
				TimeoutMs:           600000,
				HistoryTurns:        40,
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				StreamMode:    "off",
				ReactionLevel: "full",
			},
			Webhook: WebhookConfig{
				Path:         "/hooks/inbound",
				RateLimitRPM: 30,
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			ExecApproval: ExecApprovalCfg{
				Security: "full",
				Ask:      "off",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults. A file whose top level is not an object (null,
// scalar, array) also yields defaults; only malformed JSON5 is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var probe interface{}
	if err := json5.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, ok := probe.(map[string]interface{}); !ok {
		slog.Warn("config is not an object, using defaults", "path", path)
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. For each field the
// first set key wins; env vars take precedence over file values. Unprefixed
// names (TELEGRAM_BOT_TOKEN, OPENROUTER_API_KEY, ...) are accepted so the
// gateway picks up credentials shared with other tooling.
func (c *Config) applyEnvOverrides() {
	envStr := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}

	envStr(&c.StateDir, "CLAWDBOT_STATE_DIR")

	// Provider API keys
	envStr(&c.Providers.Anthropic.APIKey, "CLAWDBOT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	envStr(&c.Providers.OpenAI.APIKey, "CLAWDBOT_OPENAI_API_KEY", "OPENAI_API_KEY")
	envStr(&c.Providers.OpenRouter.APIKey, "CLAWDBOT_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	envStr(&c.Providers.Groq.APIKey, "CLAWDBOT_GROQ_API_KEY", "GROQ_API_KEY")
	envStr(&c.Providers.DeepSeek.APIKey, "CLAWDBOT_DEEPSEEK_API_KEY", "DEEPSEEK_API_KEY")
	envStr(&c.Providers.Gemini.APIKey, "CLAWDBOT_GEMINI_API_KEY", "GEMINI_API_KEY")
	envStr(&c.Providers.Mistral.APIKey, "CLAWDBOT_MISTRAL_API_KEY", "MISTRAL_API_KEY")
	envStr(&c.Providers.XAI.APIKey, "CLAWDBOT_XAI_API_KEY", "XAI_API_KEY")
	envStr(&c.Providers.Ollama.APIKey, "CLAWDBOT_OLLAMA_API_KEY", "OLLAMA_API_KEY")
	envStr(&c.Providers.AIGateway.APIKey, "CLAWDBOT_AI_GATEWAY_API_KEY", "AI_GATEWAY_API_KEY")
	envStr(&c.Providers.Perplexity.APIKey, "CLAWDBOT_PERPLEXITY_API_KEY", "PERPLEXITY_API_KEY")

	// Gateway
	envStr(&c.Gateway.Token, "CLAWDBOT_GATEWAY_TOKEN")
	envStr(&c.Gateway.Host, "CLAWDBOT_HOST")
	if v := os.Getenv("CLAWDBOT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("CLAWDBOT_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	// Transport credentials
	envStr(&c.Channels.Telegram.Token, "CLAWDBOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	envStr(&c.Channels.Discord.Token, "CLAWDBOT_DISCORD_TOKEN", "DISCORD_BOT_TOKEN")
	envStr(&c.Channels.WhatsApp.BridgeURL, "CLAWDBOT_WHATSAPP_BRIDGE_URL")
	envStr(&c.Channels.Webhook.Secret, "CLAWDBOT_WEBHOOK_SECRET")

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// Default provider/model, workspace & sessions
	envStr(&c.Agents.Defaults.Provider, "CLAWDBOT_PROVIDER")
	envStr(&c.Agents.Defaults.Model, "CLAWDBOT_MODEL")
	envStr(&c.Agents.Defaults.Workspace, "CLAWDBOT_WORKSPACE")
	envStr(&c.Sessions.Storage, "CLAWDBOT_SESSIONS_STORAGE")

	// OTP seed, env only, never persisted
	envStr(&c.Auth.Secret, "CLAWDBOT_OTP_SECRET")
	if c.Auth.Secret != "" {
		c.Auth.Enabled = true
	}

	// Web search
	envStr(&c.Tools.Web.Brave.APIKey, "CLAWDBOT_BRAVE_API_KEY", "BRAVE_API_KEY")
	if c.Tools.Web.Brave.APIKey != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	// Telemetry
	envStr(&c.Telemetry.Endpoint, "CLAWDBOT_TELEMETRY_ENDPOINT")
	envStr(&c.Telemetry.Protocol, "CLAWDBOT_TELEMETRY_PROTOCOL")
	envStr(&c.Telemetry.ServiceName, "CLAWDBOT_TELEMETRY_SERVICE_NAME")
	if v := os.Getenv("CLAWDBOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAWDBOT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// applyContextPruningDefaults auto-enables context pruning when the
// Anthropic provider is configured.
func (c *Config) applyContextPruningDefaults() {
	if c.Providers.Anthropic.APIKey == "" {
		return
	}
	defaults := &c.Agents.Defaults
	if defaults.ContextPruning == nil {
		defaults.ContextPruning = &ContextPruningConfig{Mode: "cache-ttl"}
	} else if defaults.ContextPruning.Mode == "" {
		defaults.ContextPruning.Mode = "cache-ttl"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after modifying config to restore runtime secrets from env.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
	c.applyContextPruningDefaults()
}

// Save writes the config to a JSON file, mode 0600.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}

	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "main" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
// Falls back to "Clawdbot" if not configured.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "Clawdbot"
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by config.get to avoid exposing secrets to WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// Provider API keys
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	maskNonEmpty(&cp.Providers.Gemini.APIKey)
	maskNonEmpty(&cp.Providers.Mistral.APIKey)
	maskNonEmpty(&cp.Providers.XAI.APIKey)
	maskNonEmpty(&cp.Providers.Ollama.APIKey)
	maskNonEmpty(&cp.Providers.AIGateway.APIKey)
	maskNonEmpty(&cp.Providers.Perplexity.APIKey)

	// Gateway token
	maskNonEmpty(&cp.Gateway.Token)

	// Channel secrets
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Webhook.Secret)
	maskAccountSecrets(cp.Channels.Telegram.Accounts)
	maskAccountSecrets(cp.Channels.Discord.Accounts)
	maskAccountSecrets(cp.Channels.WhatsApp.Accounts)
	maskAccountSecrets(cp.Channels.Webhook.Accounts)

	// Web tool keys
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)

	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk to ensure secrets never persist in config.json.
func (c *Config) StripSecrets() {
	c.Providers.Anthropic.APIKey = ""
	c.Providers.OpenAI.APIKey = ""
	c.Providers.OpenRouter.APIKey = ""
	c.Providers.Groq.APIKey = ""
	c.Providers.DeepSeek.APIKey = ""
	c.Providers.Gemini.APIKey = ""
	c.Providers.Mistral.APIKey = ""
	c.Providers.XAI.APIKey = ""
	c.Providers.Ollama.APIKey = ""
	c.Providers.AIGateway.APIKey = ""
	c.Providers.Perplexity.APIKey = ""

	c.Gateway.Token = ""

	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Channels.Webhook.Secret = ""
	stripAccountSecrets(c.Channels.Telegram.Accounts)
	stripAccountSecrets(c.Channels.Discord.Accounts)
	stripAccountSecrets(c.Channels.WhatsApp.Accounts)
	stripAccountSecrets(c.Channels.Webhook.Accounts)

	c.Tools.Web.Brave.APIKey = ""
	c.Auth.Secret = ""
}

// StripMaskedSecrets strips only fields that still contain the mask value
// "***". Real values (user-entered via the config UI) are preserved so they
// persist in config.json.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}

	stripIfMasked(&c.Providers.Anthropic.APIKey)
	stripIfMasked(&c.Providers.OpenAI.APIKey)
	stripIfMasked(&c.Providers.OpenRouter.APIKey)
	stripIfMasked(&c.Providers.Groq.APIKey)
	stripIfMasked(&c.Providers.DeepSeek.APIKey)
	stripIfMasked(&c.Providers.Gemini.APIKey)
	stripIfMasked(&c.Providers.Mistral.APIKey)
	stripIfMasked(&c.Providers.XAI.APIKey)
	stripIfMasked(&c.Providers.Ollama.APIKey)
	stripIfMasked(&c.Providers.AIGateway.APIKey)
	stripIfMasked(&c.Providers.Perplexity.APIKey)

	stripIfMasked(&c.Gateway.Token)

	stripIfMasked(&c.Channels.Telegram.Token)
	stripIfMasked(&c.Channels.Discord.Token)
	stripIfMasked(&c.Channels.Webhook.Secret)
	for _, accounts := range []map[string]AccountOverride{
		c.Channels.Telegram.Accounts,
		c.Channels.Discord.Accounts,
		c.Channels.WhatsApp.Accounts,
		c.Channels.Webhook.Accounts,
	} {
		for id, ov := range accounts {
			stripIfMasked(&ov.Token)
			stripIfMasked(&ov.Secret)
			accounts[id] = ov
		}
	}

	stripIfMasked(&c.Tools.Web.Brave.APIKey)
}

func maskAccountSecrets(accounts map[string]AccountOverride) {
	for id, ov := range accounts {
		maskNonEmpty(&ov.Token)
		maskNonEmpty(&ov.Secret)
		accounts[id] = ov
	}
}

func stripAccountSecrets(accounts map[string]AccountOverride) {
	for id, ov := range accounts {
		ov.Token = ""
		ov.Secret = ""
		accounts[id] = ov
	}
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
