// Package channels provides the transport adapter layer for multi-platform
// messaging. Adapters connect external platforms (Telegram, Discord,
// WhatsApp, generic webhooks) to the agent runtime via the message bus:
// DM/group policies, mention gating, per-account supervision with failover
// classification, and offset persistence.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"   // Require pairing code
	DMPolicyAllowlist DMPolicy = "allowlist"  // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"       // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"   // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist"  // Only whitelisted groups
	GroupPolicyDisabled  GroupPolicy = "disabled"   // No group messages
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord", "slack").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// StreamingChannel extends Channel with real-time streaming preview support.
// Channels that implement this interface can show incremental response updates
// (e.g., editing a Telegram message as chunks arrive) instead of waiting for the full response.
type StreamingChannel interface {
	Channel
	// StreamEnabled reports whether the channel currently wants LLM streaming.
	// When false the agent loop uses non-streaming Chat() instead of ChatStream(),
	// which gives more accurate token usage from providers that don't support
	// stream_options (e.g. MiniMax). The channel still implements the interface
	// so it can be toggled at runtime via config.
	StreamEnabled() bool
	OnStreamStart(ctx context.Context, chatID string) error
	OnChunkEvent(ctx context.Context, chatID string, fullText string) error
	OnStreamEnd(ctx context.Context, chatID string, finalText string) error
}

// ReactionChannel extends Channel with status reaction support.
// Channels that implement this interface can show emoji reactions on user messages
// to indicate agent status (thinking, tool call, done, error, stall).
type ReactionChannel interface {
	Channel
	OnReactionEvent(ctx context.Context, chatID string, messageID int, status string) error
	ClearReaction(ctx context.Context, chatID string, messageID int) error
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
	agentID   string // for DB instances: routes to specific agent (empty = use resolveAgentRoute)
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// SetName overrides the channel name (used by InstanceLoader for DB instances).
func (c *BaseChannel) SetName(name string) { c.name = name }

// AgentID returns the explicit agent ID for this channel (empty = use resolveAgentRoute).
func (c *BaseChannel) AgentID() string { return c.agentID }

// SetAgentID sets the explicit agent ID for routing.
func (c *BaseChannel) SetAgentID(id string) { c.agentID = id }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		// Strip leading "@" from allowed value for username matching
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		// Support either side using "id|username" compound form.
		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// CheckPolicy evaluates DM/Group policy for a message.
// Returns true if the message should be accepted, false if rejected.
// peerKind is "direct" or "group".
// dmPolicy/groupPolicy: "open" (default), "allowlist", "disabled".
func (c *BaseChannel) CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peerKind == "group" {
		policy = groupPolicy
	}
	if policy == "" {
		policy = "open" // default for non-Telegram channels
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	case "pairing":
		// Channels with pairing handle this before CheckPolicy.
		// If we reach here, no pairing service â†’ still allow if in allowlist.
		return c.IsAllowed(senderID)
	default: // "open"
		return true
	}
}

// HandleMessage creates an InboundMessage and publishes it to the bus.
// This is the standard way for channels to forward received messages.
// peerKind should be "direct" or "group" (see sessions.PeerDirect, sessions.PeerGroup).
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string, peerKind string) {
	if !c.IsAllowed(senderID) {
		return
	}

	// Derive userID from senderID: strip "|username" suffix if present (Telegram format).
	// For most channels, senderID == userID (platform user ID).
	userID := senderID
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		userID = senderID[:idx]
	}

	msg := bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		PeerKind: peerKind,
		UserID:   userID,
		Metadata: metadata,
		AgentID:  c.agentID,
	}

	c.bus.PublishInbound(msg)
}

// ValidatePolicy warns on unknown policy values. Unknown values fall back to
// their defaults at check time; this only surfaces the typo at startup.
func (c *BaseChannel) ValidatePolicy(dmPolicy, groupPolicy string) {
	switch dmPolicy {
	case "", "pairing", "allowlist", "open", "disabled":
	default:
		slog.Warn("unknown dm_policy, treating as open", "channel", c.name, "dm_policy", dmPolicy)
	}
	switch groupPolicy {
	case "", "open", "allowlist", "pairing", "disabled":
	default:
		slog.Warn("unknown group_policy, treating as open", "channel", c.name, "group_policy", groupPolicy)
	}
}

// DefaultGroupHistoryLimit caps pending group messages kept for context.
const DefaultGroupHistoryLimit = 50

// HistoryEntry is one buffered group message awaiting agent attention.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory buffers unanswered group messages per chat so the agent
// sees recent context when it is finally addressed. Safe for concurrent use.
type PendingHistory struct {
	mu      sync.Mutex
	pending map[string][]HistoryEntry
}

// NewPendingHistory creates an empty history buffer.
func NewPendingHistory() *PendingHistory {
	return &PendingHistory{pending: make(map[string][]HistoryEntry)}
}

// Record appends one entry for a chat, dropping the oldest beyond limit.
func (h *PendingHistory) Record(chatID string, entry HistoryEntry, limit int) {
	if limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.pending[chatID], entry)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	h.pending[chatID] = buf
}

// BuildContext prefixes the current message with buffered chat history,
// most recent last, so the agent sees what it missed. The buffer is left
// intact; callers Clear it once the message has been dispatched.
func (h *PendingHistory) BuildContext(chatID, current string, limit int) string {
	h.mu.Lock()
	buf := h.pending[chatID]
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	entries := make([]HistoryEntry, len(buf))
	copy(entries, buf)
	h.mu.Unlock()

	if len(entries) == 0 {
		return current
	}

	var sb strings.Builder
	sb.WriteString("[Chat messages since your last reply]\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("%s: %s\n", e.Sender, e.Body))
	}
	sb.WriteString("\n")
	sb.WriteString(current)
	return sb.String()
}

// Clear drops the buffered entries for a chat.
func (h *PendingHistory) Clear(chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, chatID)
}

// Truncate shortens a string to maxLen display cells, appending "..." if
// truncated. Width-aware so multi-byte and wide runes never get split.
func Truncate(s string, maxLen int) string {
	if runewidth.StringWidth(s) <= maxLen {
		return s
	}
	return runewidth.Truncate(s, maxLen, "") + "..."
}
