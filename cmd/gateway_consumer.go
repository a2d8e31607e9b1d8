package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/auth"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/orchestrator"
	"github.com/nextlevelbuilder/clawdbot/internal/router"
	"github.com/nextlevelbuilder/clawdbot/internal/security"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

type consumerDeps struct {
	cfg      *config.Config
	agentID  string
	stateDir string
	bus      *bus.MessageBus
	channels *channels.Manager
	verifier *auth.Verifier
	sessions *sessions.Router
	queue    *sessions.Queue
	smart    *router.Router
	usage    *router.UsageTracker
	orch     *orchestrator.Orchestrator
	runtime  *agent.Embedded
	audit    *security.AuditLog

	// inboundLimiter throttles per-sender message floods. Nil disables it.
	inboundLimiter *security.RateLimiter
}

// inboundConsumer drains the message bus and drives the full inbound
// pipeline: dedupe, commands, flood control, the OTP gate, session
// resolution, smart routing, and finally the queued agent run.
type inboundConsumer struct {
	deps     consumerDeps
	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer

	mu          sync.Mutex
	runs        map[string]context.CancelFunc
	lastChannel string
	lastAccount string
	lastChat    string
	haveRoute   bool
}

func newInboundConsumer(deps consumerDeps) *inboundConsumer {
	return &inboundConsumer{
		deps:   deps,
		dedupe: bus.NewDedupeCache(20*time.Minute, 5000),
		runs:   make(map[string]context.CancelFunc),
	}
}

// AbortRun cancels an in-flight agent run. Reports whether it was found.
func (c *inboundConsumer) AbortRun(runID string) bool {
	c.mu.Lock()
	cancelRun, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancelRun()
	return true
}

// LastRoute returns the destination of the most recent chat-channel message,
// so the heartbeat can deliver proactive output to where the user last was.
func (c *inboundConsumer) LastRoute() (channel, accountID, chatID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChannel, c.lastAccount, c.lastChat, c.haveRoute
}

func (c *inboundConsumer) rememberRoute(msg bus.InboundMessage) {
	if msg.Channel == "gateway" || channels.IsInternalChannel(msg.Channel) {
		return
	}
	c.mu.Lock()
	c.lastChannel, c.lastAccount, c.lastChat = msg.Channel, msg.AccountID, msg.ChatID
	c.haveRoute = true
	c.mu.Unlock()
}

// Run drains inbound messages until ctx is cancelled. Normal messages go
// through the debouncer so rapid-fire fragments coalesce into one run;
// commands and duplicates are handled before it.
func (c *inboundConsumer) Run(ctx context.Context) {
	c.debounce = bus.NewInboundDebouncer(debounceWindow(c.deps.cfg.Gateway.InboundDebounceMs), func(msg bus.InboundMessage) {
		go c.process(ctx, msg)
	})
	defer c.debounce.Stop()

	for {
		msg, ok := c.deps.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		if msg.MessageID != "" {
			key := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msg.MessageID)
			if c.dedupe.IsDuplicate(key) {
				slog.Debug("dropping duplicate inbound",
					"channel", msg.Channel, "chat", msg.ChatID, "message_id", msg.MessageID)
				continue
			}
		}

		if msg.Metadata["command"] == "reset" {
			c.handleReset(msg)
			continue
		}

		c.debounce.Push(msg)
	}
}

func (c *inboundConsumer) handleReset(msg bus.InboundMessage) {
	agentID := resolveAgentRoute(c.deps.cfg, msg, c.deps.agentID)
	key := sessions.BuildKey(agentID, originFor(msg))
	c.deps.runtime.ResetHistory(key)
	slog.Info("session history reset", "channel", msg.Channel, "chat", msg.ChatID)
	c.reply(msg, "Session reset. Starting fresh.", nil)
}

func (c *inboundConsumer) process(ctx context.Context, msg bus.InboundMessage) {
	deps := c.deps

	if deps.inboundLimiter != nil && !deps.inboundLimiter.Check(msg.Channel+":"+msg.SenderID) {
		slog.Warn("inbound rate limit exceeded", "channel", msg.Channel, "sender", msg.SenderID)
		return
	}

	isGroup := msg.PeerKind == "group"
	userID := msg.UserID
	if userID == "" {
		if isGroup {
			userID = fmt.Sprintf("group:%s:%s", msg.Channel, msg.ChatID)
		} else {
			userID = msg.SenderID
		}
	}

	gate := deps.verifier.Gate(msg.Channel, userID, msg.Content)
	if gate.Reply != "" {
		c.reply(msg, gate.Reply, nil)
	}
	if !gate.Allowed {
		if gate.Reason != "verified" {
			deps.audit.Record(security.AuditAuthFailure, map[string]any{
				"channel": msg.Channel,
				"user":    userID,
				"reason":  gate.Reason,
			})
		}
		return
	}

	agentID := resolveAgentRoute(deps.cfg, msg, deps.agentID)
	res, err := deps.sessions.Resolve(agentID, originFor(msg), time.Now().UnixMilli())
	if err != nil {
		slog.Error("session resolution failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		return
	}

	route := deps.smart.Route(ctx, msg.Content)
	if route.Error == router.ErrQuotaExceededNoFallback {
		c.reply(msg, "That model's daily quota is exhausted. Drop the prefix or try again tomorrow.", nil)
		return
	}
	if route.Skip {
		return
	}
	if route.DirectAnswer != "" {
		c.reply(msg, route.DirectAnswer, nil)
		c.rememberRoute(msg)
		return
	}
	if route.Ack != "" {
		switch {
		case deps.channels.IsStreamingChannel(msg.Channel, msg.AccountID):
			// The streaming preview supersedes a static ack.
		case deps.smart.SupportsEditInPlace(msg.Channel):
			// Fold the ack into the adapter's placeholder message.
			c.reply(msg, route.Ack, map[string]string{"placeholder_update": "true"})
		default:
			c.reply(msg, route.Ack, nil)
		}
	}

	prompt := route.CleanQuery
	if prompt == "" {
		prompt = msg.Content
	}

	agentCfg := deps.cfg.ResolveAgent(agentID)
	model := res.Entry.ModelOverride
	if model == "" {
		model = route.Model
	}

	runID := fmt.Sprintf("inbound-%s-%s-%s", msg.Channel, msg.ChatID, uuid.NewString()[:8])
	chatForRun := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		chatForRun = lk
	}
	msgID, _ := strconv.Atoi(msg.MessageID)
	deps.channels.RegisterRun(runID, msg.Channel, msg.AccountID, chatForRun, msgID)

	runCtx, cancelRun := context.WithCancel(ctx)
	c.mu.Lock()
	c.runs[runID] = cancelRun
	c.mu.Unlock()

	var extraPrompt string
	var groupID string
	if isGroup {
		groupID = msg.ChatID
		extraPrompt = fmt.Sprintf(
			"You are in a GROUP chat with multiple participants. The current message is from %q. Address them directly; do not answer on behalf of others.",
			msg.SenderID)
	}

	params := agent.RunParams{
		SessionID:        res.Entry.SessionID,
		SessionKey:       res.SessionKey,
		SessionFile:      res.StorePath,
		Workspace:        deps.cfg.WorkspacePath(),
		Prompt:           prompt,
		Images:           agent.LoadImages(msg.Media),
		ProviderOverride: res.Entry.ProviderOverride,
		ModelOverride:    model,
		TimeoutMs:        agentCfg.TimeoutMs,
		RunID:            runID,
		ExtraSystemPrompt: extraPrompt,
		Messaging: agent.MessagingContext{
			Channel:   msg.Channel,
			AccountID: msg.AccountID,
			ThreadID:  msg.ThreadID,
			GroupID:   groupID,
		},
		Callbacks: agent.Callbacks{
			OnAgentEvent: func(ev agent.RunEvent) {
				deps.bus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
			},
		},
	}

	cleanup := func() {
		deps.channels.UnregisterRun(runID)
		c.mu.Lock()
		delete(c.runs, runID)
		c.mu.Unlock()
		cancelRun()
	}

	submitted := deps.queue.Submit(runCtx, res.SessionKey, func(taskCtx context.Context) {
		defer cleanup()
		c.execute(taskCtx, msg, params, model)
	})
	if !submitted {
		cleanup()
		c.reply(msg, "I'm at capacity right now. Please try again in a moment.", nil)
		return
	}
	c.rememberRoute(msg)
}

// execute runs the agent turn and delivers the reply. An empty reply is
// still published so adapters can clear placeholders and typing indicators.
func (c *inboundConsumer) execute(ctx context.Context, msg bus.InboundMessage, params agent.RunParams, model string) {
	deps := c.deps
	start := time.Now()

	result, err := deps.orch.Orchestrate(ctx, params)
	if err != nil {
		c.recordTurn(params, msg, agent.RunMeta{})
		slog.Error("agent run failed", "run_id", params.RunID, "error", err)
		c.reply(msg, "Something went wrong handling that message. Please try again.", outboundMeta(msg))
		return
	}
	c.recordTurn(params, msg, result.Meta)
	if model != "" {
		deps.usage.Increment(model)
	}

	var parts []string
	for _, p := range result.Payloads {
		text := agent.SanitizeAssistantContent(p.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	content := strings.Join(parts, "\n\n")
	if agent.IsSilentReply(content) {
		content = ""
	}

	c.reply(msg, content, outboundMeta(msg))
	slog.Debug("agent run complete",
		"run_id", params.RunID, "channel", msg.Channel, "duration_ms", time.Since(start).Milliseconds())
}

// recordTurn folds a finished turn back into the durable session entry:
// token usage accumulates, compactions advance, and updatedAt moves even
// when the run failed or was cancelled.
func (c *inboundConsumer) recordTurn(params agent.RunParams, msg bus.InboundMessage, meta agent.RunMeta) {
	err := c.deps.sessions.Store().Update(params.SessionFile, func(entries map[string]*sessions.Entry) {
		e := entries[params.SessionKey]
		if e == nil {
			e = &sessions.Entry{SessionID: params.SessionID}
			entries[params.SessionKey] = e
		}
		e.UpdatedAt = time.Now().UnixMilli()
		e.LastChannel = msg.Channel
		e.InputTokens += meta.InputTokens
		e.OutputTokens += meta.OutputTokens
		if meta.ContextTokens > 0 {
			e.ContextTokens = meta.ContextTokens
		}
		e.TotalTokens = e.InputTokens + e.OutputTokens
		e.CompactionCount += meta.Compactions
	})
	if err != nil {
		slog.Warn("session entry update failed", "session_key", params.SessionKey, "error", err)
	}
}

// reply routes output back to its source. WebSocket chats have no channel
// adapter, so those replies go out as broadcast chat events instead.
func (c *inboundConsumer) reply(msg bus.InboundMessage, content string, meta map[string]string) {
	if msg.Channel == "gateway" {
		c.deps.bus.Broadcast(bus.Event{
			Name: protocol.EventChat,
			Payload: map[string]interface{}{
				"type":    protocol.ChatEventMessage,
				"chat_id": msg.ChatID,
				"client":  msg.Metadata["ws_client"],
				"content": content,
			},
		})
		return
	}
	c.deps.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		Content:   content,
		Metadata:  meta,
	})
}

func outboundMeta(msg bus.InboundMessage) map[string]string {
	meta := map[string]string{}
	if msg.MessageID != "" {
		meta["reply_to_message_id"] = msg.MessageID
	}
	if msg.ThreadID != "" {
		meta["message_thread_id"] = msg.ThreadID
	}
	if lk := msg.Metadata["local_key"]; lk != "" {
		meta["local_key"] = lk
	}
	if pk := msg.Metadata["placeholder_key"]; pk != "" {
		meta["placeholder_key"] = pk
	}
	return meta
}

// originFor maps an inbound message to its durable session origin. DMs key
// on the sender; groups and WebSocket chats key on the chat itself so an
// explicit session target keeps working.
func originFor(msg bus.InboundMessage) sessions.Origin {
	isGroup := msg.PeerKind == "group"
	peerID := msg.SenderID
	if isGroup || msg.Channel == "gateway" {
		peerID = msg.ChatID
	}
	return sessions.Origin{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		Kind:      sessions.PeerKindFromGroup(isGroup),
		PeerID:    peerID,
		ThreadID:  msg.ThreadID,
	}
}

// resolveAgentRoute picks the agent for an inbound message: an explicit
// target wins, then the most specific matching binding (peer before
// channel), then the default agent.
func resolveAgentRoute(cfg *config.Config, msg bus.InboundMessage, fallback string) string {
	if msg.AgentID != "" {
		return msg.AgentID
	}
	var channelLevel string
	for _, b := range cfg.BindingsCopy() {
		m := b.Match
		if m.Channel != "" && m.Channel != msg.Channel {
			continue
		}
		if m.AccountID != "" && m.AccountID != msg.AccountID {
			continue
		}
		if m.GuildID != "" && m.GuildID != msg.Metadata["guild_id"] {
			continue
		}
		if m.Peer != nil {
			if m.Peer.Kind != "" && m.Peer.Kind != msg.PeerKind {
				continue
			}
			if m.Peer.ID != msg.ChatID && m.Peer.ID != msg.SenderID {
				continue
			}
			return b.AgentID
		}
		if channelLevel == "" {
			channelLevel = b.AgentID
		}
	}
	if channelLevel != "" {
		return channelLevel
	}
	return fallback
}

// debounceWindow maps the configured milliseconds to a window: negative
// disables coalescing, zero means the 1s default.
func debounceWindow(ms int) time.Duration {
	switch {
	case ms < 0:
		return 0
	case ms == 0:
		return time.Second
	default:
		return time.Duration(ms) * time.Millisecond
	}
}
