package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/pairing"
)

const pairingDebounceTime = 60 * time.Second

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge (e.g. whatsapp-web.js based) handles the actual WhatsApp
// protocol; this channel just sends/receives JSON messages over WS.
type Channel struct {
	*channels.BaseChannel
	conn            *websocket.Conn
	config          config.WhatsAppConfig
	account         config.ResolvedAccount
	mu              sync.Mutex
	pairingService  *pairing.Store
	pairingDebounce sync.Map // senderID → time.Time
	stopConn        context.CancelFunc
	connDone        chan struct{}
}

// New creates a WhatsApp channel for one resolved account.
func New(cfg config.WhatsAppConfig, account config.ResolvedAccount, msgBus *bus.MessageBus, pairingSvc *pairing.Store) (*Channel, error) {
	if account.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp account %q has no bridge_url", account.ID)
	}

	base := channels.NewBaseChannel("whatsapp", msgBus, account.AllowFrom)
	base.ValidatePolicy(account.DMPolicy, account.GroupPolicy)

	return &Channel{
		BaseChannel:    base,
		config:         cfg,
		account:        account,
		pairingService: pairingSvc,
	}, nil
}

// AccountID returns the account this channel instance serves.
func (c *Channel) AccountID() string { return c.account.ID }

// Start connects to the WhatsApp bridge under supervision. Connection
// failures back off and reconnect; an unclassified failure stops this
// account only.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "account", c.account.ID, "bridge_url", c.account.BridgeURL)

	connCtx, cancel := context.WithCancel(ctx)
	c.stopConn = cancel
	c.connDone = make(chan struct{})
	c.SetRunning(true)

	sup := channels.NewSupervisor(c.Name(), c.account.ID)

	go func() {
		defer close(c.connDone)
		err := sup.Monitor(connCtx, c.runBridge)
		if err != nil && connCtx.Err() == nil {
			slog.Error("whatsapp account stopped", "account", c.account.ID, "error", err)
		}
		c.SetRunning(false)
	}()

	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel", "account", c.account.ID)
	c.SetRunning(false)

	if c.stopConn != nil {
		c.stopConn()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.connDone != nil {
		select {
		case <-c.connDone:
		case <-time.After(10 * time.Second):
			slog.Warn("whatsapp bridge goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message to the WhatsApp bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	payload := map[string]interface{}{
		"type":    "message",
		"to":      msg.ChatID,
		"content": msg.Content,
	}
	if len(msg.Media) > 0 {
		urls := make([]string, 0, len(msg.Media))
		for _, att := range msg.Media {
			urls = append(urls, att.URL)
		}
		payload["media"] = urls
	}

	return c.writeJSON(payload)
}

// writeJSON sends one JSON frame on the bridge connection.
func (c *Channel) writeJSON(payload map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// runBridge is one supervised connection attempt: dial, then read until
// the connection drops or ctx is cancelled.
func (c *Channel) runBridge(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	headers := make(map[string][]string)
	if c.account.Secret != "" {
		headers["Authorization"] = []string{"Bearer " + c.account.Secret}
	}

	conn, _, err := dialer.DialContext(ctx, c.account.BridgeURL, headers)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: connection refused: %w", c.account.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "account", c.account.ID, "url", c.account.BridgeURL)

	defer func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	// Unblock ReadMessage on cancellation.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("whatsapp bridge connection closed: %w", err)
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Warn("invalid whatsapp message JSON", "error", err)
			continue
		}

		msgType, _ := msg["type"].(string)
		if msgType == "message" {
			c.handleIncomingMessage(msg)
		}
	}
}

// handleIncomingMessage processes a message received from the bridge.
// Expected format: {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"...","media":[...]}
func (c *Channel) handleIncomingMessage(msg map[string]interface{}) {
	senderID, ok := msg["from"].(string)
	if !ok || senderID == "" {
		return
	}

	chatID, _ := msg["chat"].(string)
	if chatID == "" {
		chatID = senderID
	}

	// WhatsApp groups have chatID ending in "@g.us"
	peerKind := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = "group"
	}

	// DM/Group policy check
	if peerKind == "direct" {
		if !c.checkDMPolicy(senderID, chatID) {
			return
		}
	} else {
		if !c.CheckPolicy("group", "", c.account.GroupPolicy, senderID) {
			slog.Debug("whatsapp group message rejected by policy", "sender_id", senderID)
			return
		}
	}

	// Allowlist check
	if !c.IsAllowed(senderID) {
		slog.Debug("whatsapp message rejected by allowlist", "sender_id", senderID)
		return
	}

	content, _ := msg["content"].(string)
	if content == "" {
		content = "[empty message]"
	}

	var media []string
	if mediaData, ok := msg["media"].([]interface{}); ok {
		media = make([]string, 0, len(mediaData))
		for _, m := range mediaData {
			if path, ok := m.(string); ok {
				media = append(media, path)
			}
		}
	}

	messageID, _ := msg["id"].(string)

	metadata := make(map[string]string)
	if messageID != "" {
		metadata["message_id"] = messageID
	}
	if userName, ok := msg["from_name"].(string); ok {
		metadata["user_name"] = userName
	}

	slog.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:   c.Name(),
		AccountID: c.account.ID,
		SenderID:  senderID,
		ChatID:    chatID,
		MessageID: messageID,
		Content:   content,
		Media:     media,
		PeerKind:  peerKind,
		UserID:    senderID,
		AgentID:   c.AgentID(),
		Metadata:  metadata,
	})
}

// checkDMPolicy evaluates the DM policy for a sender, handling pairing flow.
func (c *Channel) checkDMPolicy(senderID, chatID string) bool {
	dmPolicy := c.account.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}

	switch dmPolicy {
	case "disabled":
		slog.Debug("whatsapp DM rejected: disabled", "sender_id", senderID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(senderID) {
			slog.Debug("whatsapp DM rejected by allowlist", "sender_id", senderID)
			return false
		}
		return true
	default: // "pairing"
		paired := false
		if c.pairingService != nil {
			paired = c.pairingService.IsPaired(senderID, c.Name())
		}
		inAllowList := c.HasAllowList() && c.IsAllowed(senderID)

		if paired || inAllowList {
			return true
		}

		c.sendPairingReply(senderID, chatID)
		return false
	}
}

// sendPairingReply sends a pairing code to the user via the WS bridge.
func (c *Channel) sendPairingReply(senderID, chatID string) {
	if c.pairingService == nil {
		return
	}

	// Debounce
	if lastSent, ok := c.pairingDebounce.Load(senderID); ok {
		if time.Since(lastSent.(time.Time)) < pairingDebounceTime {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(senderID, c.Name(), chatID, c.account.ID)
	if err != nil {
		slog.Debug("whatsapp pairing request failed", "sender_id", senderID, "error", err)
		return
	}

	replyText := fmt.Sprintf(
		"Clawdbot: access not configured.\n\nYour WhatsApp ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  clawdbot pairing approve %s",
		senderID, code, code,
	)

	payload := map[string]interface{}{
		"type":    "message",
		"to":      chatID,
		"content": replyText,
	}

	if err := c.writeJSON(payload); err != nil {
		slog.Warn("failed to send whatsapp pairing reply", "error", err)
	} else {
		c.pairingDebounce.Store(senderID, time.Now())
		slog.Info("whatsapp pairing reply sent", "sender_id", senderID, "code", code)
	}
}
