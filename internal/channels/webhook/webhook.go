package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

// maxBodyBytes caps inbound webhook payloads.
const maxBodyBytes = 256 * 1024

// DefaultPath is where the gateway mounts the handler when config leaves
// the path empty.
const DefaultPath = "/hooks/inbound"

// inboundPayload is the wire format callers POST to the webhook endpoint.
type inboundPayload struct {
	Sender   string   `json:"sender"`
	Chat     string   `json:"chat,omitempty"`
	Content  string   `json:"content"`
	ID       string   `json:"id,omitempty"`
	Media    []string `json:"media,omitempty"`
	ReplyURL string   `json:"reply_url,omitempty"`
}

// Channel is the generic inbound webhook transport: a fixed-path HTTP
// endpoint guarded by a shared secret and a per-sender rate limit. Unlike
// the polling adapters it has no connection to supervise; the gateway's
// HTTP server owns the listener and mounts Handler().
type Channel struct {
	*channels.BaseChannel
	config  config.WebhookConfig
	account config.ResolvedAccount
	limiter *channels.WebhookRateLimiter
	client  *http.Client
}

// New creates a webhook channel for one resolved account. The account's
// token is the shared secret callers must present.
func New(cfg config.WebhookConfig, account config.ResolvedAccount, msgBus *bus.MessageBus) (*Channel, error) {
	base := channels.NewBaseChannel("webhook", msgBus, account.AllowFrom)
	base.ValidatePolicy(account.DMPolicy, account.GroupPolicy)

	return &Channel{
		BaseChannel: base,
		config:      cfg,
		account:     account,
		limiter:     channels.NewWebhookRateLimiter(),
		client:      &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// AccountID returns the account this channel instance serves.
func (c *Channel) AccountID() string { return c.account.ID }

// Path returns the mount path for the inbound handler.
func (c *Channel) Path() string {
	if c.config.Path != "" {
		return c.config.Path
	}
	return DefaultPath
}

// Start marks the channel running. The HTTP listener belongs to the
// gateway server.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("webhook channel ready", "account", c.account.ID, "path", c.Path())
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send posts the outbound message to the reply URL captured from the
// inbound payload. Messages without a reply URL are dropped: the webhook
// transport is one-shot request/reply, not a persistent connection.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	replyURL := msg.Metadata["reply_url"]
	if replyURL == "" {
		slog.Debug("webhook outbound dropped: no reply_url", "chat_id", msg.ChatID)
		return nil
	}
	if msg.Content == "" && len(msg.Media) == 0 {
		return nil
	}

	media := make([]string, 0, len(msg.Media))
	for _, att := range msg.Media {
		media = append(media, att.URL)
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat":    msg.ChatID,
		"content": msg.Content,
		"media":   media,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook reply rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Handler serves the inbound endpoint: POST only, shared-secret check,
// per-sender rate limit, then the same normalized-event path the polling
// adapters use.
func (c *Channel) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !c.IsRunning() {
			http.Error(w, "channel not running", http.StatusServiceUnavailable)
			return
		}

		if c.account.Token != "" {
			if !secretMatches(r, c.account.Token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var payload inboundPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if payload.Sender == "" || payload.Content == "" {
			http.Error(w, "sender and content are required", http.StatusBadRequest)
			return
		}

		if !c.limiter.Allow(payload.Sender) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if !c.IsAllowed(payload.Sender) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		chatID := payload.Chat
		if chatID == "" {
			chatID = payload.Sender
		}

		metadata := map[string]string{}
		if payload.ID != "" {
			metadata["message_id"] = payload.ID
		}
		if payload.ReplyURL != "" {
			metadata["reply_url"] = payload.ReplyURL
		}

		c.Bus().PublishInbound(bus.InboundMessage{
			Channel:   c.Name(),
			AccountID: c.account.ID,
			SenderID:  payload.Sender,
			ChatID:    chatID,
			MessageID: payload.ID,
			Content:   payload.Content,
			Media:     payload.Media,
			PeerKind:  "direct",
			UserID:    payload.Sender,
			AgentID:   c.AgentID(),
			Metadata:  metadata,
		})

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	})
}

// secretMatches checks the shared secret in either the Authorization
// bearer token or the X-Webhook-Secret header, in constant time.
func secretMatches(r *http.Request, secret string) bool {
	presented := r.Header.Get("X-Webhook-Secret")
	if presented == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if presented == "" {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(secret))
}
