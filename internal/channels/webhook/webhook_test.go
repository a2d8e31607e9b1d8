package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

func newTestChannel(t *testing.T, secret string, allowFrom []string) (*Channel, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.NewMessageBus()
	ch, err := New(config.WebhookConfig{}, config.ResolvedAccount{
		ID:        "default",
		Channel:   "webhook",
		Token:     secret,
		AllowFrom: allowFrom,
	}, msgBus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch, msgBus
}

func postInbound(handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/inbound", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandlerPublishesNormalizedMessage(t *testing.T) {
	ch, msgBus := newTestChannel(t, "", nil)

	body := `{"sender":"u1","content":"hello","id":"m1","reply_url":"http://example.com/r"}`
	rec := postInbound(ch.Handler(), body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "webhook" || msg.AccountID != "default" {
		t.Errorf("channel/account = %s/%s", msg.Channel, msg.AccountID)
	}
	if msg.SenderID != "u1" || msg.ChatID != "u1" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Metadata["reply_url"] != "http://example.com/r" {
		t.Errorf("reply_url metadata = %q", msg.Metadata["reply_url"])
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	ch, _ := newTestChannel(t, "", nil)
	handler := ch.Handler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{not json", http.StatusBadRequest},
		{"missing sender", `{"content":"hi"}`, http.StatusBadRequest},
		{"missing content", `{"sender":"u1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postInbound(handler, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/hooks/inbound", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandlerSharedSecret(t *testing.T) {
	ch, _ := newTestChannel(t, "hook-secret", nil)
	handler := ch.Handler()
	body := `{"sender":"u1","content":"hi"}`

	if rec := postInbound(handler, body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", rec.Code)
	}
	if rec := postInbound(handler, body, map[string]string{"X-Webhook-Secret": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", rec.Code)
	}
	if rec := postInbound(handler, body, map[string]string{"X-Webhook-Secret": "hook-secret"}); rec.Code != http.StatusAccepted {
		t.Errorf("header secret: status = %d, want 202", rec.Code)
	}
	if rec := postInbound(handler, body, map[string]string{"Authorization": "Bearer hook-secret"}); rec.Code != http.StatusAccepted {
		t.Errorf("bearer secret: status = %d, want 202", rec.Code)
	}
}

func TestHandlerAllowlist(t *testing.T) {
	ch, _ := newTestChannel(t, "", []string{"u1"})
	handler := ch.Handler()

	if rec := postInbound(handler, `{"sender":"u2","content":"hi"}`, nil); rec.Code != http.StatusForbidden {
		t.Errorf("blocked sender: status = %d, want 403", rec.Code)
	}
	if rec := postInbound(handler, `{"sender":"u1","content":"hi"}`, nil); rec.Code != http.StatusAccepted {
		t.Errorf("allowed sender: status = %d, want 202", rec.Code)
	}
}

func TestHandlerRateLimit(t *testing.T) {
	ch, _ := newTestChannel(t, "", nil)
	handler := ch.Handler()
	body := `{"sender":"flooder","content":"hi"}`

	limited := false
	for i := 0; i < 40; i++ {
		rec := postInbound(handler, body, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("flooding sender was never rate limited")
	}

	// Other senders are not affected.
	if rec := postInbound(handler, `{"sender":"calm","content":"hi"}`, nil); rec.Code != http.StatusAccepted {
		t.Errorf("unrelated sender: status = %d, want 202", rec.Code)
	}
}

func TestSendPostsToReplyURL(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch, _ := newTestChannel(t, "", nil)
	err := ch.Send(context.Background(), bus.OutboundMessage{
		Channel:  "webhook",
		ChatID:   "u1",
		Content:  "reply text",
		Metadata: map[string]string{"reply_url": srv.URL},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["content"] != "reply text" || got["chat"] != "u1" {
		t.Errorf("posted payload = %v", got)
	}
}

func TestSendWithoutReplyURLIsNoop(t *testing.T) {
	ch, _ := newTestChannel(t, "", nil)
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "x"}); err != nil {
		t.Fatalf("Send without reply_url: %v", err)
	}
}
