package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// HandlerFunc serves one RPC method.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler, replacing any previous one for the method.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch invokes the handler for method.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, method string, params json.RawMessage) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	return h(ctx, c, params)
}

// Methods returns the registered method names, sorted.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Server) registerMethods() {
	s.router.Register(protocol.MethodConnect, s.methodConnect)
	s.router.Register(protocol.MethodHealth, s.methodHealth)
	s.router.Register(protocol.MethodStatus, s.methodStatus)
	s.router.Register(protocol.MethodChatSend, s.methodChatSend)
	s.router.Register(protocol.MethodChatAbort, s.methodChatAbort)
	s.router.Register(protocol.MethodSessionsList, s.methodSessionsList)
	s.router.Register(protocol.MethodSessionsReset, s.methodSessionsReset)
	s.router.Register(protocol.MethodChannelsStatus, s.methodChannelsStatus)
	s.router.Register(protocol.MethodPairingApprove, s.methodPairingApprove)
	s.router.Register(protocol.MethodPairingList, s.methodPairingList)
	s.router.Register(protocol.MethodPairingRevoke, s.methodPairingRevoke)
	s.router.Register(protocol.MethodUsageGet, s.methodUsageGet)
}

func (s *Server) methodConnect(_ context.Context, c *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"client_id": c.id,
		"version":   s.deps.Version,
		"methods":   s.router.Methods(),
	}, nil
}

func (s *Server) methodHealth(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":   "ok",
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	}, nil
}

func (s *Server) methodStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	status := map[string]interface{}{
		"version":  s.deps.Version,
		"agent_id": s.deps.AgentID,
		"clients":  s.ClientCount(),
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Channels != nil {
		status["channels"] = s.deps.Channels.GetStatus()
	}
	return status, nil
}

// methodChatSend injects a message as if it arrived on a transport. The
// reply comes back to this client as a chat event.
func (s *Server) methodChatSend(_ context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	if s.deps.Inbound == nil {
		return nil, fmt.Errorf("chat is not available")
	}

	var p struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && len(p.Message) > max {
		return nil, fmt.Errorf("message exceeds %d characters", max)
	}

	chatID := p.SessionID
	if chatID == "" {
		chatID = c.id
	}

	s.deps.Inbound.PublishInbound(bus.InboundMessage{
		Channel:  "gateway",
		SenderID: c.id,
		ChatID:   chatID,
		Content:  p.Message,
		PeerKind: "direct",
		UserID:   c.id,
		Metadata: map[string]string{"ws_client": c.id},
	})

	return map[string]interface{}{"accepted": true, "chat_id": chatID}, nil
}

func (s *Server) methodChatAbort(_ context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if s.deps.AbortRun == nil {
		return nil, fmt.Errorf("abort is not available")
	}
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	return map[string]interface{}{"aborted": s.deps.AbortRun(p.RunID)}, nil
}

func (s *Server) methodSessionsList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	if s.deps.Sessions == nil {
		return nil, fmt.Errorf("sessions are not available")
	}

	path := sessions.StorePath(s.deps.StateDir, s.deps.AgentID)
	entries, err := s.deps.Sessions.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	type summary struct {
		Key         string `json:"key"`
		SessionID   string `json:"session_id"`
		UpdatedAt   int64  `json:"updated_at"`
		LastChannel string `json:"last_channel,omitempty"`
		TotalTokens int64  `json:"total_tokens"`
	}
	out := make([]summary, 0, len(entries))
	for key, e := range entries {
		out = append(out, summary{
			Key:         key,
			SessionID:   e.SessionID,
			UpdatedAt:   e.UpdatedAt,
			LastChannel: e.LastChannel,
			TotalTokens: e.TotalTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return map[string]interface{}{"sessions": out}, nil
}

func (s *Server) methodSessionsReset(_ context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if s.deps.Sessions == nil {
		return nil, fmt.Errorf("sessions are not available")
	}
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Key == "" {
		return nil, fmt.Errorf("key is required")
	}

	path := sessions.StorePath(s.deps.StateDir, s.deps.AgentID)
	err := s.deps.Sessions.Update(path, func(entries map[string]*sessions.Entry) {
		delete(entries, p.Key)
	})
	if err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}
	return map[string]interface{}{"reset": p.Key}, nil
}

func (s *Server) methodChannelsStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	if s.deps.Channels == nil {
		return nil, fmt.Errorf("channels are not available")
	}
	return s.deps.Channels.GetStatus(), nil
}

func (s *Server) methodPairingApprove(_ context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if s.deps.Pairing == nil {
		return nil, fmt.Errorf("pairing is not available")
	}
	var p struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	req, err := s.deps.Pairing.Approve(p.Code)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sender_id": req.SenderID,
		"channel":   req.Channel,
		"account":   req.AccountID,
	}, nil
}

func (s *Server) methodPairingList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	if s.deps.Pairing == nil {
		return nil, fmt.Errorf("pairing is not available")
	}
	pending, err := s.deps.Pairing.ListPending()
	if err != nil {
		return nil, err
	}
	paired, err := s.deps.Pairing.ListPaired("")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pending": pending, "paired": paired}, nil
}

func (s *Server) methodPairingRevoke(_ context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if s.deps.Pairing == nil {
		return nil, fmt.Errorf("pairing is not available")
	}
	var p struct {
		SenderID string `json:"sender_id"`
		Channel  string `json:"channel"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := s.deps.Pairing.Revoke(p.SenderID, p.Channel); err != nil {
		return nil, err
	}
	return map[string]interface{}{"revoked": true}, nil
}

func (s *Server) methodUsageGet(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	if s.deps.Usage == nil {
		return nil, fmt.Errorf("usage tracking is not available")
	}
	day, counts := s.deps.Usage.Snapshot()
	return map[string]interface{}{"day": day, "counts": counts}, nil
}
