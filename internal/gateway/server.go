// Package gateway exposes the WebSocket/HTTP control surface: token-gated
// RPC methods, event fan-out to connected clients, and the inbound webhook
// mount. The gateway never talks to transports directly; everything flows
// through the message bus and the injected collaborators.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/pairing"
	"github.com/nextlevelbuilder/clawdbot/internal/router"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// Deps are the collaborators the method handlers need. Nil fields disable
// the corresponding methods with a clean error instead of panicking.
type Deps struct {
	Events   bus.EventPublisher
	Inbound  bus.MessageRouter
	Channels *channels.Manager
	Pairing  *pairing.Store
	Sessions *sessions.Store
	Usage    *router.UsageTracker

	StateDir string
	AgentID  string
	Version  string

	// AbortRun cancels an in-flight agent run. Reports whether it was found.
	AbortRun func(runID string) bool
}

// Server is the gateway WS/HTTP server.
type Server struct {
	cfg  *config.Config
	deps Deps

	router   *MethodRouter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates the gateway server and registers the default methods.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		clients:   make(map[string]*Client),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.router = NewMethodRouter()
	s.registerMethods()

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)

	return s
}

// Mount attaches an extra HTTP handler (e.g. the inbound webhook) at path.
func (s *Server) Mount(path string, h http.Handler) {
	s.mux.Handle(path, h)
}

// Start begins listening. It returns once the listener is bound; serving
// continues in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Host, strconv.Itoa(s.cfg.Gateway.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.deps.Events != nil {
		s.deps.Events.Subscribe("gateway", s.broadcastEvent)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	slog.Info("gateway listening", "addr", addr, "auth", s.cfg.Gateway.Token != "")
	return nil
}

// Stop notifies clients, closes their connections, and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.deps.Events != nil {
		s.deps.Events.Unsubscribe("gateway")
	}

	s.broadcastEvent(bus.Event{Name: protocol.EventShutdown})

	s.mu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_s":%d}`, int(time.Since(s.startedAt).Seconds()))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, s)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	slog.Info("client connected", "client_id", client.id, "remote", r.RemoteAddr)
	client.run()
}

// authorize checks the gateway token. No configured token means open access
// (intended for loopback-only deployments).
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}

	presented := r.URL.Query().Get("token")
	if presented == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// checkOrigin allows all origins when the whitelist is empty, otherwise
// requires an exact match.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// removeClient drops the client from the registry.
func (s *Server) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// broadcastEvent pushes a bus event to every connected client.
func (s *Server) broadcastEvent(event bus.Event) {
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.SendEvent(event.Name, event.Payload)
	}
}

// ClientCount reports the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
