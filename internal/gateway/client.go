package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 45 * time.Second
	maxFrameBytes  = 512 * 1024
	sendBufferSize = 64
)

// request is one inbound RPC frame.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is one outbound RPC result frame.
type response struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// eventFrame is one outbound server-push frame.
type eventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Client is one connected WebSocket control client.
type Client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	send    chan interface{}
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, conn *websocket.Conn, server *Server) *Client {
	var limiter *rate.Limiter
	if rpm := server.cfg.Gateway.RateLimitRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return &Client{
		id:      id,
		conn:    conn,
		server:  server,
		send:    make(chan interface{}, sendBufferSize),
		limiter: limiter,
		closed:  make(chan struct{}),
	}
}

// run drives both pumps; it returns when the connection dies.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

// Close tears the connection down once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// SendEvent queues a server-push event. Slow clients lose events rather
// than blocking the broadcaster.
func (c *Client) SendEvent(name string, payload interface{}) {
	select {
	case c.send <- eventFrame{Event: name, Payload: payload}:
	case <-c.closed:
	default:
		slog.Debug("client event dropped: send buffer full", "client_id", c.id, "event", name)
	}
}

func (c *Client) reply(resp response) {
	select {
	case c.send <- resp:
	case <-c.closed:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c.id)
		c.Close()
		slog.Info("client disconnected", "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "client_id", c.id, "error", err)
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(response{OK: false, Error: "invalid request frame"})
			continue
		}
		if req.Method == "" {
			c.reply(response{ID: req.ID, OK: false, Error: "method is required"})
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.reply(response{ID: req.ID, OK: false, Error: "rate limit exceeded"})
			continue
		}

		result, err := c.server.router.Dispatch(context.Background(), c, req.Method, req.Params)
		if err != nil {
			c.reply(response{ID: req.ID, OK: false, Error: err.Error()})
			continue
		}
		c.reply(response{ID: req.ID, OK: true, Result: result})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
