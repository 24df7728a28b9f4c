// Package ws implements the WebSocket transport — a second carrier proving
// the runtime is transport-agnostic (spec.md §1, §6). Unlike the teacher's
// server-push-only Hub (internal/websocket), this protocol is bidirectional:
// either side may originate a tagged JSON-RPC request and the other replies
// over the same connection, so the per-connection read/write pump idiom is
// kept but generalized from one-way topic fan-out to two-way RPC framing.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/rpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the single frame shape carried over the socket in either
// direction. Exactly one of Request or Response is populated; Tag
// correlates a Response back to the Request that produced it.
type envelope struct {
	Tag       string        `json:"tag,omitempty"`
	SenderURL string        `json:"senderUrl,omitempty"`
	Request   *rpc.Request  `json:"request,omitempty"`
	Response  *rpc.Response `json:"response,omitempty"`
}

// Receiver is the narrow inbound surface the WS transport needs from the
// Host, mirroring internal/transport/http.Receiver.
type Receiver interface {
	Receive(ctx context.Context, agentID string, req rpc.Request, senderURL, tag string) rpc.Response
}

// FulfillFunc reports a response back to the Host's Callback Registry.
type FulfillFunc func(tag string, resp rpc.Response)

// Transport implements transport.Transport over WebSocket. It both dials
// outbound connections (Send) and accepts inbound ones (Router), reusing
// one *conn per remote URL in both directions once established.
type Transport struct {
	recv    Receiver
	fulfill FulfillFunc
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*conn // keyed by target URL
}

// Config bundles Transport construction dependencies.
type Config struct {
	Receiver Receiver
	Fulfill  FulfillFunc
	Logger   *zap.Logger
}

// New constructs a WebSocket Transport.
func New(cfg Config) *Transport {
	return &Transport{
		recv:    cfg.Receiver,
		fulfill: cfg.Fulfill,
		logger:  cfg.Logger.Named("transport.ws"),
		conns:   make(map[string]*conn),
	}
}

// Scheme implements transport.Transport. It always returns "ws"; the Host
// selects a Transport by exact scheme string, so wss:// targets are not
// routed to this Transport.
func (t *Transport) Scheme() string { return "ws" }

// Send implements transport.Transport: it dials (or reuses) a connection to
// targetURL and writes a tagged request frame. The eventual response
// arrives asynchronously on the same connection's readPump, which invokes
// fulfill — mirroring the HTTP transport's fire-and-forget contract.
func (t *Transport) Send(ctx context.Context, targetURL string, req rpc.Request, senderURL, tag string) error {
	c, err := t.connFor(targetURL)
	if err != nil {
		return fmt.Errorf("transport/ws: %w", err)
	}

	env := envelope{Tag: tag, SenderURL: senderURL, Request: &req}
	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("transport/ws: send buffer full for %s", targetURL)
	}
}

// connFor returns the cached connection for targetURL, dialing a new one
// if none exists or the cached one has already closed.
func (t *Transport) connFor(targetURL string) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[targetURL]; ok && !c.closed() {
		return c, nil
	}

	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %q: %w", targetURL, err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)

	wsConn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	c := newConn(wsConn, t.recv, t.fulfill, t.logger)
	t.conns[targetURL] = c
	go c.run(context.Background(), "")
	return c, nil
}

// Router builds the Chi router accepting inbound WebSocket connections, one
// per agent. Every request frame arriving on such a connection is addressed
// to the agentId in its path; frames carry no addressee of their own,
// matching the REST surface.
func (t *Transport) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/agents/{agentId}/ws", t.handleUpgrade)
	return r
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("ws: upgrade failed", zap.Error(err), zap.String("agent", agentID))
		return
	}

	c := newConn(wsConn, t.recv, t.fulfill, t.logger)
	c.run(r.Context(), agentID)
}

// conn wraps one WebSocket connection with the read/write pump pair. Only
// writePump writes to the underlying connection, per gorilla/websocket's
// single-writer requirement.
type conn struct {
	ws      *websocket.Conn
	recv    Receiver
	fulfill FulfillFunc
	logger  *zap.Logger

	send     chan envelope
	closedCh chan struct{}
	closeOne sync.Once
}

func newConn(ws *websocket.Conn, recv Receiver, fulfill FulfillFunc, logger *zap.Logger) *conn {
	return &conn{
		ws:       ws,
		recv:     recv,
		fulfill:  fulfill,
		logger:   logger,
		send:     make(chan envelope, sendBufferSize),
		closedCh: make(chan struct{}),
	}
}

func (c *conn) closed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOne.Do(func() {
		close(c.closedCh)
		_ = c.ws.Close()
	})
}

// run starts the read and write pumps and blocks until the connection
// closes. Every inbound request frame is delivered to defaultAgentID (the
// agent in the path for server-accepted connections; empty for
// outbound-dialed ones, which only ever carry response frames back).
func (c *conn) run(ctx context.Context, defaultAgentID string) {
	go c.writePump()
	c.readPump(ctx, defaultAgentID)
}

func (c *conn) readPump(ctx context.Context, defaultAgentID string) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		switch {
		case env.Response != nil:
			c.fulfill(env.Tag, *env.Response)
		case env.Request != nil:
			agentID := defaultAgentID
			resp := c.recv.Receive(ctx, agentID, *env.Request, env.SenderURL, env.Tag)
			select {
			case c.send <- envelope{Tag: env.Tag, Response: &resp}:
			default:
				c.logger.Warn("ws: send buffer full replying to request", zap.String("method", env.Request.Method))
			}
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}

		case <-c.closedCh:
			return
		}
	}
}
