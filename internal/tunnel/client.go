package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relay-dev/relay/internal/config"
	"github.com/relay-dev/relay/internal/protocol"
)

// Status represents the connection state of a tunnel.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

const heartbeatInterval = 30 * time.Second

// ErrAuthFailed is surfaced when the server rejects the shared secret. It is
// non-retryable.
var ErrAuthFailed = errors.New("Authentication failed: Invalid secret key")

// RegisteredInfo is emitted after the server acknowledges registration.
type RegisteredInfo struct {
	Subdomain string
	PublicURL string
}

// TrafficEntry records a single replayed request.
type TrafficEntry struct {
	CorrelationID string
	Method        string
	Path          string
	Status        int
	Duration      time.Duration
	Timestamp     time.Time
	WebSocket     bool
}

// Event is emitted by the tunnel client toward the TUI or the plain logger.
type Event struct {
	Type       string
	Status     Status
	Registered *RegisteredInfo
	Traffic    *TrafficEntry
	Error      error
	Fatal      bool
}

// Client maintains the upstream WebSocket, replays REQUEST envelopes against
// the local origin, and bridges external WebSocket sessions to it.
type Client struct {
	cfg    *config.Client
	log    *slog.Logger
	Events chan Event

	mu                sync.Mutex
	conn              *websocket.Conn
	cancelFunc        context.CancelFunc
	reconnectAttempts int
	stopped           bool
	registered        *RegisteredInfo
	bridges           map[string]*originBridge
	inflight          map[string]context.CancelFunc
}

// NewClient creates a tunnel client for a resolved configuration.
func NewClient(cfg *config.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		log:      logger,
		Events:   make(chan Event, 100),
		bridges:  make(map[string]*originBridge),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Connect starts the connection loop. Non-blocking.
func (c *Client) Connect() {
	go c.connectLoop()
}

// Disconnect shuts the client down: the reconnector is cancelled, the server
// is told to unregister, and every origin bridge is released.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	cancel := c.cancelFunc
	bridges := c.bridges
	c.bridges = make(map[string]*originBridge)
	inflight := c.inflight
	c.inflight = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, abort := range inflight {
		abort()
	}
	for _, b := range bridges {
		b.close(websocket.StatusGoingAway, "client shutting down")
	}
	if conn != nil {
		ctx, cancelSend := context.WithTimeout(context.Background(), 2*time.Second)
		c.sendOn(ctx, conn, protocol.NewControl("", &protocol.ControlPayload{Action: protocol.ActionUnregister}))
		cancelSend()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.emit(Event{Type: "status", Status: StatusDisconnected})
}

// Registered returns the last acknowledged registration, if any.
func (c *Client) Registered() *RegisteredInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) emit(ev Event) {
	select {
	case c.Events <- ev:
	default:
		// Drop rather than block the dispatch loop on a slow consumer.
	}
}

func (c *Client) connectLoop() {
	c.mu.Lock()
	status := StatusConnecting
	if c.reconnectAttempts > 0 {
		status = StatusReconnecting
	}
	c.mu.Unlock()
	c.emit(Event{Type: "status", Status: status})

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, 15*time.Second)
	conn, resp, err := websocket.Dial(dialCtx, c.cfg.ServerURL(), nil)
	cancelDial()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.emit(Event{Type: "error", Error: ErrAuthFailed, Fatal: true})
			return
		}
		if !c.isStopped() {
			c.emit(Event{Type: "error", Error: fmt.Errorf("dial %s: %w", c.cfg.Server, err)})
			c.scheduleReconnect()
		}
		return
	}
	conn.SetReadLimit(protocol.DefaultMaxBodySize + 64*1024)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.heartbeatLoop(ctx, conn)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		if msgType != websocket.MessageBinary {
			c.log.Warn("ignoring non-binary message from server", "size", len(data))
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("malformed envelope from server", "error", err)
			continue
		}
		c.dispatch(ctx, conn, env)
	}
}

// handleDisconnect classifies the read failure: policy violations mean the
// server refused the secret or the subdomain, which is fatal; anything else
// goes through the reconnector.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.conn = nil
	stopped := c.stopped
	bridges := c.bridges
	c.bridges = make(map[string]*originBridge)
	inflight := c.inflight
	c.inflight = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, abort := range inflight {
		abort()
	}
	for _, b := range bridges {
		b.close(websocket.StatusGoingAway, "tunnel lost")
	}
	if stopped {
		return
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		c.emit(Event{Type: "error", Error: ErrAuthFailed, Fatal: true})
	case websocket.StatusTryAgainLater:
		c.emit(Event{Type: "error", Error: errors.New("no free subdomain available, try again later"), Fatal: true})
	default:
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || !c.cfg.Reconnect {
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			c.emit(Event{Type: "status", Status: StatusDisconnected})
		}
		return
	}
	attempt := c.reconnectAttempts
	c.reconnectAttempts++
	c.mu.Unlock()

	c.emit(Event{Type: "status", Status: StatusReconnecting})

	time.AfterFunc(CalculateBackoff(attempt), func() {
		if !c.isStopped() {
			c.connectLoop()
		}
	})
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendOn(ctx, conn, protocol.NewControl("", &protocol.ControlPayload{Action: protocol.ActionHeartbeat})); err != nil {
				return
			}
		}
	}
}

// dispatch routes one envelope from the server.
func (c *Client) dispatch(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	switch {
	case env.Request != nil && env.Request.WebSocketUpgrade:
		go c.startBridge(ctx, conn, env.CorrelationID, env.Request)

	case env.Request != nil:
		go c.handleHTTPRequest(ctx, conn, env.CorrelationID, env.Request)

	case env.WebSocketFrame != nil:
		c.routeFrameToBridge(env.CorrelationID, env.WebSocketFrame)

	case env.Control != nil:
		c.handleControl(env)

	case env.Error != nil:
		c.log.Warn("error from server", "code", env.Error.Code.String(), "message", env.Error.Message)
		c.emit(Event{Type: "error", Error: fmt.Errorf("server: %s", env.Error.Message)})

	default:
		c.log.Warn("envelope with unhandled payload", "correlationId", env.CorrelationID)
	}
}

func (c *Client) handleControl(env *protocol.Envelope) {
	switch env.Control.Action {
	case protocol.ActionRegistered:
		info := &RegisteredInfo{Subdomain: env.Control.Subdomain, PublicURL: env.Control.PublicURL}
		c.mu.Lock()
		c.registered = info
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.emit(Event{Type: "status", Status: StatusConnected})
		c.emit(Event{Type: "registered", Registered: info})
		c.log.Info("tunnel ready", "publicUrl", info.PublicURL, "local", c.cfg.LocalURL())

	case protocol.ActionUnregister:
		if env.CorrelationID != "" {
			// The external client for this request went away; abort the
			// origin call.
			c.mu.Lock()
			abort := c.inflight[env.CorrelationID]
			c.mu.Unlock()
			if abort != nil {
				abort()
			}
			return
		}
		// Server-initiated teardown (shutdown). The close follows; the
		// reconnector handles the rest.
		c.log.Info("server requested unregister")

	case protocol.ActionStatus:
		c.log.Info("tunnel status", "subdomain", env.Control.Subdomain, "publicUrl", env.Control.PublicURL)

	default:
		c.log.Warn("unexpected control action", "action", int(env.Control.Action))
	}
}

// handleHTTPRequest replays one HTTP request against the local origin and
// sends the correlated RESPONSE or ERROR back.
func (c *Client) handleHTTPRequest(ctx context.Context, conn *websocket.Conn, correlationID string, req *protocol.RequestPayload) {
	start := time.Now()

	reqCtx, abort := context.WithCancel(ctx)
	defer abort()
	c.mu.Lock()
	c.inflight[correlationID] = abort
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, correlationID)
		c.mu.Unlock()
	}()

	resp, errPayload := ForwardRequest(reqCtx, c.cfg.LocalURL(), req, protocol.DefaultMaxBodySize)
	duration := time.Since(start)

	status := 0
	if errPayload != nil {
		status = 502
		c.sendOn(ctx, conn, protocol.NewError(correlationID, errPayload.Code, errPayload.Message))
	} else {
		status = resp.StatusCode
		c.sendOn(ctx, conn, protocol.NewResponse(correlationID, resp))
	}

	c.emit(Event{Type: "traffic", Traffic: &TrafficEntry{
		CorrelationID: correlationID,
		Method:        req.Method,
		Path:          req.Path,
		Status:        status,
		Duration:      duration,
		Timestamp:     time.Now(),
	}})
}

func (c *Client) sendOn(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}
