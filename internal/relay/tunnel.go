package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relay-dev/relay/internal/protocol"
)

// Tunnel is the server-side state of one connected client: the upstream WS
// session, the subdomain it owns, and the external WebSocket proxy sessions
// riding on it. The registry owns the tunnel; the WS acceptor holds a
// non-owning handle for the lifetime of its session.
type Tunnel struct {
	Subdomain string
	CreatedAt time.Time

	conn *websocket.Conn

	mu       sync.Mutex
	active   bool
	lastSeen time.Time
	proxies  map[string]*ProxySession
}

// NewTunnel wraps an accepted upstream session.
func NewTunnel(subdomain string, conn *websocket.Conn) *Tunnel {
	return &Tunnel{
		Subdomain: subdomain,
		CreatedAt: time.Now(),
		conn:      conn,
		active:    true,
		lastSeen:  time.Now(),
		proxies:   make(map[string]*ProxySession),
	}
}

// Send encodes env and writes it as a single binary WS message. The
// underlying connection serializes concurrent writers.
func (t *Tunnel) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

// Active reports whether the tunnel still accepts traffic.
func (t *Tunnel) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tunnel) deactivate() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

// Touch refreshes the liveness timestamp, driven by client heartbeats.
func (t *Tunnel) Touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

// LastSeen returns the time of the last heartbeat or registration.
func (t *Tunnel) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// AddProxy registers an external WebSocket proxy session under its
// correlation id. It fails on duplicate ids and on inactive tunnels.
func (t *Tunnel) AddProxy(s *ProxySession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	if _, exists := t.proxies[s.CorrelationID]; exists {
		return false
	}
	t.proxies[s.CorrelationID] = s
	return true
}

// Proxy returns the proxy session for a correlation id, if any.
func (t *Tunnel) Proxy(correlationID string) (*ProxySession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.proxies[correlationID]
	return s, ok
}

// RemoveProxy drops a proxy session, reporting whether it was present.
func (t *Tunnel) RemoveProxy(correlationID string) bool {
	t.mu.Lock()
	_, ok := t.proxies[correlationID]
	delete(t.proxies, correlationID)
	t.mu.Unlock()
	return ok
}

// drainProxies removes and returns every proxy session.
func (t *Tunnel) drainProxies() []*ProxySession {
	t.mu.Lock()
	out := make([]*ProxySession, 0, len(t.proxies))
	for _, s := range t.proxies {
		out = append(out, s)
	}
	t.proxies = make(map[string]*ProxySession)
	t.mu.Unlock()
	return out
}

// ProxyCount returns the number of live proxy sessions.
func (t *Tunnel) ProxyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.proxies)
}

// Close closes the upstream session with the given code.
func (t *Tunnel) Close(code websocket.StatusCode, reason string) {
	t.conn.Close(code, reason)
}

// ProxySession is an external WebSocket client's session relayed through a
// tunnel. It holds only its correlation id, the owning subdomain, and the
// external connection; routing back to the tunnel re-resolves the registry by
// subdomain, which breaks the tunnel↔session pointer cycle and tolerates
// tunnel replacement.
type ProxySession struct {
	CorrelationID string
	Subdomain     string

	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewProxySession wraps an accepted external WebSocket.
func NewProxySession(subdomain, correlationID string, conn *websocket.Conn) *ProxySession {
	return &ProxySession{
		CorrelationID: correlationID,
		Subdomain:     subdomain,
		conn:          conn,
	}
}

// WriteText writes a text frame to the external client.
func (s *ProxySession) WriteText(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// WriteBinary writes a binary frame to the external client.
func (s *ProxySession) WriteBinary(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

// Ping answers origin-side ping/pong traffic toward the external client.
func (s *ProxySession) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the external session once; later calls are noops.
func (s *ProxySession) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.conn.Close(code, reason)
	})
}
