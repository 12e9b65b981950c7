package relay

import (
	"sync"

	"github.com/coder/websocket"

	"github.com/relay-dev/relay/internal/protocol"
)

// Registry is the process-wide store of subdomain→Tunnel plus the pending
// request table. It is created explicitly and passed to the endpoints that
// need it; there is deliberately no package-level instance.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	pending map[string]*PendingRequest // by correlation id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		pending: make(map[string]*PendingRequest),
	}
}

// Register claims a subdomain for a tunnel. It fails if the subdomain is
// already taken.
func (r *Registry) Register(subdomain string, t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.tunnels[subdomain]; taken {
		return false
	}
	r.tunnels[subdomain] = t
	return true
}

// Unregister removes a subdomain and returns the tunnel for cleanup, or nil
// if it was not registered. Idempotent.
func (r *Registry) Unregister(subdomain string) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[subdomain]
	if !ok {
		return nil
	}
	delete(r.tunnels, subdomain)
	return t
}

// Lookup returns the tunnel registered under a subdomain.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Has reports whether a subdomain is taken.
func (r *Registry) Has(subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tunnels[subdomain]
	return ok
}

// TunnelCount returns the number of registered tunnels.
func (r *Registry) TunnelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// Tunnels returns a snapshot of all registered tunnels.
func (r *Registry) Tunnels() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// RegisterPending inserts a pending request for a subdomain. It fails on a
// duplicate correlation id.
func (r *Registry) RegisterPending(subdomain, correlationID string) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.pending[correlationID]; dup {
		return nil, false
	}
	p := newPendingRequest(subdomain, correlationID)
	r.pending[correlationID] = p
	return p, true
}

// CompletePending delivers a response to the pending request with the given
// correlation id. It reports whether a pending request actually transitioned.
func (r *Registry) CompletePending(correlationID string, resp *protocol.ResponsePayload) bool {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return p.complete(resp)
}

// CompletePendingExceptionally fails the pending request with the given
// correlation id.
func (r *Registry) CompletePendingExceptionally(correlationID string, err error) bool {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return p.fail(err)
}

// UnregisterPending drops a pending request without completing it. The caller
// already holds a terminal result (or is abandoning the exchange).
func (r *Registry) UnregisterPending(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

// PendingCount returns the number of in-flight requests, optionally filtered
// by subdomain ("" counts all).
func (r *Registry) PendingCount(subdomain string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if subdomain == "" {
		return len(r.pending)
	}
	n := 0
	for _, p := range r.pending {
		if p.Subdomain == subdomain {
			n++
		}
	}
	return n
}

// DropTunnel removes a tunnel from the registry and fans out its cleanup:
// every pending request of that subdomain is cancelled and every external
// proxy session is closed. Removal happens before cancellation so that a
// racing HTTP handler holding the old tunnel observes a terminal cancellation
// rather than a hang.
func (r *Registry) DropTunnel(subdomain string, code websocket.StatusCode, reason string) *Tunnel {
	r.mu.Lock()
	t, ok := r.tunnels[subdomain]
	if ok {
		delete(r.tunnels, subdomain)
	}
	var orphans []*PendingRequest
	for id, p := range r.pending {
		if p.Subdomain == subdomain {
			orphans = append(orphans, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, p := range orphans {
		p.fail(ErrRequestCancelled)
	}

	if !ok {
		return nil
	}
	t.deactivate()
	for _, s := range t.drainProxies() {
		s.Close(code, reason)
	}
	return t
}
