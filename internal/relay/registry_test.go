package relay

import (
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-dev/relay/internal/protocol"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	tn := NewTunnel("alpha", nil)

	assert.True(t, r.Register("alpha", tn))
	assert.False(t, r.Register("alpha", NewTunnel("alpha", nil)), "second claim on the same subdomain must fail")

	got, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Same(t, tn, got)
	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has("beta"))
	assert.Equal(t, 1, r.TunnelCount())
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	tn := NewTunnel("alpha", nil)
	require.True(t, r.Register("alpha", tn))

	assert.Same(t, tn, r.Unregister("alpha"))
	assert.Nil(t, r.Unregister("alpha"))
	assert.False(t, r.Has("alpha"))
}

func TestRegistryPendingDuplicateCorrelationID(t *testing.T) {
	r := NewRegistry()

	p, ok := r.RegisterPending("alpha", "corr-1")
	require.True(t, ok)
	require.NotNil(t, p)

	_, ok = r.RegisterPending("beta", "corr-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.PendingCount(""))
}

func TestRegistryCompletePending(t *testing.T) {
	r := NewRegistry()
	p, ok := r.RegisterPending("alpha", "corr-1")
	require.True(t, ok)

	assert.True(t, r.CompletePending("corr-1", &protocol.ResponsePayload{StatusCode: 200}))
	assert.Equal(t, 0, r.PendingCount(""))

	// The id is gone after completion; a duplicate reply finds nothing.
	assert.False(t, r.CompletePending("corr-1", &protocol.ResponsePayload{StatusCode: 500}))

	resp, err := p.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestRegistryCompletePendingExceptionally(t *testing.T) {
	r := NewRegistry()
	p, ok := r.RegisterPending("alpha", "corr-1")
	require.True(t, ok)

	upstream := &UpstreamError{Code: protocol.CodeUpstreamError, Message: "boom"}
	assert.True(t, r.CompletePendingExceptionally("corr-1", upstream))
	assert.False(t, r.CompletePendingExceptionally("corr-1", upstream))

	_, err := p.Wait(t.Context())
	var got *UpstreamError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "boom", got.Message)
}

func TestRegistryPendingCountBySubdomain(t *testing.T) {
	r := NewRegistry()
	_, ok := r.RegisterPending("alpha", "corr-1")
	require.True(t, ok)
	_, ok = r.RegisterPending("alpha", "corr-2")
	require.True(t, ok)
	_, ok = r.RegisterPending("beta", "corr-3")
	require.True(t, ok)

	assert.Equal(t, 3, r.PendingCount(""))
	assert.Equal(t, 2, r.PendingCount("alpha"))
	assert.Equal(t, 1, r.PendingCount("beta"))

	r.UnregisterPending("corr-2")
	assert.Equal(t, 1, r.PendingCount("alpha"))
}

func TestDropTunnelCancelsOwnPendingOnly(t *testing.T) {
	r := NewRegistry()
	tn := NewTunnel("alpha", nil)
	require.True(t, r.Register("alpha", tn))
	require.True(t, r.Register("beta", NewTunnel("beta", nil)))

	orphan, ok := r.RegisterPending("alpha", "corr-1")
	require.True(t, ok)
	survivor, ok := r.RegisterPending("beta", "corr-2")
	require.True(t, ok)

	dropped := r.DropTunnel("alpha", websocket.StatusGoingAway, "gone")
	require.Same(t, tn, dropped)
	assert.False(t, r.Has("alpha"))
	assert.False(t, tn.Active())

	_, err := orphan.Wait(t.Context())
	assert.ErrorIs(t, err, ErrRequestCancelled)

	// The other tunnel's request is untouched and still completable.
	assert.Equal(t, 1, r.PendingCount("beta"))
	assert.True(t, r.CompletePending("corr-2", &protocol.ResponsePayload{StatusCode: 200}))
	resp, err := survivor.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestDropTunnelIdempotent(t *testing.T) {
	r := NewRegistry()
	tn := NewTunnel("alpha", nil)
	require.True(t, r.Register("alpha", tn))

	require.NotNil(t, r.DropTunnel("alpha", websocket.StatusGoingAway, "gone"))
	assert.Nil(t, r.DropTunnel("alpha", websocket.StatusGoingAway, "gone"))
}

func TestTunnelProxyBookkeeping(t *testing.T) {
	tn := NewTunnel("alpha", nil)
	s1 := NewProxySession("alpha", "corr-1", nil)

	assert.True(t, tn.AddProxy(s1))
	assert.False(t, tn.AddProxy(NewProxySession("alpha", "corr-1", nil)), "duplicate correlation id must be rejected")
	assert.Equal(t, 1, tn.ProxyCount())

	got, ok := tn.Proxy("corr-1")
	require.True(t, ok)
	assert.Same(t, s1, got)

	assert.True(t, tn.RemoveProxy("corr-1"))
	assert.False(t, tn.RemoveProxy("corr-1"), "second removal reports absence")
	assert.Equal(t, 0, tn.ProxyCount())
}

func TestTunnelRejectsProxyWhenInactive(t *testing.T) {
	tn := NewTunnel("alpha", nil)
	tn.deactivate()
	assert.False(t, tn.AddProxy(NewProxySession("alpha", "corr-1", nil)))
}
