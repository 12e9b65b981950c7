package relay

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-dev/relay/internal/config"
	"github.com/relay-dev/relay/internal/protocol"
)

// serveEcho answers every REQUEST envelope with a response built by fn. It
// returns the requests it saw on a channel for assertions.
func serveEcho(t *testing.T, tt *testTunnel, fn func(*protocol.RequestPayload) *protocol.Envelope) <-chan *protocol.Envelope {
	t.Helper()
	seen := make(chan *protocol.Envelope, 16)
	go func() {
		for {
			ctx, cancel := contextWithTestTimeout()
			_, data, err := tt.conn.Read(ctx)
			cancel()
			if err != nil {
				close(seen)
				return
			}
			env, err := protocol.Decode(data)
			if err != nil || env.Request == nil {
				continue
			}
			seen <- env
			reply := fn(env.Request)
			reply.CorrelationID = env.CorrelationID
			out, err := reply.Encode()
			if err != nil {
				continue
			}
			wctx, wcancel := contextWithTestTimeout()
			tt.conn.Write(wctx, websocket.MessageBinary, out)
			wcancel()
		}
	}()
	return seen
}

func proxyGet(t *testing.T, ts *httptest.Server, subdomain, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.SubdomainOverrideHeader, subdomain)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProxyRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "")

	seen := serveEcho(t, tt, func(req *protocol.RequestPayload) *protocol.Envelope {
		return protocol.NewResponse("", &protocol.ResponsePayload{
			StatusCode: 201,
			Headers:    map[string]string{"Content-Type": "application/json", "X-Origin": "local"},
			Body:       []byte(`{"ok":true}`),
		})
	})

	resp := proxyGet(t, ts, tt.Subdomain, "/api/things?page=2&page=3")
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "local", resp.Header.Get("X-Origin"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	env := <-seen
	require.NotNil(t, env.Request)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, http.MethodGet, env.Request.Method)
	assert.Equal(t, "/api/things", env.Request.Path)
	assert.Equal(t, "3", env.Request.Query["page"], "repeated query params keep the last value")
	assert.False(t, env.Request.WebSocketUpgrade)
}

func TestProxyForwardsBody(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "")

	seen := serveEcho(t, tt, func(req *protocol.RequestPayload) *protocol.Envelope {
		return protocol.NewResponse("", &protocol.ResponsePayload{StatusCode: 200, Body: req.Body})
	})

	payload := bytes.Repeat([]byte{0xFE}, 4096)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(protocol.SubdomainOverrideHeader, tt.Subdomain)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	echoed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed, "binary bodies pass through unmodified")

	env := <-seen
	assert.Equal(t, payload, env.Request.Body)
}

func TestProxyRoutesByHostHeader(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "hosted")
	serveEcho(t, tt, func(req *protocol.RequestPayload) *protocol.Envelope {
		return protocol.NewResponse("", &protocol.ResponsePayload{StatusCode: 200})
	})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "hosted.relay.test"
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestProxyMissingSubdomain(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "localhost"
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestProxyUnknownSubdomain(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := proxyGet(t, ts, "nobody-home", "/")
	assert.Equal(t, 404, resp.StatusCode)
}

func TestProxyMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "")

	req, err := http.NewRequest("TRACE", ts.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set(protocol.SubdomainOverrideHeader, tt.Subdomain)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 405, resp.StatusCode)
}

func TestProxyBodyTooLarge(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Server) {
		cfg.MaxBodySize = 64
	})
	tt := dialTunnel(t, ts, testSecret, "")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload", strings.NewReader(strings.Repeat("x", 100)))
	require.NoError(t, err)
	req.Header.Set(protocol.SubdomainOverrideHeader, tt.Subdomain)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 413, resp.StatusCode)
}

func TestProxyTimeout(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *config.Server) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})
	tt := dialTunnel(t, ts, testSecret, "")
	// The tunnel client reads the request but never answers.
	go func() {
		ctx, cancel := contextWithTestTimeout()
		defer cancel()
		tt.conn.Read(ctx)
	}()

	resp := proxyGet(t, ts, tt.Subdomain, "/slow")
	assert.Equal(t, 504, resp.StatusCode)
	assert.Eventually(t, func() bool {
		return s.Registry().PendingCount("") == 0
	}, 2*time.Second, 10*time.Millisecond, "timed out request leaves no pending entry")
}

func TestProxyLateResponseDiscarded(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *config.Server) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})
	tt := dialTunnel(t, ts, testSecret, "")

	captured := make(chan string, 1)
	go func() {
		ctx, cancel := contextWithTestTimeout()
		defer cancel()
		_, data, err := tt.conn.Read(ctx)
		if err != nil {
			return
		}
		if env, err := protocol.Decode(data); err == nil {
			captured <- env.CorrelationID
		}
	}()

	resp := proxyGet(t, ts, tt.Subdomain, "/slow")
	assert.Equal(t, 504, resp.StatusCode)

	// A reply after the timeout window must be ignored without effect.
	corrID := <-captured
	sendEnvelope(t, tt.conn, protocol.NewResponse(corrID, &protocol.ResponsePayload{StatusCode: 200}))
	assert.Eventually(t, func() bool {
		return s.Registry().PendingCount("") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Registry().Has(tt.Subdomain), "late reply must not kill the session")
}

func TestProxyUpstreamError(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "")
	serveEcho(t, tt, func(req *protocol.RequestPayload) *protocol.Envelope {
		return protocol.NewError("", protocol.CodeUpstreamError, "connection refused by local server")
	})

	resp := proxyGet(t, ts, tt.Subdomain, "/down")
	assert.Equal(t, 502, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "connection refused by local server")
}

func TestProxyTunnelDisconnectCancelsInFlight(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "")

	// Drop the tunnel as soon as the request arrives.
	go func() {
		ctx, cancel := contextWithTestTimeout()
		defer cancel()
		tt.conn.Read(ctx)
		tt.conn.Close(websocket.StatusNormalClosure, "gone")
	}()

	resp := proxyGet(t, ts, tt.Subdomain, "/")
	assert.Equal(t, 503, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tunnel disconnected")
}

func TestProxyStripsHopByHopResponseHeaders(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tt := dialTunnel(t, ts, testSecret, "")
	serveEcho(t, tt, func(req *protocol.RequestPayload) *protocol.Envelope {
		return protocol.NewResponse("", &protocol.ResponsePayload{
			StatusCode: 200,
			Headers: map[string]string{
				"Transfer-Encoding": "chunked",
				"Keep-Alive":        "timeout=5",
				"X-Kept":            "yes",
			},
		})
	})

	resp := proxyGet(t, ts, tt.Subdomain, "/")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Kept"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
}
