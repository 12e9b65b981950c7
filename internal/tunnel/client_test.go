package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
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

func parsePort(url string) int {
	parts := strings.Split(url, ":")
	port := 0
	fmt.Sscanf(parts[len(parts)-1], "%d", &port)
	return port
}

// mockRelayServer accepts one tunnel WS, acknowledges registration, and hands
// the session to handler.
func mockRelayServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		defer conn.CloseNow()

		ack := protocol.NewControl("", &protocol.ControlPayload{
			Action:    protocol.ActionRegistered,
			Subdomain: "test-sub",
			PublicURL: "https://test-sub.relay.test",
		})
		data, err := ack.Encode()
		if err != nil {
			t.Errorf("encode ack: %v", err)
			return
		}
		if err := conn.Write(r.Context(), websocket.MessageBinary, data); err != nil {
			return
		}
		handler(r.Context(), conn)
	}))
}

func testClient(t *testing.T, relayURL string, localPort int) *Client {
	t.Helper()
	cfg := &config.Client{
		Port:      localPort,
		Server:    strings.TrimPrefix(relayURL, "http://"),
		Key:       "test-key",
		Insecure:  true,
		Reconnect: false,
	}
	c := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(c.Disconnect)
	return c
}

func waitEvent(t *testing.T, c *Client, typ string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", typ)
		}
	}
}

func serverRead(ctx context.Context, conn *websocket.Conn) (*protocol.Envelope, error) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func serverSend(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func TestClient_RegistrationFlow(t *testing.T) {
	relay := mockRelayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx) // hold the session open
	})
	defer relay.Close()

	c := testClient(t, relay.URL, 3000)
	c.Connect()

	ev := waitEvent(t, c, "registered")
	require.NotNil(t, ev.Registered)
	assert.Equal(t, "test-sub", ev.Registered.Subdomain)
	assert.Equal(t, "https://test-sub.relay.test", ev.Registered.PublicURL)

	info := c.Registered()
	require.NotNil(t, info)
	assert.Equal(t, "test-sub", info.Subdomain)
}

func TestClient_ReplaysHTTPRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ping", r.URL.Path)
		w.Header().Set("X-Origin", "local")
		w.WriteHeader(200)
		w.Write([]byte("pong"))
	}))
	defer origin.Close()

	reply := make(chan *protocol.Envelope, 1)
	relay := mockRelayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req := protocol.NewRequest("corr-1", &protocol.RequestPayload{
			Method: "GET",
			Path:   "/api/ping",
		})
		if err := serverSend(ctx, conn, req); err != nil {
			return
		}
		env, err := serverRead(ctx, conn)
		if err != nil {
			return
		}
		reply <- env
		conn.Read(ctx)
	})
	defer relay.Close()

	c := testClient(t, relay.URL, parsePort(origin.URL))
	c.Connect()

	select {
	case env := <-reply:
		require.NotNil(t, env.Response)
		assert.Equal(t, "corr-1", env.CorrelationID)
		assert.Equal(t, 200, env.Response.StatusCode)
		assert.Equal(t, "pong", string(env.Response.Body))
		assert.Equal(t, "local", env.Response.Headers["X-Origin"])
	case <-time.After(5 * time.Second):
		t.Fatal("no response from client")
	}

	ev := waitEvent(t, c, "traffic")
	require.NotNil(t, ev.Traffic)
	assert.Equal(t, "GET", ev.Traffic.Method)
	assert.Equal(t, "/api/ping", ev.Traffic.Path)
	assert.Equal(t, 200, ev.Traffic.Status)
}

func TestClient_OriginDownSendsError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	reply := make(chan *protocol.Envelope, 1)
	relay := mockRelayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req := protocol.NewRequest("corr-2", &protocol.RequestPayload{Method: "GET", Path: "/"})
		if err := serverSend(ctx, conn, req); err != nil {
			return
		}
		env, err := serverRead(ctx, conn)
		if err != nil {
			return
		}
		reply <- env
		conn.Read(ctx)
	})
	defer relay.Close()

	c := testClient(t, relay.URL, parsePort(origin.URL))
	c.Connect()

	select {
	case env := <-reply:
		require.NotNil(t, env.Error)
		assert.Equal(t, "corr-2", env.CorrelationID)
		assert.Equal(t, protocol.CodeUpstreamError, env.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no error from client")
	}
}

func TestClient_AbortCancelsInflightRequest(t *testing.T) {
	started := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer origin.Close()

	reply := make(chan *protocol.Envelope, 1)
	relay := mockRelayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req := protocol.NewRequest("corr-3", &protocol.RequestPayload{Method: "GET", Path: "/slow"})
		if err := serverSend(ctx, conn, req); err != nil {
			return
		}
		<-started
		abort := protocol.NewControl("corr-3", &protocol.ControlPayload{Action: protocol.ActionUnregister})
		if err := serverSend(ctx, conn, abort); err != nil {
			return
		}
		env, err := serverRead(ctx, conn)
		if err != nil {
			return
		}
		reply <- env
		conn.Read(ctx)
	})
	defer relay.Close()

	c := testClient(t, relay.URL, parsePort(origin.URL))
	c.Connect()

	select {
	case env := <-reply:
		require.NotNil(t, env.Error)
		assert.Equal(t, "corr-3", env.CorrelationID)
		assert.Equal(t, protocol.CodeUpstreamError, env.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted request never errored")
	}
}

func TestClient_AuthRejectionIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusPolicyViolation, "invalid secret key")
	}))
	defer server.Close()

	c := testClient(t, server.URL, 3000)
	c.Connect()

	ev := waitEvent(t, c, "error")
	assert.True(t, ev.Fatal)
	assert.ErrorIs(t, ev.Error, ErrAuthFailed)
}

func TestClient_Http403IsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	c := testClient(t, server.URL, 3000)
	c.Connect()

	ev := waitEvent(t, c, "error")
	assert.True(t, ev.Fatal)
	assert.ErrorIs(t, ev.Error, ErrAuthFailed)
}

func TestClient_BridgesExternalWebSocket(t *testing.T) {
	// Origin WS echo server.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			msgType, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), msgType, data); err != nil {
				return
			}
		}
	}))
	defer origin.Close()

	echoed := make(chan *protocol.Envelope, 1)
	relay := mockRelayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		upgrade := protocol.NewRequest("ws-1", &protocol.RequestPayload{
			Method:           "GET",
			Path:             "/live",
			WebSocketUpgrade: true,
		})
		if err := serverSend(ctx, conn, upgrade); err != nil {
			return
		}

		// Push a frame through the bridge and wait for the echo.
		frame := protocol.NewWebSocketFrame("ws-1", &protocol.WebSocketFramePayload{
			Type: protocol.FrameText,
			Data: []byte("ping"),
		})
		if err := serverSend(ctx, conn, frame); err != nil {
			return
		}
		env, err := serverRead(ctx, conn)
		if err != nil {
			return
		}
		echoed <- env

		// Close the external side; the bridge should fold.
		closeFrame := protocol.NewWebSocketFrame("ws-1", &protocol.WebSocketFramePayload{
			Type:      protocol.FrameClose,
			CloseCode: int(websocket.StatusNormalClosure),
		})
		if err := serverSend(ctx, conn, closeFrame); err != nil {
			return
		}
		conn.Read(ctx)
	})
	defer relay.Close()

	c := testClient(t, relay.URL, parsePort(origin.URL))
	c.Connect()

	select {
	case env := <-echoed:
		require.NotNil(t, env.WebSocketFrame)
		assert.Equal(t, "ws-1", env.CorrelationID)
		assert.Equal(t, protocol.FrameText, env.WebSocketFrame.Type)
		assert.Equal(t, []byte("ping"), env.WebSocketFrame.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no echoed frame from bridge")
	}

	ev := waitEvent(t, c, "traffic")
	require.NotNil(t, ev.Traffic)
	assert.True(t, ev.Traffic.WebSocket)
	assert.Equal(t, "/live", ev.Traffic.Path)

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.bridges) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClient_BridgeReportsOriginDialFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	closeEnv := make(chan *protocol.Envelope, 1)
	relay := mockRelayServer(t, func(ctx context.Context, conn *websocket.Conn) {
		upgrade := protocol.NewRequest("ws-2", &protocol.RequestPayload{
			Method:           "GET",
			Path:             "/live",
			WebSocketUpgrade: true,
		})
		if err := serverSend(ctx, conn, upgrade); err != nil {
			return
		}
		env, err := serverRead(ctx, conn)
		if err != nil {
			return
		}
		closeEnv <- env
		conn.Read(ctx)
	})
	defer relay.Close()

	c := testClient(t, relay.URL, parsePort(origin.URL))
	c.Connect()

	select {
	case env := <-closeEnv:
		require.NotNil(t, env.WebSocketFrame)
		assert.Equal(t, "ws-2", env.CorrelationID)
		assert.Equal(t, protocol.FrameClose, env.WebSocketFrame.Type)
		assert.Equal(t, int(websocket.StatusInternalError), env.WebSocketFrame.CloseCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no close frame after failed origin dial")
	}
}
