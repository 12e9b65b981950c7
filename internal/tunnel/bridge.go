package tunnel

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relay-dev/relay/internal/protocol"
)

// originBridge is one external WebSocket session bridged to the local
// origin's WS server, keyed by its correlation id.
type originBridge struct {
	correlationID string
	conn          *websocket.Conn
	cancel        context.CancelFunc
	closeOnce     sync.Once
}

func (b *originBridge) close(code websocket.StatusCode, reason string) {
	b.closeOnce.Do(func() {
		b.conn.Close(code, reason)
		b.cancel()
	})
}

// originWSURL promotes the local origin URL to its ws scheme and appends the
// upgrade path and query.
func originWSURL(localURL, path string, query map[string]string) string {
	target := strings.Replace(localURL, "http", "ws", 1) + path
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}
	return target
}

// startBridge dials the origin's WS endpoint for an upgrade request and pumps
// origin frames upstream until either side closes.
func (c *Client) startBridge(ctx context.Context, conn *websocket.Conn, correlationID string, req *protocol.RequestPayload) {
	header := http.Header{}
	for k, v := range req.Headers {
		// The dialer produces its own handshake headers.
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version":
			continue
		}
		header.Set(k, v)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	origin, _, err := websocket.Dial(dialCtx, originWSURL(c.cfg.LocalURL(), req.Path, req.Query), &websocket.DialOptions{
		HTTPHeader: header,
	})
	cancelDial()
	if err != nil {
		c.log.Warn("origin ws dial failed", "path", req.Path, "error", err)
		c.sendOn(ctx, conn, protocol.NewWebSocketFrame(correlationID, &protocol.WebSocketFramePayload{
			Type:        protocol.FrameClose,
			CloseCode:   int(websocket.StatusInternalError),
			CloseReason: "origin connection failed",
		}))
		return
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	b := &originBridge{correlationID: correlationID, conn: origin, cancel: cancel}
	c.mu.Lock()
	c.bridges[correlationID] = b
	c.mu.Unlock()

	c.emit(Event{Type: "traffic", Traffic: &TrafficEntry{
		CorrelationID: correlationID,
		Method:        req.Method,
		Path:          req.Path,
		Status:        http.StatusSwitchingProtocols,
		Timestamp:     time.Now(),
		WebSocket:     true,
	}})

	// Origin → upstream pump. Frames from the upstream arrive through
	// routeFrameToBridge on the dispatch loop.
	for {
		msgType, data, err := origin.Read(bridgeCtx)
		if err != nil {
			c.finishBridge(ctx, conn, b, err)
			return
		}
		frame := &protocol.WebSocketFramePayload{Type: protocol.FrameText, Data: data}
		if msgType == websocket.MessageBinary {
			frame.Type = protocol.FrameBinary
			frame.IsBinary = true
		}
		if err := c.sendOn(ctx, conn, protocol.NewWebSocketFrame(correlationID, frame)); err != nil {
			b.close(websocket.StatusGoingAway, "tunnel lost")
			c.removeBridge(correlationID)
			return
		}
	}
}

// finishBridge handles an origin-side close: the bridge is unregistered and a
// CLOSE frame goes upstream so the relay can drop the external session.
func (c *Client) finishBridge(ctx context.Context, conn *websocket.Conn, b *originBridge, readErr error) {
	if !c.removeBridge(b.correlationID) {
		// Already torn down by a CLOSE from the other direction.
		return
	}
	closeCode := websocket.StatusNormalClosure
	closeReason := ""
	if status := websocket.CloseStatus(readErr); status != -1 {
		closeCode = status
		closeReason = "origin closed"
	}
	b.close(websocket.StatusNormalClosure, "bridge finished")

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.sendOn(sendCtx, conn, protocol.NewWebSocketFrame(b.correlationID, &protocol.WebSocketFramePayload{
		Type:        protocol.FrameClose,
		CloseCode:   int(closeCode),
		CloseReason: closeReason,
	}))
	c.log.Info("origin ws bridge closed", "correlationId", b.correlationID, "code", int(closeCode))
}

func (c *Client) removeBridge(correlationID string) bool {
	c.mu.Lock()
	_, ok := c.bridges[correlationID]
	delete(c.bridges, correlationID)
	c.mu.Unlock()
	return ok
}

// routeFrameToBridge delivers an external-client frame to the matching
// origin bridge. Frames without a bridge are dropped.
func (c *Client) routeFrameToBridge(correlationID string, frame *protocol.WebSocketFramePayload) {
	c.mu.Lock()
	b, ok := c.bridges[correlationID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("frame for unknown bridge", "correlationId", correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch frame.Type {
	case protocol.FrameText:
		err = b.conn.Write(ctx, websocket.MessageText, frame.Data)
	case protocol.FrameBinary:
		err = b.conn.Write(ctx, websocket.MessageBinary, frame.Data)
	case protocol.FramePing, protocol.FramePong:
		err = b.conn.Ping(ctx)
	case protocol.FrameClose:
		code := websocket.StatusNormalClosure
		if frame.CloseCode != 0 {
			code = websocket.StatusCode(frame.CloseCode)
		}
		c.removeBridge(correlationID)
		b.close(code, frame.CloseReason)
		return
	default:
		c.log.Warn("unknown frame type", "frameType", int(frame.Type))
		return
	}

	if err != nil {
		c.log.Warn("origin write failed", "correlationId", correlationID, "error", err)
		c.removeBridge(correlationID)
		b.close(websocket.StatusGoingAway, "write failed")
	}
}
