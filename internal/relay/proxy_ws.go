package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relay-dev/relay/internal/protocol"
)

// upgradeHeaders is the minimal handshake set forwarded to the tunnel for a
// WebSocket upgrade.
var upgradeHeaders = []string{"Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version"}

// handlePublicWS terminates an external WebSocket, forwards the upgrade as a
// REQUEST{webSocketUpgrade} envelope, and shuttles frames both ways until
// either side closes.
func (s *Server) handlePublicWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	subdomain := r.URL.Query().Get(protocol.SubdomainOverrideHeader)
	if subdomain == "" {
		subdomain = resolveSubdomain(r, s.cfg.Domain)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("external ws accept failed", "error", err)
		return
	}

	if subdomain == "" {
		conn.Close(websocket.StatusProtocolError, "missing subdomain")
		return
	}

	t, ok := s.registry.Lookup(subdomain)
	if !ok || !t.Active() {
		conn.Close(websocket.StatusGoingAway, "tunnel unavailable")
		return
	}

	correlationID := uuid.NewString()
	session := NewProxySession(subdomain, correlationID, conn)
	if !t.AddProxy(session) {
		conn.Close(websocket.StatusGoingAway, "tunnel unavailable")
		return
	}
	s.metrics.proxyOpened()

	log := s.log.With("subdomain", subdomain, "correlationId", correlationID)
	log.Info("external ws session opened", "path", r.URL.Path)

	ctx := r.Context()
	upgrade := protocol.NewRequest(correlationID, &protocol.RequestPayload{
		Method:           http.MethodGet,
		Path:             r.URL.Path,
		Query:            externalWSQuery(r),
		Headers:          pickHeaders(r.Header, upgradeHeaders),
		WebSocketUpgrade: true,
	})
	if err := t.Send(ctx, upgrade); err != nil {
		log.Warn("upgrade forward failed", "error", err)
		s.closeProxySession(t, session, websocket.StatusGoingAway, "tunnel unavailable")
		return
	}

	// External → tunnel pump. Frames from the tunnel are routed back through
	// routeFrameToExternal by the tunnel session's read loop. The tunnel is
	// re-resolved per frame; the session never holds it.
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			s.finishExternalSession(ctx, log, subdomain, session, err)
			return
		}
		frame := &protocol.WebSocketFramePayload{Type: protocol.FrameText, Data: data}
		if msgType == websocket.MessageBinary {
			frame.Type = protocol.FrameBinary
			frame.IsBinary = true
		}
		current, ok := s.registry.Lookup(subdomain)
		if !ok {
			s.finishExternalSession(ctx, log, subdomain, session, nil)
			return
		}
		if err := current.Send(ctx, protocol.NewWebSocketFrame(correlationID, frame)); err != nil {
			log.Warn("frame forward failed", "error", err)
			s.finishExternalSession(ctx, log, subdomain, session, nil)
			return
		}
	}
}

// finishExternalSession tears down after the external side went away: the
// proxy session is unregistered and a CLOSE frame is relayed upstream so the
// client can drop its origin-side WebSocket.
func (s *Server) finishExternalSession(ctx context.Context, log *slog.Logger, subdomain string, session *ProxySession, readErr error) {
	closeCode := websocket.StatusNormalClosure
	closeReason := ""
	if status := websocket.CloseStatus(readErr); status != -1 {
		closeCode = status
		closeReason = "external client closed"
	}

	t, ok := s.registry.Lookup(subdomain)
	if ok && t.RemoveProxy(session.CorrelationID) {
		s.metrics.proxyClosed()
		sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.Send(sendCtx, protocol.NewWebSocketFrame(session.CorrelationID, &protocol.WebSocketFramePayload{
			Type:        protocol.FrameClose,
			CloseCode:   int(closeCode),
			CloseReason: closeReason,
		}))
	}
	session.Close(websocket.StatusNormalClosure, "session finished")
	log.Info("external ws session closed", "code", int(closeCode))
}

// closeProxySession unregisters and closes a proxy session without signaling
// the tunnel.
func (s *Server) closeProxySession(t *Tunnel, session *ProxySession, code websocket.StatusCode, reason string) {
	if t.RemoveProxy(session.CorrelationID) {
		s.metrics.proxyClosed()
	}
	session.Close(code, reason)
}

// routeFrameToExternal delivers a frame arriving from the tunnel to the
// external session it belongs to. Frames without a matching session are
// dropped.
func (s *Server) routeFrameToExternal(ctx context.Context, log *slog.Logger, t *Tunnel, correlationID string, frame *protocol.WebSocketFramePayload) {
	session, ok := t.Proxy(correlationID)
	if !ok {
		log.Debug("frame for unknown ws session", "correlationId", correlationID)
		return
	}

	var err error
	switch frame.Type {
	case protocol.FrameText:
		err = session.WriteText(ctx, frame.Data)
	case protocol.FrameBinary:
		err = session.WriteBinary(ctx, frame.Data)
	case protocol.FramePing, protocol.FramePong:
		// Origin-side keepalive; answer toward the external client.
		go func() {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			session.Ping(pingCtx)
		}()
	case protocol.FrameClose:
		code := websocket.StatusNormalClosure
		if frame.CloseCode != 0 {
			code = websocket.StatusCode(frame.CloseCode)
		}
		s.closeProxySession(t, session, code, frame.CloseReason)
	default:
		log.Warn("unknown frame type", "frameType", int(frame.Type))
	}

	if err != nil {
		log.Warn("external write failed", "correlationId", correlationID, "error", err)
		s.closeProxySession(t, session, websocket.StatusGoingAway, "write failed")
	}
}

// externalWSQuery forwards the incoming query map minus the routing override
// parameter.
func externalWSQuery(r *http.Request) map[string]string {
	q := r.URL.Query()
	q.Del(protocol.SubdomainOverrideHeader)
	return flattenQuery(q)
}

func pickHeaders(h http.Header, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
