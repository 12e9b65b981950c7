package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/relay-dev/relay/internal/protocol"
)

const tunnelPingInterval = 30 * time.Second

// handleTunnel is the /ws endpoint: it authenticates the client, binds it to
// a subdomain, and dispatches inbound envelopes until the session ends.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.MaxTunnels > 0 && s.registry.TunnelCount() >= s.cfg.MaxTunnels {
		http.Error(w, "tunnel limit reached", http.StatusServiceUnavailable)
		return
	}

	secret := r.URL.Query().Get(protocol.SecretQueryParam)
	if secret == "" {
		secret = r.Header.Get(protocol.SecretHeader)
	}
	requested := r.URL.Query().Get(protocol.SubdomainQueryParam)
	if requested == "" {
		requested = r.Header.Get(protocol.SubdomainHeader)
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("tunnel accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodySize + 64*1024)

	// Authentication failures are fatal to the session.
	if !s.cfg.AllowsKey(secret) {
		s.log.Warn("tunnel rejected: invalid secret", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusPolicyViolation, "invalid secret key")
		return
	}

	subdomain, closeCode, reason := s.allocateSubdomain(requested)
	if closeCode != 0 {
		s.log.Warn("tunnel rejected", "requested", requested, "reason", reason)
		conn.Close(closeCode, reason)
		return
	}

	t := NewTunnel(subdomain, conn)
	if !s.registry.Register(subdomain, t) {
		// Lost the race between allocation and registration.
		if requested != "" {
			conn.Close(websocket.StatusPolicyViolation, "subdomain already taken")
		} else {
			conn.Close(websocket.StatusTryAgainLater, "no free subdomain, try again later")
		}
		return
	}
	s.metrics.tunnelOpened()

	log := s.log.With("subdomain", subdomain)
	log.Info("tunnel registered", "remote", r.RemoteAddr)

	ctx := r.Context()
	defer func() {
		if dropped := s.registry.DropTunnel(subdomain, websocket.StatusGoingAway, "tunnel closed"); dropped != nil {
			s.metrics.tunnelClosed()
		}
		conn.Close(websocket.StatusNormalClosure, "closing")
		log.Info("tunnel closed")
	}()

	registered := protocol.NewControl("", &protocol.ControlPayload{
		Action:    protocol.ActionRegistered,
		Subdomain: subdomain,
		PublicURL: s.cfg.PublicURL(subdomain),
	})
	if err := t.Send(ctx, registered); err != nil {
		log.Warn("failed to send registration ack", "error", err)
		return
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(tunnelPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(pingCtx); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			log.Warn("tunnel read error", "error", err)
			return
		}
		if msgType == websocket.MessageText {
			// A peer speaking the retired textual protocol. Answer with a
			// protocol error and keep the connection open for a retry.
			s.metrics.protocolError()
			log.Warn("text message on tunnel session", "size", len(data))
			t.Send(ctx, protocol.NewError("", protocol.CodeProtocolError, "binary envelopes required"))
			continue
		}
		s.dispatchTunnelMessage(ctx, log, t, data)
	}
}

// allocateSubdomain validates a requested label or draws a random free one.
// A non-zero close code means rejection.
func (s *Server) allocateSubdomain(requested string) (string, websocket.StatusCode, string) {
	if requested != "" {
		if ok, reason := protocol.ValidateSubdomain(requested); !ok {
			return "", websocket.StatusPolicyViolation, reason
		}
		if s.registry.Has(requested) {
			return "", websocket.StatusPolicyViolation, "subdomain already taken"
		}
		return requested, 0, ""
	}
	label, err := protocol.GenerateFreeSubdomain(s.registry.Has)
	if err != nil {
		return "", websocket.StatusTryAgainLater, "no free subdomain, try again later"
	}
	return label, 0, ""
}

// dispatchTunnelMessage decodes one envelope from the client and routes it.
// Decode errors are local to the message; the session carries on.
func (s *Server) dispatchTunnelMessage(ctx context.Context, log *slog.Logger, t *Tunnel, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.metrics.protocolError()
		log.Warn("malformed envelope", "size", len(data), "error", err)
		t.Send(ctx, protocol.NewError("", protocol.CodeProtocolError, err.Error()))
		return
	}

	switch {
	case env.Response != nil:
		if !s.registry.CompletePending(env.CorrelationID, env.Response) {
			log.Warn("response for unknown request", "correlationId", env.CorrelationID)
		}

	case env.Error != nil:
		completed := s.registry.CompletePendingExceptionally(env.CorrelationID, &UpstreamError{
			Code:    env.Error.Code,
			Message: env.Error.Message,
		})
		if !completed {
			log.Warn("error for unknown request", "correlationId", env.CorrelationID, "code", env.Error.Code.String())
		}

	case env.WebSocketFrame != nil:
		s.routeFrameToExternal(ctx, log, t, env.CorrelationID, env.WebSocketFrame)

	case env.Control != nil:
		s.handleTunnelControl(ctx, log, t, env)

	default:
		log.Warn("envelope with unhandled payload", "correlationId", env.CorrelationID, "type", int(env.Type))
	}
}

func (s *Server) handleTunnelControl(ctx context.Context, log *slog.Logger, t *Tunnel, env *protocol.Envelope) {
	switch env.Control.Action {
	case protocol.ActionHeartbeat:
		t.Touch()
	case protocol.ActionStatus:
		reply := protocol.NewControl(env.CorrelationID, &protocol.ControlPayload{
			Action:    protocol.ActionStatus,
			Subdomain: t.Subdomain,
			PublicURL: s.cfg.PublicURL(t.Subdomain),
		})
		if err := t.Send(ctx, reply); err != nil {
			log.Warn("status reply failed", "error", err)
		}
	case protocol.ActionUnregister:
		// Client-initiated teardown; the read loop observes the close.
		t.Close(websocket.StatusNormalClosure, "unregistered")
	default:
		log.Warn("unexpected control action", "action", int(env.Control.Action))
	}
}
