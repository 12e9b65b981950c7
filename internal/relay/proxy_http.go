package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relay-dev/relay/internal/protocol"
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// hopByHopHeaders are stripped from origin responses before they are written
// back to the external client.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// handleProxy converts an external HTTP request into a REQUEST envelope,
// awaits the correlated reply, and writes it back. All per-request state
// lives in the PendingRequest; the handler itself is stateless.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		s.handlePublicWS(w, r)
		return
	}

	start := time.Now()
	status := s.proxyExchange(w, r)
	if status > 0 {
		s.metrics.observeRequest(status, time.Since(start))
	}
}

// proxyExchange runs one request through a tunnel and returns the external
// status code, or 0 when the external client went away before the reply.
func (s *Server) proxyExchange(w http.ResponseWriter, r *http.Request) int {
	if !allowedMethods[r.Method] {
		return fail(w, http.StatusMethodNotAllowed, "method not allowed")
	}

	subdomain := resolveSubdomain(r, s.cfg.Domain)
	if strings.TrimSpace(subdomain) == "" {
		return fail(w, http.StatusBadRequest, "missing subdomain")
	}

	t, ok := s.registry.Lookup(subdomain)
	if !ok {
		return fail(w, http.StatusNotFound, fmt.Sprintf("no tunnel for subdomain %q", subdomain))
	}
	if !t.Active() {
		return fail(w, http.StatusServiceUnavailable, "tunnel unavailable")
	}

	var body []byte
	if bodyMethods[r.Method] && r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodySize+1))
		if err != nil {
			return fail(w, http.StatusBadRequest, "failed to read request body")
		}
		if int64(len(data)) > s.cfg.MaxBodySize {
			return fail(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d byte limit", s.cfg.MaxBodySize))
		}
		body = data
	}

	correlationID := uuid.NewString()
	pending, ok := s.registry.RegisterPending(subdomain, correlationID)
	if !ok {
		return fail(w, http.StatusInternalServerError, "correlation id collision")
	}
	defer s.registry.UnregisterPending(correlationID)
	pending.startTimeout(s.cfg.RequestTimeout)

	env := protocol.NewRequest(correlationID, &protocol.RequestPayload{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: flattenHeaders(r.Header),
		Query:   flattenQuery(r.URL.Query()),
		Body:    body,
	})
	if err := t.Send(r.Context(), env); err != nil {
		pending.fail(err)
		return fail(w, http.StatusBadGateway, "Error from tunnel: "+err.Error())
	}

	resp, err := pending.Wait(r.Context())
	switch {
	case err == nil:
		return writeTunnelResponse(w, resp)

	case errors.Is(err, context.Canceled):
		// External client disconnected before the reply. Best-effort signal
		// upstream so the client can abort its origin call.
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.Send(abortCtx, protocol.NewControl(correlationID, &protocol.ControlPayload{Action: protocol.ActionUnregister}))
		return 0

	case errors.Is(err, ErrRequestTimeout):
		return fail(w, http.StatusGatewayTimeout, "request timed out")

	case errors.Is(err, ErrRequestCancelled):
		return fail(w, http.StatusServiceUnavailable, "tunnel disconnected")

	default:
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			return fail(w, http.StatusBadGateway, upstream.Message)
		}
		return fail(w, http.StatusBadGateway, "Error from tunnel: "+err.Error())
	}
}

func writeTunnelResponse(w http.ResponseWriter, resp *protocol.ResponsePayload) int {
	for k, v := range resp.Headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
	return resp.StatusCode
}

func fail(w http.ResponseWriter, status int, message string) int {
	http.Error(w, message, status)
	return status
}

// resolveSubdomain implements the routing rule: an explicit override header
// wins; otherwise the Host header is stripped of its port and matched against
// the base domain, falling back to the label before the first dot.
func resolveSubdomain(r *http.Request, baseDomain string) string {
	if v := r.Header.Get(protocol.SubdomainOverrideHeader); v != "" {
		return v
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.HasSuffix(host, "."+baseDomain) {
		return strings.TrimSuffix(host, "."+baseDomain)
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return ""
}

// flattenHeaders forwards headers as a single-valued map; duplicate incoming
// headers of the same name keep the last value.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[k] = vals[len(vals)-1]
		}
	}
	return out
}

func flattenQuery(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, vals := range q {
		if len(vals) > 0 {
			out[k] = vals[len(vals)-1]
		}
	}
	return out
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
