package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/relay-dev/relay/internal/config"
	"github.com/relay-dev/relay/internal/protocol"
)

// shutdownGrace bounds how long graceful shutdown waits for in-flight
// requests before remaining sessions are closed.
const shutdownGrace = 30 * time.Second

// Server is the relay: it terminates tunnel WebSockets on /ws, external
// WebSockets on /pub, and host-routes everything else through the matching
// tunnel.
type Server struct {
	cfg      *config.Server
	log      *slog.Logger
	registry *Registry
	metrics  *Metrics
	router   chi.Router

	httpSrv    *http.Server
	metricsSrv *http.Server
	draining   atomic.Bool
}

// NewServer builds a server around a fresh registry.
func NewServer(cfg *config.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
	}

	r := chi.NewRouter()
	r.HandleFunc(protocol.TunnelPath, s.handleTunnel)
	r.HandleFunc(protocol.PublicWSPath, s.handlePublicWS)
	r.HandleFunc(protocol.PublicWSPath+"/*", s.handlePublicWS)
	r.HandleFunc("/*", s.handleProxy)
	r.HandleFunc("/", s.handleProxy)
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry exposes the tunnel registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("relay listening", "port", s.cfg.Port, "domain", s.cfg.Domain)

	if s.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		s.log.Info("metrics listening", "port", s.cfg.MetricsPort)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown drains gracefully: new connections are refused, active tunnels are
// notified, in-flight requests get until ctx expires, then the remaining
// sessions are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.log.Info("graceful shutdown started", "tunnels", s.registry.TunnelCount(), "pending", s.registry.PendingCount(""))

	for _, t := range s.registry.Tunnels() {
		if err := t.Send(ctx, protocol.NewControl("", &protocol.ControlPayload{Action: protocol.ActionUnregister})); err != nil {
			s.log.Warn("shutdown notify failed", "subdomain", t.Subdomain, "error", err)
		}
	}

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.waitForPending(ctx)
	s.closeAllTunnels("server shutting down")

	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	s.log.Info("shutdown complete")
	return err
}

// Close shuts down immediately: every session is closed and every pending
// request completes with a 503.
func (s *Server) Close() {
	s.draining.Store(true)
	s.closeAllTunnels("server shutting down")
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
}

func (s *Server) waitForPending(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.PendingCount("") > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) closeAllTunnels(reason string) {
	for _, t := range s.registry.Tunnels() {
		if dropped := s.registry.DropTunnel(t.Subdomain, websocket.StatusGoingAway, reason); dropped != nil {
			dropped.Close(websocket.StatusGoingAway, reason)
			s.metrics.tunnelClosed()
		}
	}
}
