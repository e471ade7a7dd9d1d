// Package server exposes auteur over HTTP: the side-channel transports that
// put participants into rooms, plus read-only inspection endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"auteur/pkg/config"
	"auteur/pkg/logx"
	"auteur/pkg/metrics"
	"auteur/pkg/persistence"
	"auteur/pkg/room"
	"auteur/pkg/session"
)

// Deps are the components the server routes to. Recorder and Journal are
// optional; their endpoints are not mounted when nil.
type Deps struct {
	Tracker  *session.Tracker
	Recorder *metrics.Recorder
	Journal  *persistence.Journal
}

// Server is the HTTP front end.
type Server struct {
	cfg             config.ServerConfig
	deps            Deps
	router          chi.Router
	logger          *logx.Logger
	wsOpts          room.WebSocketOptions
	rtcOpts         room.WebRTCOptions
	shutdownTimeout time.Duration
}

// New builds the router for cfg.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logx.NewLogger("server"),
		wsOpts:  room.WebSocketOptions{AllowedOrigins: cfg.AllowedOrigins},
		rtcOpts: room.WebRTCOptions{ICEServers: cfg.ICEServers},
	}
	s.shutdownTimeout = time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = config.DefaultShutdownTimeoutSec * time.Second
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Recorder != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Recorder.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/logs", s.handleLogs)
		if s.deps.Recorder != nil {
			r.Get("/usage", s.handleUsage)
		}
		r.Get("/rooms", s.handleRooms)
		r.Get("/rooms/{room}/context", s.handleRoomContext)
		r.Delete("/rooms/{room}", s.handleEndRoom)
		if s.deps.Journal != nil {
			r.Get("/sessions", s.handleSessions)
			r.Get("/sessions/{id}/events", s.handleSessionEvents)
		}
	})

	r.Route("/rooms/{room}", func(r chi.Router) {
		if !s.cfg.DisableWebSocket {
			r.Get("/ws", s.handleWebSocket)
		}
		if !s.cfg.DisableWebRTC {
			r.Post("/offer", s.handleOffer)
		}
	})
	return r
}

// ListenAndServe serves on cfg.Addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return logx.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d (%s, request %s)", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
