// Package api exposes the OCA service over HTTP REST.
//
// Endpoints:
//
//	GET  /                          → service info
//	GET  /health                    → liveness probe
//	GET  /ready                     → readiness probe
//	POST /api/chat                  → streaming tutoring chat (text/plain)
//	POST /api/search                → non-streaming information search
//	POST /api/sessions              → create session
//	GET  /api/sessions/{id}         → session + message count
//	PATCH /api/sessions/{id}        → partial session update
//	GET  /api/sessions/student/{id} → a student's sessions, newest first
//	GET  /api/interactions          → archived interactions (filter + paging)
//	GET  /api/interactions/{id}     → single interaction
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: liveness/readiness probes
//   - chat.go: chat and search endpoints
//   - session.go: session and interaction endpoints
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oca-labs/oca/internal/chat"
	"github.com/oca-labs/oca/internal/log"
	"github.com/oca-labs/oca/internal/session"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is generous because /api/chat streams model output.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout is the maximum time to wait for the next request on
	// keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the OCA REST API.
type Server struct {
	mux     *http.ServeMux
	version string
	logger  log.Logger

	health  *HealthHandler
	chat    *ChatHandler
	session *SessionHandler
}

// NewServer creates a new HTTP server with all routes registered.
// store and pool may be nil when no datastore is configured; the affected
// endpoints then answer 503.
func NewServer(svc *chat.Service, store *session.Store, pool *pgxpool.Pool, version string, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	// A nil *session.Store must stay a nil interface for the 503 check.
	var sessions SessionStore
	if store != nil {
		sessions = store
	}

	s := &Server{
		mux:     mux,
		version: version,
		logger:  logger,
		health:  NewHealthHandler(pool, logger),
		chat:    NewChatHandler(svc, logger),
		session: NewSessionHandler(sessions, logger),
	}

	mux.HandleFunc("GET /{$}", s.root)
	s.health.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.session.RegisterRoutes(mux)

	return s
}

// root describes the service.
func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "OCA retrieval-augmented tutoring service",
		"version": s.version,
		"endpoints": []string{
			"POST /api/chat",
			"POST /api/search",
			"POST /api/sessions",
			"GET /api/sessions/{id}",
			"PATCH /api/sessions/{id}",
			"GET /api/sessions/student/{id}",
			"GET /api/interactions",
			"GET /api/interactions/{id}",
			"GET /health",
			"GET /ready",
		},
	})
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
