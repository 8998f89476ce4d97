// Package api is the thin HTTP surface the installation service calls to
// trigger executions and watch their lifecycle.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plexhub/crucible/internal/events"
	"github.com/plexhub/crucible/internal/protocol"
)

// Runner is the execution entry point the server fronts.
type Runner interface {
	Execute(ctx context.Context, input protocol.WorkerInput, overallTimeout time.Duration) *protocol.WorkerResult
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// AuthToken is the bearer token protecting the API. Empty disables all
	// protected routes rather than leaving them open.
	AuthToken string
	// MaxTimeout caps the per-request timeout a caller may ask for.
	MaxTimeout time.Duration
}

// Server serves the execution API.
type Server struct {
	config Config
	runner Runner
	hub    *events.Hub
	logger *slog.Logger
	server *http.Server
}

// New creates a server. hub may be nil, which disables the event stream.
func New(config Config, runner Runner, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 5 * time.Minute
	}
	return &Server{
		config: config,
		runner: runner,
		hub:    hub,
		logger: logger,
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.MaxTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/executions", s.handleExecute)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
