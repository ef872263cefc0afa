package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/leangate/internal/auth"
	"github.com/mattjoyce/leangate/internal/dispatch"
	"github.com/mattjoyce/leangate/internal/events"
	"github.com/mattjoyce/leangate/internal/pool"
	"github.com/mattjoyce/leangate/internal/results"
)

// Dispatcher runs request batches.
type Dispatcher interface {
	Handle(ctx context.Context, reqs []dispatch.Request) []dispatch.Response
}

// PoolStatus reports pool occupancy.
type PoolStatus interface {
	Snapshot() pool.Snapshot
}

// EventSource feeds the event stream.
type EventSource interface {
	Subscribe(prefixes ...string) (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// ResultStore looks up persisted results. Optional.
type ResultStore interface {
	ByCustomID(ctx context.Context, customID string) ([]results.Entry, error)
	Get(ctx context.Context, id string) (*results.Entry, error)
	Recent(ctx context.Context, limit int) ([]results.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxBatch caps the number of items in one request body.
	MaxBatch     int
	MaxBodyBytes int64
	// WriteTimeout bounds a whole response, so it must cover the slowest batch.
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	pool       PoolStatus
	events     EventSource
	results    ResultStore
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. store may be nil.
func New(config Config, d Dispatcher, p PoolStatus, ev EventSource, store ResultStore, logger *slog.Logger) *Server {
	if config.MaxBatch <= 0 {
		config.MaxBatch = 1000
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 32 << 20
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Minute
	}
	if config.APIKey == "" && len(config.Tokens) == 0 {
		logger.Warn("API has no credentials configured; every request gets full access")
	}
	return &Server{
		config:     config,
		dispatcher: d,
		pool:       p,
		events:     ev,
		results:    store,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCheck)).Post("/check", s.handleCheck)
		r.With(s.requireScopes(auth.ScopeCheck)).Post("/ast", s.handleAST)
		r.With(s.requireScopes(auth.ScopeCheck)).Post("/ast_code", s.handleASTCode)
		r.With(s.requireScopes(auth.ScopePoolRead)).Get("/pool", s.handlePool)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
		if s.results != nil {
			r.With(s.requireScopes(auth.ScopeResultsRead)).Get("/results", s.handleRecentResults)
			r.With(s.requireScopes(auth.ScopeResultsRead)).Get("/results/{customID}", s.handleResults)
			r.With(s.requireScopes(auth.ScopeResultsRead)).Get("/result/{id}", s.handleResult)
		}
	})

	return r
}

// authMiddleware resolves the bearer token to a principal. With no
// credentials configured every caller is treated as "*".
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	open := s.config.APIKey == "" && len(s.config.Tokens) == 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if open {
			p := auth.Principal{Scopes: map[string]struct{}{auth.ScopeAll: {}}}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		p, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests
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
