package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/billing"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/pool"
	"github.com/mattjoyce/outpost/internal/track"
	"github.com/mattjoyce/outpost/internal/workspace"
)

// DispatchService defines the dispatch operations the API exposes.
type DispatchService interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Dispatch, error)
	Cancel(ctx context.Context, tenantID, dispatchID string) (dispatch.Dispatch, error)
	List(ctx context.Context, tenantID string, limit int) ([]dispatch.Dispatch, error)
}

// StatusReader defines the status tracker operations the API exposes.
type StatusReader interface {
	GetStatus(ctx context.Context, tenantID, dispatchID string, offset int) (track.StatusView, error)
}

// WorkspaceStore defines the workspace operations the API exposes.
type WorkspaceStore interface {
	List(ctx context.Context, tenantID string) ([]workspace.Workspace, error)
	Delete(ctx context.Context, tenantID, workspaceID string) error
}

// AuditReader defines the audit trail operations the API exposes.
type AuditReader interface {
	ListAudit(ctx context.Context, tenantID string, limit int) ([]billing.AuditEntry, error)
}

// PoolInspector reports pool occupancy for the health endpoint.
type PoolInspector interface {
	Snapshot() []pool.Metrics
}

// Server represents the HTTP API server
type Server struct {
	config      config.APIConfig
	dispatcher  DispatchService
	tracker     StatusReader
	workspaces  WorkspaceStore
	audit       AuditReader
	pool        PoolInspector
	hub         *events.Hub
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
	fingerprint string
}

// New creates a new API server instance
func New(cfg config.APIConfig, dispatcher DispatchService, tracker StatusReader, workspaces WorkspaceStore, audit AuditReader, pool PoolInspector, hub *events.Hub, fingerprint string, logger *slog.Logger) *Server {
	return &Server{
		config:      cfg,
		dispatcher:  dispatcher,
		tracker:     tracker,
		workspaces:  workspaces,
		audit:       audit,
		pool:        pool,
		hub:         hub,
		logger:      logger,
		startedAt:   time.Now(),
		fingerprint: fingerprint,
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived event streams
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches", s.handleSubmitDispatch)
		r.With(s.requireScopes("dispatch:ro")).Get("/dispatches", s.handleListDispatches)
		r.With(s.requireScopes("dispatch:ro")).Get("/dispatches/{dispatchID}", s.handleGetDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches/{dispatchID}/cancel", s.handleCancelDispatch)
		r.With(s.requireScopes("workspace:ro")).Get("/workspaces", s.handleListWorkspaces)
		r.With(s.requireScopes("workspace:rw")).Delete("/workspaces/{workspaceID}", s.handleDeleteWorkspace)
		r.With(s.requireScopes("audit:ro")).Get("/audit", s.handleListAudit)
		r.With(s.requireScopes("events:ro")).Get("/events", s.handleEvents)
	})

	return r
}

// authMiddleware validates the bearer token and attaches the principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.Auth)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects requests whose principal holds none of the scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "missing principal")
				return
			}
			if !auth.HasAnyScope(principal, scopes...) {
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
