// Package api exposes the operator surface of a running aiready instance:
// endpoint status and diagnostics, registration control, pending file
// conflicts, backups and configuration suggestions.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/kismet-tech/aiready/pkg/filesafety"
	"github.com/kismet-tech/aiready/pkg/orchestrator"
)

// Engine is the endpoint lifecycle, typically *orchestrator.Orchestrator.
type Engine interface {
	Register(ctx context.Context, desc *engine.EndpointDescriptor) (*orchestrator.RegistrationResult, error)
	Deactivate(ctx context.Context, path string) (*orchestrator.DeactivationResult, error)
	Refresh(ctx context.Context) ([]*orchestrator.RegistrationResult, error)
	Status(ctx context.Context, path string) (*orchestrator.EndpointStatus, error)
	List(ctx context.Context) ([]*orchestrator.EndpointStatus, error)
	Diagnostics(ctx context.Context, path string) (*orchestrator.Diagnostics, error)
	Report(ctx context.Context) *engine.CapabilityReport
	Descriptor(path string) (*engine.EndpointDescriptor, bool)
}

// Files manages conflicts and backups, typically *filesafety.Manager.
type Files interface {
	ListConflicts(ctx context.Context, status engine.ConflictStatus) ([]*engine.FileConflict, error)
	ResolveConflict(ctx context.Context, id string, accept bool) *filesafety.Result
	ListBackups(ctx context.Context, path string) ([]*engine.Backup, error)
	Restore(ctx context.Context, backupID string) *filesafety.Result
}

// DescriptorSource returns the endpoints the operator configured.
type DescriptorSource func() ([]*engine.EndpointDescriptor, error)

// Server is the admin HTTP API.
type Server struct {
	engine      Engine
	files       Files
	suggestions engine.SuggestionStore
	descriptors DescriptorSource
	metrics     http.Handler
	metricsPath string
	token       string
	timeout     time.Duration
	logger      zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithDescriptorSource sets where POST /register looks up descriptors.
// Without one only already-known endpoints can be re-registered.
func WithDescriptorSource(src DescriptorSource) Option {
	return func(s *Server) { s.descriptors = src }
}

// WithMetrics mounts a metrics handler at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

// WithToken requires "Authorization: Bearer <token>" on every API route.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithTimeout bounds each API request.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "admin-api").Logger() }
}

// NewServer creates the admin API.
func NewServer(e Engine, files Files, suggestions engine.SuggestionStore, opts ...Option) *Server {
	s := &Server{
		engine:      e,
		files:       files,
		suggestions: suggestions,
		timeout:     2 * time.Minute,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(middleware.Timeout(s.timeout))

		r.Get("/report", s.handleReport)
		r.Post("/refresh", s.handleRefresh)

		r.Get("/endpoints", s.handleListEndpoints)
		r.Get("/endpoints/*", s.handleEndpointStatus)
		r.Get("/diagnostics/*", s.handleDiagnostics)
		r.Post("/register", s.handleRegisterAll)
		r.Post("/register/*", s.handleRegister)
		r.Post("/deactivate/*", s.handleDeactivate)

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", s.handleListConflicts)
			r.Post("/{conflictID}/resolve", s.handleResolveConflict)
		})
		r.Route("/backups", func(r chi.Router) {
			r.Get("/", s.handleListBackups)
			r.Post("/{backupID}/restore", s.handleRestoreBackup)
		})
		r.Get("/suggestions", s.handleListSuggestions)
	})
	return r
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="aiready"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Admin request")
	})
}

// endpointParam returns the endpoint path captured by a trailing wildcard.
func endpointParam(r *http.Request) string {
	return engine.NormalizePath(chi.URLParam(r, "*"))
}
