// Package web exposes the upload orchestrator over HTTP.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	mw "github.com/JonMunkholm/geoimport/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// Resources is the catalog the API reads and deletes datasets from.
type Resources interface {
	Get(ctx context.Context, id uint) (*resource.Dataset, error)
	List(ctx context.Context, owner string) ([]resource.Dataset, error)
	Delete(ctx context.Context, id uint) error
}

// Unpublisher removes layers from the catalog server when their dataset is
// deleted. *publisher.DataPublisher implements it.
type Unpublisher interface {
	Unpublish(ctx context.Context, t publisher.Target) error
}

// Options configures a Server.
type Options struct {
	Service   *core.Service
	Resources Resources
	Catalog   Unpublisher

	MaxUploadSize int64
	TempDir       string

	// APIKeys maps keys to the user they authenticate.
	APIKeys        map[string]string
	RequireAPIKey  bool
	TrustedProxies []string
	CORSOrigins    []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the HTTP API of the import service.
type Server struct {
	service   *core.Service
	resources Resources
	catalog   Unpublisher
	opts      Options
	router    *chi.Mux
	server    *http.Server
}

// NewServer creates a new Server instance.
func NewServer(opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 1 << 30
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	s := &Server{
		service:   opts.Service,
		resources: opts.Resources,
		catalog:   opts.Catalog,
		opts:      opts,
		router:    chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}).Handler)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v2", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(s.opts.APIKeys, s.opts.RequireAPIKey))

		// Uploads
		r.Post("/uploads/upload", s.handleUpload)
		r.Get("/uploads/handlers", s.handleListHandlers)

		// Executions
		r.Get("/executionrequest", s.handleListExecutions)
		r.Get("/executionrequest/{id}", s.handleGetExecution)
		r.Post("/executionrequest/{id}/rollback", s.handleRollback)

		// Actions on existing datasets
		r.Put("/datasets/{pk}/{action}", s.handleDatasetAction)
		r.Put("/resources/{pk}/copy", s.handleCopy)
		r.Put("/resources/{pk}/metadata", s.handleResourceUpload(core.ActionMetadataUpload))
		r.Put("/resources/{pk}/style", s.handleResourceUpload(core.ActionStyleUpload))

		// Resources
		r.Get("/resources", s.handleListResources)
		r.Get("/resources/{pk}", s.handleGetResource)
		r.Delete("/resources/{pk}", s.handleDeleteResource)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"handlers": s.service.Registry().Len(),
	})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
