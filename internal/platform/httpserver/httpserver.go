// Package httpserver assembles the router and the HTTP server.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"doccontrol/internal/platform/metrics"
	"doccontrol/pkg/platform/httputil"
	"doccontrol/pkg/platform/middleware/admin"
	"doccontrol/pkg/platform/middleware/auth"
	"doccontrol/pkg/platform/middleware/metadata"
	"doccontrol/pkg/platform/middleware/request"
	"doccontrol/pkg/platform/middleware/requesttime"
)

// Routes mounts the authenticated API and the operator endpoints.
type Routes interface {
	Register(r chi.Router)
	RegisterAdmin(r chi.Router)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Validator  auth.TokenValidator
	AdminToken string
	// Security receives rejected admin tokens; optional.
	Security admin.SecurityPublisher
	Metrics  *metrics.Metrics
	Health   map[string]HealthCheck
	Logger   *slog.Logger
}

// NewRouter wires the middleware chain shared by every route: request id,
// request time, client metadata and request metrics. API routes need a
// bearer token, admin routes the admin token.
func NewRouter(routes Routes, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
		r.Handle("/metrics", metrics.Handler())
	}
	r.Get("/health", healthHandler(cfg.Health))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(cfg.Validator, logger))
		routes.Register(r)
	})
	r.Group(func(r chi.Router) {
		var opts []admin.Option
		if cfg.Security != nil {
			opts = append(opts, admin.WithSecurityPublisher(cfg.Security))
		}
		r.Use(admin.RequireAdminToken(cfg.AdminToken, logger, opts...))
		routes.RegisterAdmin(r)
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		httputil.WriteJSON(w, status, body)
	}
}

// New builds an HTTP server with sane defaults for this project.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
