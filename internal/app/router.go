package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/batch"
	"github.com/meridianhr/meridian/internal/conflict"
	"github.com/meridianhr/meridian/internal/observability"
	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/jobs"
)

// Permission codes gating the administrative surface.
const (
	PermPermissionsRead   = "permissions.read"
	PermPermissionsManage = "permissions.manage"
	PermAuditRead         = "audit.read"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	PermissionHandler *permission.Handler
	ConflictHandler   *conflict.Handler
	BatchHandler      *batch.Handler
	AuditHandler      *audit.Handler
	JobHandler        *jobs.Handler
	Authz             permission.Middleware
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireActor)

		if params.PermissionHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(params.Authz.RequireAny(PermPermissionsRead, PermPermissionsManage))
				params.PermissionHandler.MountReadRoutes(r)
			})
			r.Group(func(r chi.Router) {
				r.Use(params.Authz.Require(PermPermissionsManage))
				params.PermissionHandler.MountWriteRoutes(r)
			})
		}
		if params.ConflictHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(params.Authz.Require(PermPermissionsManage))
				params.ConflictHandler.MountRoutes(r)
			})
		}
		if params.BatchHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(params.Authz.Require(PermPermissionsManage))
				params.BatchHandler.MountRoutes(r)
			})
		}
		if params.AuditHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(params.Authz.Require(PermAuditRead))
				params.AuditHandler.MountRoutes(r)
			})
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
