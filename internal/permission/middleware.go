package permission

import (
	"log/slog"
	"net/http"

	"github.com/meridianhr/meridian/internal/shared"
)

// Middleware wires authorization helpers for HTTP handlers. The gate is
// backed by the same Check used everywhere else.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require ensures the current actor holds the given permission.
func (m Middleware) Require(permissionCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			allowed, err := m.Service.Check(r.Context(), actor.UserID, permissionCode)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission gate check", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny ensures the current actor holds at least one of the given
// permissions.
func (m Middleware) RequireAny(permissionCodes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(permissionCodes) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			perms, err := m.Service.EffectivePermissions(r.Context(), actor.UserID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission gate require any", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			held := make(map[string]struct{}, len(perms))
			for _, perm := range perms {
				held[perm.PermissionCode] = struct{}{}
			}
			for _, code := range permissionCodes {
				if _, ok := held[code]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}
