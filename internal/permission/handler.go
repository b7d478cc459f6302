package permission

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/platform/httpx"
	"github.com/meridianhr/meridian/internal/shared"
)

// Handler exposes the authorization checkpoint and override assignment over
// HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	repo      *Repository
	recorder  audit.Recorder
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, repo *Repository, recorder audit.Recorder) *Handler {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handler{
		logger:    logger,
		service:   service,
		repo:      repo,
		recorder:  recorder,
		validator: validator.New(),
	}
}

// MountRoutes registers all permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	h.MountReadRoutes(r)
	h.MountWriteRoutes(r)
}

// MountReadRoutes registers the read-only resolution routes.
func (h *Handler) MountReadRoutes(r chi.Router) {
	r.Get("/check", h.check)
	r.Get("/users/{userID}/permissions", h.effectivePermissions)
	r.Get("/users/{userID}/roles", h.resolvedRoles)
}

// MountWriteRoutes registers the override mutation routes.
func (h *Handler) MountWriteRoutes(r chi.Router) {
	r.Post("/users/{userID}/overrides", h.createOverride)
	r.Delete("/users/{userID}/overrides/{overrideID}", h.removeOverride)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: user_id must be an integer", httpx.ErrValidation))
		return
	}
	code := r.URL.Query().Get("permission")
	if code == "" {
		httpx.RespondError(w, fmt.Errorf("%w: permission is required", httpx.ErrValidation))
		return
	}
	allowed, err := h.service.Check(r.Context(), userID, code)
	if err != nil {
		h.logger.Error("permission check", slog.Any("error", err))
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permission": code, "allowed": allowed})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.logger.Error("effective permissions", slog.Any("error", err))
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": perms})
}

func (h *Handler) resolvedRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	roles, err := h.service.ResolveRoles(r.Context(), userID)
	if err != nil {
		h.logger.Error("resolve roles", slog.Any("error", err))
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "roles": roles})
}

type createOverrideRequest struct {
	PermissionID int64      `json:"permission_id" validate:"required"`
	Kind         string     `json:"kind" validate:"required,oneof=grant deny"`
	Reason       string     `json:"reason" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	var req createOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())

	perm, err := h.repo.PermissionByID(r.Context(), req.PermissionID)
	if err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	ov := UserOverride{
		UserID:     userID,
		Permission: perm,
		Kind:       OverrideKind(req.Kind),
		GrantedBy:  actor.UserID,
		ExpiresAt:  req.ExpiresAt,
		Reason:     req.Reason,
	}
	if err := h.repo.CreateOverride(r.Context(), ov); err != nil {
		h.recorder.Record(r.Context(), audit.Record{
			Actor:          actor.Name,
			PermissionCode: perm.Code,
			Resource:       perm.ResourceCode,
			Result:         audit.ResultFailure,
			ErrorMessage:   err.Error(),
		})
		httpx.RespondError(w, h.mapError(err))
		return
	}
	h.service.Invalidate(r.Context(), userID)
	h.recorder.Record(r.Context(), audit.Record{
		Actor:          actor.Name,
		PermissionCode: perm.Code,
		Resource:       perm.ResourceCode,
		Result:         audit.ResultSuccess,
	})
	httpx.JSON(w, http.StatusCreated, map[string]any{"user_id": userID, "permission": perm.Code, "kind": req.Kind})
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	overrideID, err := strconv.ParseInt(chi.URLParam(r, "overrideID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid override id", httpx.ErrValidation))
		return
	}
	if err := h.repo.DeactivateOverride(r.Context(), overrideID); err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	h.service.Invalidate(r.Context(), userID)
	httpx.NoContent(w)
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrOverrideExists):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrTransient):
		return fmt.Errorf("%w: %v", httpx.ErrTransient, err)
	default:
		return err
	}
}
