package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridianhr/meridian/internal/platform/httpx"
	"github.com/meridianhr/meridian/internal/shared"
)

// Handler exposes conflict detection and resolution over HTTP.
type Handler struct {
	logger       *slog.Logger
	service      *Service
	orchestrator *Orchestrator
	validator    *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, orchestrator *Orchestrator) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		orchestrator: orchestrator,
		validator:    validator.New(),
	}
}

// MountRoutes registers conflict routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/users/{userID}/conflicts", h.detect)
	r.Get("/conflicts/{conflictID}/suggestions", h.suggestions)
	r.Post("/conflicts/{conflictID}/resolve", h.resolve)
	r.Post("/conflicts/auto-resolve", h.autoResolve)
	r.Post("/conflicts/batch-resolve", h.batchResolve)
}

func (h *Handler) detect(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	conflicts, err := h.service.DetectConflicts(r.Context(), userID)
	if err != nil {
		h.logger.Error("detect conflicts", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "conflicts": conflicts})
}

func (h *Handler) suggestions(w http.ResponseWriter, r *http.Request) {
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid conflict id", httpx.ErrValidation))
		return
	}
	suggestions, err := h.service.Suggestions(r.Context(), conflictID)
	if err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"conflict_id": conflictID, "suggestions": suggestions})
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=remove_lower_priority merge_overrides escalate_to_admin create_exception"`
	Reason     string `json:"reason" validate:"required"`
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid conflict id", httpx.ErrValidation))
		return
	}
	var req resolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	if err := h.orchestrator.Apply(r.Context(), conflictID, ResolutionKind(req.Resolution), req.Reason, actor); err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.NoContent(w)
}

type autoResolveRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

func (h *Handler) autoResolve(w http.ResponseWriter, r *http.Request) {
	var req autoResolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	conflicts, err := h.service.DetectConflicts(r.Context(), req.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	result := h.orchestrator.AutoResolve(r.Context(), conflicts, actor)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"resolved_count": result.ResolvedCount(),
		"resolved_ids":   result.ResolvedIDs,
		"errors":         result.Errors,
	})
}

type batchResolveRequest struct {
	ConflictIDs []uuid.UUID `json:"conflict_ids" validate:"required,min=1"`
	Reason      string      `json:"reason" validate:"required"`
}

func (h *Handler) batchResolve(w http.ResponseWriter, r *http.Request) {
	var req batchResolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	result := h.orchestrator.BatchResolve(r.Context(), req.ConflictIDs, req.Reason, actor)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"resolved_count": result.ResolvedCount(),
		"resolved_ids":   result.ResolvedIDs,
		"errors":         result.Errors,
	})
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrResolutionUnavailable):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrManualActionRequired):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	default:
		return err
	}
}
