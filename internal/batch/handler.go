package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/platform/httpx"
	"github.com/meridianhr/meridian/internal/shared"
)

// Enqueuer hands a batch off to the background worker. Optional; without it
// the handler only runs batches synchronously.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, kind Kind, payload []byte, actor shared.Actor) (uuid.UUID, error)
}

// Handler exposes batch operations over HTTP.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	enqueuer Enqueuer
	progress *ProgressStore
}

// NewHandler constructs a Handler. Enqueuer and progress may be nil.
func NewHandler(logger *slog.Logger, engine *Engine, enqueuer Enqueuer, progress *ProgressStore) *Handler {
	return &Handler{logger: logger, engine: engine, enqueuer: enqueuer, progress: progress}
}

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/batch/{kind}/preview", h.preview)
	r.Post("/batch/{kind}", h.execute)
	r.Get("/batch/operations/{operationID}", h.operationProgress)
	r.Post("/batch/operations/{operationID}/cancel", h.cancelOperation)
}

func (h *Handler) decode(r *http.Request) (Operation, error) {
	kind := Kind(chi.URLParam(r, "kind"))
	var payload json.RawMessage
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed body", httpx.ErrValidation)
	}
	op, err := DecodeOperation(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return op, nil
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	op, err := h.decode(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pv, err := h.engine.Preview(r.Context(), op)
	if err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, pv)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	op, err := h.decode(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())

	if r.URL.Query().Get("async") == "true" {
		if h.enqueuer == nil {
			httpx.RespondError(w, fmt.Errorf("%w: async execution is not enabled", httpx.ErrValidation))
			return
		}
		payload, err := json.Marshal(op)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		operationID, err := h.enqueuer.EnqueueBatch(r.Context(), op.Kind(), payload, actor)
		if err != nil {
			h.logger.Error("enqueue batch", slog.String("kind", string(op.Kind())), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"operation_id": operationID})
		return
	}

	res, err := h.engine.Execute(r.Context(), op, actor, ExecuteOptions{})
	if err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) operationProgress(w http.ResponseWriter, r *http.Request) {
	operationID, err := uuid.Parse(chi.URLParam(r, "operationID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid operation id", httpx.ErrValidation))
		return
	}
	pr, ok := h.progress.Load(r.Context(), operationID)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: unknown operation", httpx.ErrNotFound))
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) cancelOperation(w http.ResponseWriter, r *http.Request) {
	operationID, err := uuid.Parse(chi.URLParam(r, "operationID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid operation id", httpx.ErrValidation))
		return
	}
	if _, ok := h.progress.Load(r.Context(), operationID); !ok {
		httpx.RespondError(w, fmt.Errorf("%w: unknown operation", httpx.ErrNotFound))
		return
	}
	if err := h.progress.RequestCancel(r.Context(), operationID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	// The engine stops between items, so completion of the in-flight item
	// still lands before the batch reports cancelled.
	httpx.JSON(w, http.StatusAccepted, map[string]any{"operation_id": operationID, "cancelling": true})
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, permission.ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	default:
		return err
	}
}
