package cyclecount

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// Handler manages cycle count endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers cycle count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}/lines/{lineID}", h.updateLine)
	r.Post("/{id}/commit", h.commit)
	r.Post("/{id}/cancel", h.cancel)
}

type createKeyRequest struct {
	ProductID  int64 `json:"product_id" validate:"required,gt=0"`
	VariantID  int64 `json:"variant_id"`
	LocationID int64 `json:"location_id"`
}

type createRequest struct {
	Name       string             `json:"name" validate:"required"`
	LocationID int64              `json:"location_id"`
	Keys       []createKeyRequest `json:"keys" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		Name:       req.Name,
		LocationID: req.LocationID,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	for _, key := range req.Keys {
		input.Keys = append(input.Keys, stock.LevelKey{
			ProductID:  key.ProductID,
			VariantID:  key.VariantID,
			LocationID: key.LocationID,
		})
	}

	session, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, renderSession(session))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	session, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderSession(session))
}

type updateLineRequest struct {
	CountedQuantity int64 `json:"counted_quantity" validate:"gte=0"`
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.parseID(w, r, "lineID")
	if !ok {
		return
	}
	var req updateLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	line, err := h.service.UpdateLine(r.Context(), sessionID, lineID, req.CountedQuantity)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderLine(line))
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.Commit(r.Context(), id, shared.ActorFromContext(r.Context()), r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"committed": result.Committed,
		"skipped":   result.Skipped,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid "+param)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var invalidState *InvalidStateError
	switch {
	case errors.As(err, &invalidState):
		httpx.ProblemWithMeta(w, http.StatusConflict, "Invalid State", err.Error(), map[string]any{
			"status": string(invalidState.Status),
			"action": invalidState.Action,
		})
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("cyclecount request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func renderSession(session Session) map[string]any {
	lines := make([]map[string]any, len(session.Lines))
	for i, line := range session.Lines {
		lines[i] = renderLine(line)
	}
	out := map[string]any{
		"id":          session.ID,
		"name":        session.Name,
		"location_id": session.LocationID,
		"status":      string(session.Status),
		"lines":       lines,
		"created_at":  session.CreatedAt,
	}
	if !session.CompletedAt.IsZero() {
		out["completed_at"] = session.CompletedAt
	}
	return out
}

func renderLine(line Line) map[string]any {
	out := map[string]any{
		"id":              line.ID,
		"product_id":      line.ProductID,
		"variant_id":      line.VariantID,
		"location_id":     line.LocationID,
		"system_quantity": line.SystemQuantity,
	}
	if line.CountedQuantity != nil {
		out["counted_quantity"] = *line.CountedQuantity
		out["variance"] = line.Variance
	}
	return out
}
