package batch

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler manages batch endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/write-off", h.writeOff)
}

type createRequest struct {
	ProductID      int64  `json:"product_id" validate:"required,gt=0"`
	VariantID      int64  `json:"variant_id"`
	LocationID     int64  `json:"location_id"`
	LotNumber      string `json:"lot_number"`
	ExpirationDate string `json:"expiration_date"`
	Quantity       int64  `json:"quantity" validate:"required,gt=0"`
	UnitCost       string `json:"unit_cost" validate:"required"`
	Notes          string `json:"notes"`
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
	cost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid unit_cost")
		return
	}
	input := CreateInput{
		ProductID:  req.ProductID,
		VariantID:  req.VariantID,
		LocationID: req.LocationID,
		LotNumber:  req.LotNumber,
		Quantity:   req.Quantity,
		UnitCost:   cost,
		Notes:      req.Notes,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	if req.ExpirationDate != "" {
		if input.ExpirationDate, err = time.Parse(time.RFC3339, req.ExpirationDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiration_date must be RFC3339")
			return
		}
	}

	created, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, renderBatch(created, DeriveStatus(created, time.Now().UTC(), h.service.Horizon())))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "product_id query parameter required")
		return
	}
	variantID, _ := strconv.ParseInt(r.URL.Query().Get("variant_id"), 10, 64)

	batches, statuses, err := h.service.List(r.Context(), productID, variantID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, len(batches))
	for i, b := range batches {
		out[i] = renderBatch(b, statuses[i])
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	b, status, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderBatch(b, status))
}

func (h *Handler) writeOff(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	movement, err := h.service.WriteOff(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movement_id": movement.ID,
		"quantity":    movement.Quantity,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid batch id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var writeOff *WriteOffError
	switch {
	case errors.As(err, &writeOff):
		httpx.ProblemWithMeta(w, http.StatusConflict, "Invalid State", err.Error(), map[string]any{
			"status": string(writeOff.Status),
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("batch request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func renderBatch(b Batch, status Status) map[string]any {
	out := map[string]any{
		"id":                 b.ID,
		"product_id":         b.ProductID,
		"variant_id":         b.VariantID,
		"location_id":        b.LocationID,
		"lot_number":         b.LotNumber,
		"original_quantity":  b.OriginalQuantity,
		"remaining_quantity": b.RemainingQuantity,
		"unit_cost":          b.UnitCost.StringFixed(2),
		"status":             string(status),
		"received_at":        b.ReceivedAt,
	}
	if !b.ExpirationDate.IsZero() {
		out["expiration_date"] = b.ExpirationDate
	}
	if b.Notes != "" {
		out["notes"] = b.Notes
	}
	return out
}
