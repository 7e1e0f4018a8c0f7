package stock

import (
	"context"
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

// Handler manages stock endpoints.
type Handler struct {
	logger   *slog.Logger
	ledger   *Ledger
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	return &Handler{logger: logger, ledger: ledger, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/levels", h.getLevel)
	r.Get("/movements", h.listMovements)
	r.Post("/adjustments", h.adjust)
	r.Post("/transfers", h.transfer)
	r.Post("/reservations", h.reserve)
	r.Delete("/reservations", h.release)
}

func (h *Handler) getLevel(w http.ResponseWriter, r *http.Request) {
	key, ok := h.parseKey(w, r)
	if !ok {
		return
	}
	level, err := h.ledger.GetLevel(r.Context(), key)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderLevel(level))
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	key, ok := h.parseKey(w, r)
	if !ok {
		return
	}
	filter := MovementFilter{Key: key}
	query := r.URL.Query()
	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "to must be RFC3339")
			return
		}
		filter.To = t
	}
	filter.Page, _ = strconv.Atoi(query.Get("page"))
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))

	movements, page, err := h.ledger.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, len(movements))
	for i, movement := range movements {
		out[i] = renderMovement(movement)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movements": out,
		"pagination": map[string]any{
			"page":        page.Page,
			"per_page":    page.PerPage,
			"total":       page.Total,
			"total_pages": page.TotalPages,
		},
	})
}

type adjustRequest struct {
	ProductID  int64  `json:"product_id" validate:"required,gt=0"`
	VariantID  int64  `json:"variant_id"`
	LocationID int64  `json:"location_id"`
	Type       string `json:"type" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"required"`
	UnitCost   string `json:"unit_cost"`
	Reason     string `json:"reason"`
	RefType    string `json:"reference_type"`
	RefID      string `json:"reference_id"`
	BatchID    int64  `json:"batch_id"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := MovementInput{
		Key:       LevelKey{ProductID: req.ProductID, VariantID: req.VariantID, LocationID: req.LocationID},
		Type:      MovementType(req.Type),
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Reference: Reference{Type: req.RefType, ID: req.RefID},
		BatchID:   req.BatchID,
		ActorID:   shared.ActorFromContext(r.Context()),
	}
	if req.UnitCost != "" {
		cost, err := decimal.NewFromString(req.UnitCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid unit_cost")
			return
		}
		input.UnitCost = &cost
	}

	movement, err := h.ledger.ApplyMovement(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, renderMovement(movement))
}

type transferRequest struct {
	ProductID     int64  `json:"product_id" validate:"required,gt=0"`
	VariantID     int64  `json:"variant_id"`
	SrcLocationID int64  `json:"src_location_id" validate:"required,gt=0"`
	DstLocationID int64  `json:"dst_location_id" validate:"required,gt=0"`
	Quantity      int64  `json:"quantity" validate:"required,gt=0"`
	Reason        string `json:"reason"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	out, in, err := h.ledger.Transfer(r.Context(), TransferInput{
		ProductID:     req.ProductID,
		VariantID:     req.VariantID,
		SrcLocationID: req.SrcLocationID,
		DstLocationID: req.DstLocationID,
		Quantity:      req.Quantity,
		Reason:        req.Reason,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"outbound": renderMovement(out),
		"inbound":  renderMovement(in),
	})
}

type reservationRequest struct {
	ProductID  int64 `json:"product_id" validate:"required,gt=0"`
	VariantID  int64 `json:"variant_id"`
	LocationID int64 `json:"location_id"`
	Quantity   int64 `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	h.adjustReservation(w, r, h.ledger.Reserve)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.adjustReservation(w, r, h.ledger.Release)
}

func (h *Handler) adjustReservation(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, key LevelKey, quantity int64) (Level, error)) {
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	key := LevelKey{ProductID: req.ProductID, VariantID: req.VariantID, LocationID: req.LocationID}
	level, err := fn(r.Context(), key, req.Quantity)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderLevel(level))
}

func (h *Handler) parseKey(w http.ResponseWriter, r *http.Request) (LevelKey, bool) {
	query := r.URL.Query()
	productID, err := strconv.ParseInt(query.Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "product_id query parameter required")
		return LevelKey{}, false
	}
	variantID, _ := strconv.ParseInt(query.Get("variant_id"), 10, 64)
	locationID, _ := strconv.ParseInt(query.Get("location_id"), 10, 64)
	return LevelKey{ProductID: productID, VariantID: variantID, LocationID: locationID}, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.ProblemWithMeta(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error(), map[string]any{
			"product_id":  insufficient.ProductID,
			"location_id": insufficient.LocationID,
			"requested":   insufficient.Requested,
			"available":   insufficient.Available,
		})
	case errors.Is(err, ErrLevelNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrZeroQuantity), errors.Is(err, ErrInvalidMovementType), errors.Is(err, ErrReservationExceeded):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("stock request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func renderLevel(level Level) map[string]any {
	return map[string]any{
		"product_id":         level.Key.ProductID,
		"variant_id":         level.Key.VariantID,
		"location_id":        level.Key.LocationID,
		"quantity":           level.Quantity,
		"reserved_quantity":  level.ReservedQuantity,
		"available_quantity": level.AvailableQuantity,
		"last_movement_at":   level.LastMovementAt,
	}
}

func renderMovement(movement Movement) map[string]any {
	out := map[string]any{
		"id":                movement.ID,
		"product_id":        movement.Key.ProductID,
		"variant_id":        movement.Key.VariantID,
		"location_id":       movement.Key.LocationID,
		"type":              string(movement.Type),
		"quantity":          movement.Quantity,
		"previous_quantity": movement.PreviousQuantity,
		"new_quantity":      movement.NewQuantity,
		"reason":            movement.Reason,
		"created_at":        movement.CreatedAt,
	}
	if movement.UnitCost != nil {
		out["unit_cost"] = movement.UnitCost.String()
	}
	if movement.TotalCost != nil {
		out["total_cost"] = movement.TotalCost.String()
	}
	if movement.Reference.Type != "" {
		out["reference_type"] = movement.Reference.Type
		out["reference_id"] = movement.Reference.ID
	}
	if movement.BatchID != 0 {
		out["batch_id"] = movement.BatchID
	}
	return out
}
