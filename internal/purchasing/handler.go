package purchasing

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

// Handler manages purchase order endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchasing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/order", h.markOrdered)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/receive", h.receive)
	r.Post("/{id}/payments", h.recordPayment)
}

type createItemRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	VariantID int64  `json:"variant_id"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	UnitCost  string `json:"unit_cost" validate:"required"`
}

type createRequest struct {
	PONumber       string              `json:"po_number"`
	SupplierID     int64               `json:"supplier_id" validate:"required,gt=0"`
	Shipping       string              `json:"shipping_cost"`
	Tax            string              `json:"tax_amount"`
	PaymentDueDate string              `json:"payment_due_date"`
	Items          []createItemRequest `json:"items" validate:"required,min=1,dive"`
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
		PONumber:   req.PONumber,
		SupplierID: req.SupplierID,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	var err error
	if input.Shipping, err = parseAmount(req.Shipping); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid shipping_cost")
		return
	}
	if input.Tax, err = parseAmount(req.Tax); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tax_amount")
		return
	}
	if req.PaymentDueDate != "" {
		if input.PaymentDueDate, err = time.Parse(time.RFC3339, req.PaymentDueDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "payment_due_date must be RFC3339")
			return
		}
	}
	for _, item := range req.Items {
		cost, err := decimal.NewFromString(item.UnitCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid unit_cost")
			return
		}
		input.Items = append(input.Items, CreateItemInput{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitCost:  cost,
		})
	}

	po, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, renderPO(po, po.PaymentStatusAt(time.Now().UTC())))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	po, paymentStatus, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderPO(po, paymentStatus))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Submit)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

func (h *Handler) markOrdered(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkOrdered)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type receiveLineRequest struct {
	ItemID   int64 `json:"item_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"gte=0"`
}

type receiveRequest struct {
	LocationID int64                `json:"location_id" validate:"required,gt=0"`
	Lines      []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiveInput{
		POID:       id,
		LocationID: req.LocationID,
		ActorID:    shared.ActorFromContext(r.Context()),
		IdemKey:    r.Header.Get("Idempotency-Key"),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReceiveLine{ItemID: line.ItemID, Quantity: line.Quantity})
	}

	result, err := h.service.Receive(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":    string(result.Status),
		"movements": len(result.Movements),
	})
}

type paymentRequest struct {
	Amount string `json:"amount" validate:"required"`
	PaidAt string `json:"paid_at"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid amount")
		return
	}
	var paidAt time.Time
	if req.PaidAt != "" {
		if paidAt, err = time.Parse(time.RFC3339, req.PaidAt); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid_at must be RFC3339")
			return
		}
	}

	status, err := h.service.RecordPayment(r.Context(), id, amount, paidAt, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payment_status": string(status)})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, poID, actorID int64) error) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	po, paymentStatus, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, renderPO(po, paymentStatus))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid order id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var overReceipt *OverReceiptError
	var invalidState *InvalidStateError
	switch {
	case errors.As(err, &overReceipt):
		httpx.ProblemWithMeta(w, http.StatusUnprocessableEntity, "Over-Receipt", err.Error(), map[string]any{
			"item_id":   overReceipt.ItemID,
			"requested": overReceipt.Requested,
			"remaining": overReceipt.Remaining,
		})
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
		h.logger.Error("purchasing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseAmount(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func renderPO(po PurchaseOrder, paymentStatus PaymentStatus) map[string]any {
	items := make([]map[string]any, 0, len(po.Items))
	for _, item := range po.Items {
		items = append(items, map[string]any{
			"id":                item.ID,
			"product_id":        item.ProductID,
			"variant_id":        item.VariantID,
			"quantity":          item.Quantity,
			"received_quantity": item.ReceivedQuantity,
			"unit_cost":         item.UnitCost.StringFixed(2),
			"total_cost":        item.TotalCost.StringFixed(2),
		})
	}
	out := map[string]any{
		"id":             po.ID,
		"po_number":      po.PONumber,
		"supplier_id":    po.SupplierID,
		"status":         string(po.Status),
		"subtotal":       po.Subtotal.StringFixed(2),
		"shipping_cost":  po.Shipping.StringFixed(2),
		"tax_amount":     po.Tax.StringFixed(2),
		"total_amount":   po.TotalAmount.StringFixed(2),
		"amount_paid":    po.AmountPaid.StringFixed(2),
		"payment_status": string(paymentStatus),
		"items":          items,
		"created_at":     po.CreatedAt,
	}
	if !po.PaymentDueDate.IsZero() {
		out["payment_due_date"] = po.PaymentDueDate
	}
	if !po.ReceivedDate.IsZero() {
		out["received_date"] = po.ReceivedDate
	}
	return out
}
