package purchasing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]PurchaseOrder, error)
}

// TxRepository exposes transactional operations on orders. Stock returns a
// ledger transaction bound to the same database transaction, so receiving a
// multi-line order is one atomic unit.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id int64, status Status, receivedDate time.Time) error
	AddItemReceived(ctx context.Context, itemID, quantity int64) error
	InsertPayment(ctx context.Context, payment Payment) (int64, error)
	AddAmountPaid(ctx context.Context, poID int64, amount decimal.Decimal) error
	DeletePO(ctx context.Context, id int64) error
	Stock() stock.TxRepository
}

// LedgerPort is the narrow slice of the stock ledger the coordinator drives.
type LedgerPort interface {
	CostMethod(ctx context.Context) (costing.Method, error)
	ApplyMovementTx(ctx context.Context, tx stock.TxRepository, method costing.Method, input stock.MovementInput) (stock.Movement, error)
}

// AuditPort records status transitions.
type AuditPort interface {
	Record(ctx context.Context, record shared.AuditRecord) error
}

// Service orchestrates purchase order flows.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs the purchasing service.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, ledger: ledger, audit: audit, idempotency: idem}
}

// CreateInput describes a new order.
type CreateInput struct {
	PONumber       string
	SupplierID     int64
	Shipping       decimal.Decimal
	Tax            decimal.Decimal
	PaymentDueDate time.Time
	Items          []CreateItemInput
	ActorID        int64
}

// CreateItemInput is one requested line.
type CreateItemInput struct {
	ProductID int64
	VariantID int64
	Quantity  int64
	UnitCost  decimal.Decimal
}

// ReceiveLine is one line of a receive call.
type ReceiveLine struct {
	ItemID   int64
	Quantity int64
}

// ReceiveInput describes a (possibly partial) goods receipt.
type ReceiveInput struct {
	POID       int64
	Lines      []ReceiveLine
	LocationID int64
	ActorID    int64
	IdemKey    string
}

// ReceiveResult reports the movements created and the resulting status.
type ReceiveResult struct {
	Movements []stock.Movement
	Status    Status
}

// Create persists a draft order with its lines.
func (s *Service) Create(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if input.SupplierID == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	if input.PONumber == "" {
		input.PONumber = fmt.Sprintf("PO-%d", time.Now().UnixNano())
	}
	subtotal := decimal.Zero
	items := make([]Item, 0, len(input.Items))
	for _, line := range input.Items {
		if line.ProductID == 0 || line.Quantity <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: item requires product and positive quantity", ErrValidation)
		}
		if line.UnitCost.IsNegative() {
			return PurchaseOrder{}, fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
		}
		total := line.UnitCost.Mul(decimal.NewFromInt(line.Quantity))
		subtotal = subtotal.Add(total)
		items = append(items, Item{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitCost:  line.UnitCost,
			TotalCost: total,
		})
	}
	po := PurchaseOrder{
		PONumber:       input.PONumber,
		SupplierID:     input.SupplierID,
		Status:         StatusDraft,
		Subtotal:       subtotal,
		Shipping:       input.Shipping,
		Tax:            input.Tax,
		TotalAmount:    subtotal.Add(input.Shipping).Add(input.Tax),
		AmountPaid:     decimal.Zero,
		PaymentDueDate: input.PaymentDueDate,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for i := range items {
			items[i].POID = id
			items[i].ID, err = tx.InsertItem(ctx, items[i])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items = items
	return po, nil
}

// Submit moves a draft order to pending.
func (s *Service) Submit(ctx context.Context, poID, actorID int64) error {
	return s.advance(ctx, poID, actorID, StatusDraft, StatusPending, "submit")
}

// Approve moves a pending order to approved.
func (s *Service) Approve(ctx context.Context, poID, actorID int64) error {
	return s.advance(ctx, poID, actorID, StatusPending, StatusApproved, "approve")
}

// MarkOrdered moves an approved order to ordered.
func (s *Service) MarkOrdered(ctx context.Context, poID, actorID int64) error {
	return s.advance(ctx, poID, actorID, StatusApproved, StatusOrdered, "mark ordered")
}

func (s *Service) advance(ctx context.Context, poID, actorID int64, from, to Status, action string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != from {
			return &InvalidStateError{POID: poID, Status: po.Status, Action: action}
		}
		if manualTransitions[po.Status] != to {
			return &InvalidStateError{POID: poID, Status: po.Status, Action: action}
		}
		return tx.UpdateStatus(ctx, poID, to, time.Time{})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, poID, actorID, "po."+string(to), map[string]any{"from": string(from), "to": string(to)})
	return nil
}

// Cancel stops a non-terminal order. Partially received orders with payments
// are locked in and cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, poID, actorID int64) error {
	var previous Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status.Terminal() {
			return &InvalidStateError{POID: poID, Status: po.Status, Action: "cancel"}
		}
		if po.Status == StatusPartial && po.AmountPaid.IsPositive() {
			return &InvalidStateError{POID: poID, Status: po.Status, Action: "cancel"}
		}
		previous = po.Status
		return tx.UpdateStatus(ctx, poID, StatusCancelled, time.Time{})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, poID, actorID, "po.cancel", map[string]any{"from": string(previous)})
	return nil
}

// Delete removes an order that never progressed past pending.
func (s *Service) Delete(ctx context.Context, poID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != StatusDraft && po.Status != StatusPending {
			return &InvalidStateError{POID: poID, Status: po.Status, Action: "delete"}
		}
		return tx.DeletePO(ctx, poID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, poID, actorID, "po.delete", nil)
	return nil
}

// Receive records a partial or full goods receipt against an order. The whole
// call is one transaction: the order row is locked for its duration, every
// line increments receivedQuantity and produces a purchase movement through
// the ledger choke point, and the status is recomputed from the full item set.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (ReceiveResult, error) {
	lines := make([]ReceiveLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		if line.Quantity < 0 {
			return ReceiveResult{}, fmt.Errorf("%w: received quantity must not be negative", ErrValidation)
		}
		if line.Quantity == 0 {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ReceiveResult{}, fmt.Errorf("%w: no lines to receive", ErrValidation)
	}

	method, err := s.ledger.CostMethod(ctx)
	if err != nil {
		return ReceiveResult{}, err
	}

	insertedKey := false
	if s.idempotency != nil && input.IdemKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdemKey, "purchasing.receive"); err != nil {
			return ReceiveResult{}, err
		}
		insertedKey = true
	}

	var result ReceiveResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, input.POID)
		if err != nil {
			return err
		}
		if !po.Status.receivable() {
			return &InvalidStateError{POID: po.ID, Status: po.Status, Action: "receive"}
		}

		itemsByID := make(map[int64]*Item, len(po.Items))
		for i := range po.Items {
			itemsByID[po.Items[i].ID] = &po.Items[i]
		}
		for _, line := range lines {
			item, ok := itemsByID[line.ItemID]
			if !ok {
				return fmt.Errorf("%w: item %d not on order %d", ErrNotFound, line.ItemID, po.ID)
			}
			if line.Quantity > item.Remaining() {
				return &OverReceiptError{ItemID: item.ID, Requested: line.Quantity, Remaining: item.Remaining()}
			}
		}

		// Lock stock rows in a consistent order across concurrent receipts.
		sort.Slice(lines, func(a, b int) bool {
			left, right := itemsByID[lines[a].ItemID], itemsByID[lines[b].ItemID]
			leftKey := stock.LevelKey{ProductID: left.ProductID, VariantID: left.VariantID, LocationID: input.LocationID}
			rightKey := stock.LevelKey{ProductID: right.ProductID, VariantID: right.VariantID, LocationID: input.LocationID}
			return leftKey.Less(rightKey)
		})

		for _, line := range lines {
			item := itemsByID[line.ItemID]
			if err := tx.AddItemReceived(ctx, item.ID, line.Quantity); err != nil {
				return err
			}
			item.ReceivedQuantity += line.Quantity
			unitCost := item.UnitCost
			movement, err := s.ledger.ApplyMovementTx(ctx, tx.Stock(), method, stock.MovementInput{
				Key:       stock.LevelKey{ProductID: item.ProductID, VariantID: item.VariantID, LocationID: input.LocationID},
				Type:      stock.MovementPurchase,
				Quantity:  line.Quantity,
				UnitCost:  &unitCost,
				Reason:    fmt.Sprintf("PO %s receipt", po.PONumber),
				Reference: stock.Reference{Type: "purchase_order", ID: strconv.FormatInt(po.ID, 10)},
				ActorID:   input.ActorID,
			})
			if err != nil {
				return err
			}
			result.Movements = append(result.Movements, movement)
		}

		// Status follows the order's FULL item set, not just the touched lines.
		status := receivingStatus(po.Items, po.Status)
		receivedDate := time.Time{}
		if status == StatusReceived {
			receivedDate = time.Now().UTC()
		}
		if status != po.Status {
			if err := tx.UpdateStatus(ctx, po.ID, status, receivedDate); err != nil {
				return err
			}
		}
		result.Status = status
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdemKey)
		}
		return ReceiveResult{}, err
	}
	s.recordAudit(ctx, input.POID, input.ActorID, "po.receive", map[string]any{
		"movements": len(result.Movements),
		"status":    string(result.Status),
	})
	return result, nil
}

func receivingStatus(items []Item, current Status) Status {
	allFull := true
	anyReceived := false
	for _, item := range items {
		if item.ReceivedQuantity > 0 {
			anyReceived = true
		}
		if item.ReceivedQuantity < item.Quantity {
			allFull = false
		}
	}
	switch {
	case allFull && len(items) > 0:
		return StatusReceived
	case anyReceived:
		return StatusPartial
	default:
		return current
	}
}

// RecordPayment applies a payment against the order total and returns the
// derived payment status.
func (s *Service) RecordPayment(ctx context.Context, poID int64, amount decimal.Decimal, paidAt time.Time, actorID int64) (PaymentStatus, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	var status PaymentStatus
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status == StatusCancelled || po.Status == StatusDraft {
			return &InvalidStateError{POID: poID, Status: po.Status, Action: "record payment"}
		}
		newPaid := po.AmountPaid.Add(amount)
		if newPaid.GreaterThan(po.TotalAmount) {
			return fmt.Errorf("%w: payment %s exceeds outstanding %s", ErrValidation,
				amount.StringFixed(2), po.TotalAmount.Sub(po.AmountPaid).StringFixed(2))
		}
		if _, err := tx.InsertPayment(ctx, Payment{POID: poID, Amount: amount, PaidAt: paidAt}); err != nil {
			return err
		}
		if err := tx.AddAmountPaid(ctx, poID, amount); err != nil {
			return err
		}
		status = DerivePaymentStatus(po.TotalAmount, newPaid, po.PaymentDueDate, paidAt)
		return nil
	})
	if err != nil {
		return "", err
	}
	s.recordAudit(ctx, poID, actorID, "po.payment", map[string]any{
		"amount": amount.StringFixed(2),
		"status": string(status),
	})
	return status, nil
}

// Get loads an order with its derived payment status.
func (s *Service) Get(ctx context.Context, poID int64) (PurchaseOrder, PaymentStatus, error) {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, "", err
	}
	return po, po.PaymentStatusAt(time.Now().UTC()), nil
}

// ListOverdue returns orders whose derived payment status is overdue as of
// the given time. Used by the overdue scan job.
func (s *Service) ListOverdue(ctx context.Context, asOf time.Time) ([]PurchaseOrder, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	return s.repo.ListOverdue(ctx, asOf)
}

func (s *Service) recordAudit(ctx context.Context, poID, actorID int64, action string, changes map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditRecord{
		EntityType: "purchase_order",
		EntityID:   strconv.FormatInt(poID, 10),
		Action:     action,
		Changes:    changes,
		ActorID:    actorID,
	})
}
