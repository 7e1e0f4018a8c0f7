package purchasing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusOrdered   Status = "ordered"
	StatusPartial   Status = "partial"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is legal.
func (s Status) Terminal() bool {
	return s == StatusReceived || s == StatusCancelled
}

// manualTransitions are the forward-only transitions a user may request.
// partial and received only advance through the receiving coordinator.
var manualTransitions = map[Status]Status{
	StatusDraft:    StatusPending,
	StatusPending:  StatusApproved,
	StatusApproved: StatusOrdered,
}

// receivable reports whether goods may be received against the order.
func (s Status) receivable() bool {
	return s == StatusApproved || s == StatusOrdered || s == StatusPartial
}

// PaymentStatus is derived from stored amounts and the due date, never stored.
type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "unpaid"
	PaymentPartiallyPaid PaymentStatus = "partially_paid"
	PaymentPaid          PaymentStatus = "paid"
	PaymentOverdue       PaymentStatus = "overdue"
)

// DerivePaymentStatus computes the payment status at read time.
func DerivePaymentStatus(total, paid decimal.Decimal, dueDate time.Time, now time.Time) PaymentStatus {
	if total.IsPositive() && paid.GreaterThanOrEqual(total) {
		return PaymentPaid
	}
	if !dueDate.IsZero() && now.After(dueDate) {
		return PaymentOverdue
	}
	if paid.IsPositive() {
		return PaymentPartiallyPaid
	}
	return PaymentUnpaid
}

// Item is one ordered product line.
type Item struct {
	ID               int64
	POID             int64
	ProductID        int64
	VariantID        int64
	Quantity         int64
	ReceivedQuantity int64
	UnitCost         decimal.Decimal
	TotalCost        decimal.Decimal
}

// Remaining is the quantity still open for receiving.
func (i Item) Remaining() int64 {
	return i.Quantity - i.ReceivedQuantity
}

// PurchaseOrder is the order header with its full item set.
type PurchaseOrder struct {
	ID             int64
	PONumber       string
	SupplierID     int64
	Status         Status
	Subtotal       decimal.Decimal
	Shipping       decimal.Decimal
	Tax            decimal.Decimal
	TotalAmount    decimal.Decimal
	AmountPaid     decimal.Decimal
	PaymentDueDate time.Time
	ReceivedDate   time.Time
	Items          []Item
	CreatedAt      time.Time
}

// PaymentStatusAt derives the payment status for a point in time.
func (po PurchaseOrder) PaymentStatusAt(now time.Time) PaymentStatus {
	return DerivePaymentStatus(po.TotalAmount, po.AmountPaid, po.PaymentDueDate, now)
}

// Payment records one settlement against an order's total.
type Payment struct {
	ID     int64
	POID   int64
	Amount decimal.Decimal
	PaidAt time.Time
	Note   string
}

// OverReceiptError reports a line whose received quantity would exceed the
// remaining orderable quantity.
type OverReceiptError struct {
	ItemID    int64
	Requested int64
	Remaining int64
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("purchasing: over-receipt on item %d: requested %d, remaining %d",
		e.ItemID, e.Requested, e.Remaining)
}

// InvalidStateError reports an operation attempted against an order whose
// status forbids it.
type InvalidStateError struct {
	POID   int64
	Status Status
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("purchasing: cannot %s order %d in status %s", e.Action, e.POID, e.Status)
}

var (
	// ErrNotFound indicates a missing order or line.
	ErrNotFound = errors.New("purchasing: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("purchasing: invalid input")
)
