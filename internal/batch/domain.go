package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is derived from remaining quantity and expiry at read time, never
// stored, so it can not go stale.
type Status string

const (
	StatusActive       Status = "active"
	StatusExpiringSoon Status = "expiring_soon"
	StatusExpired      Status = "expired"
	StatusDepleted     Status = "depleted"
)

// Batch is a lot-numbered, expiry-dated receipt grouping. Distinct from cost
// layers, though a purchase receipt often creates both.
type Batch struct {
	ID                int64
	ProductID         int64
	VariantID         int64
	LocationID        int64
	LotNumber         string
	ExpirationDate    time.Time
	OriginalQuantity  int64
	RemainingQuantity int64
	UnitCost          decimal.Decimal
	ReceivedAt        time.Time
	Notes             string
	CreatedAt         time.Time
}

// DeriveStatus computes the batch status. Depletion wins over expiry.
func DeriveStatus(b Batch, now time.Time, horizon time.Duration) Status {
	if b.RemainingQuantity <= 0 {
		return StatusDepleted
	}
	if !b.ExpirationDate.IsZero() {
		if !b.ExpirationDate.After(now) {
			return StatusExpired
		}
		if b.ExpirationDate.Sub(now) <= horizon {
			return StatusExpiringSoon
		}
	}
	return StatusActive
}

// WriteOffError reports a write-off attempted against a batch whose derived
// status forbids it.
type WriteOffError struct {
	BatchID int64
	Status  Status
}

func (e *WriteOffError) Error() string {
	return fmt.Sprintf("batch: cannot write off batch %d in status %s", e.BatchID, e.Status)
}

var (
	// ErrNotFound indicates a missing batch.
	ErrNotFound = errors.New("batch: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("batch: invalid input")
)
