package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates the business events that may change a stock level.
type MovementType string

const (
	MovementPurchase   MovementType = "purchase"
	MovementSale       MovementType = "sale"
	MovementAdjustment MovementType = "adjustment"
	MovementTransfer   MovementType = "transfer"
	MovementReturn     MovementType = "return"
	MovementDamaged    MovementType = "damaged"
	MovementExpired    MovementType = "expired"
	MovementCycleCount MovementType = "cycle_count"
)

var movementTypes = map[MovementType]bool{
	MovementPurchase:   true,
	MovementSale:       true,
	MovementAdjustment: true,
	MovementTransfer:   true,
	MovementReturn:     true,
	MovementDamaged:    true,
	MovementExpired:    true,
	MovementCycleCount: true,
}

// Valid reports whether the movement type is known.
func (t MovementType) Valid() bool {
	return movementTypes[t]
}

// LevelKey identifies one stock level row. Zero VariantID/LocationID means the
// product is not tracked at that granularity.
type LevelKey struct {
	ProductID  int64
	VariantID  int64
	LocationID int64
}

// Less orders keys so multi-row operations always lock in the same order.
func (k LevelKey) Less(other LevelKey) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	if k.VariantID != other.VariantID {
		return k.VariantID < other.VariantID
	}
	return k.LocationID < other.LocationID
}

// Level is the authoritative current quantity for a key.
type Level struct {
	Key               LevelKey
	Quantity          int64
	ReservedQuantity  int64
	AvailableQuantity int64
	LastMovementAt    time.Time
}

// Reference links a movement back to the business event that caused it.
type Reference struct {
	Type string
	ID   string
}

// Movement is one immutable signed quantity change with before/after snapshot.
type Movement struct {
	ID               int64
	Key              LevelKey
	Type             MovementType
	Quantity         int64
	PreviousQuantity int64
	NewQuantity      int64
	UnitCost         *decimal.Decimal
	TotalCost        *decimal.Decimal
	Reason           string
	Reference        Reference
	BatchID          int64
	ActorID          int64
	CreatedAt        time.Time
}

// CostLayer is a FIFO receipt batch retained for cost attribution. Exhausted
// layers keep their row for audit.
type CostLayer struct {
	ID                int64
	Key               LevelKey
	UnitCost          decimal.Decimal
	OriginalQuantity  int64
	RemainingQuantity int64
	ReceivedAt        time.Time
	Reference         Reference
}

// MovementInput describes one quantity delta to apply through the choke point.
type MovementInput struct {
	Key       LevelKey
	Type      MovementType
	Quantity  int64
	UnitCost  *decimal.Decimal
	Reason    string
	Reference Reference
	BatchID   int64
	ActorID   int64
}

// MovementFilter selects movements for the stock card listing.
type MovementFilter struct {
	Key   LevelKey
	From  time.Time
	To    time.Time
	Page  int
	Limit int
}

// InsufficientStockError is returned when an outbound movement would drive a
// stock level negative. It names the shortfall so callers can render it.
type InsufficientStockError struct {
	ProductID  int64
	VariantID  int64
	LocationID int64
	Requested  int64
	Available  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

var (
	// ErrZeroQuantity rejects movements with no delta.
	ErrZeroQuantity = errors.New("stock: movement quantity must be non-zero")
	// ErrInvalidMovementType rejects unknown movement types.
	ErrInvalidMovementType = errors.New("stock: invalid movement type")
	// ErrLevelNotFound indicates a missing stock level row.
	ErrLevelNotFound = errors.New("stock: level not found")
	// ErrReservationExceeded rejects reservations beyond on-hand quantity.
	ErrReservationExceeded = errors.New("stock: reservation exceeds on-hand quantity")
)
