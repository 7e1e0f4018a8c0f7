package batch

import (
	"context"
	"fmt"
	"log/slog"
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
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context, productID, variantID int64) ([]Batch, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]Batch, error)
}

// TxRepository exposes transactional batch operations bound to the same
// database transaction as the stock ledger writes.
type TxRepository interface {
	InsertBatch(ctx context.Context, b Batch) (int64, error)
	GetBatchForUpdate(ctx context.Context, id int64) (Batch, error)
	Stock() stock.TxRepository
}

// LedgerPort is the slice of the stock ledger the tracker drives.
type LedgerPort interface {
	CostMethod(ctx context.Context) (costing.Method, error)
	ApplyMovementTx(ctx context.Context, tx stock.TxRepository, method costing.Method, input stock.MovementInput) (stock.Movement, error)
}

// AuditPort records write-offs.
type AuditPort interface {
	Record(ctx context.Context, record shared.AuditRecord) error
}

// Service tracks lots and their expiry lifecycle.
type Service struct {
	repo    RepositoryPort
	ledger  LedgerPort
	audit   AuditPort
	logger  *slog.Logger
	horizon time.Duration
}

// NewService constructs the batch service. horizon is the expiring-soon window.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort, logger *slog.Logger, horizon time.Duration) *Service {
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &Service{repo: repo, ledger: ledger, audit: audit, logger: logger, horizon: horizon}
}

// Horizon returns the expiring-soon window.
func (s *Service) Horizon() time.Duration {
	return s.horizon
}

// CreateInput describes a manual lot receipt.
type CreateInput struct {
	ProductID      int64
	VariantID      int64
	LocationID     int64
	LotNumber      string
	ExpirationDate time.Time
	Quantity       int64
	UnitCost       decimal.Decimal
	Notes          string
	ActorID        int64
}

// Create records a manual lot receipt: batch row, purchase movement and cost
// attribution in one transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (Batch, error) {
	if input.ProductID == 0 {
		return Batch{}, fmt.Errorf("%w: product required", ErrValidation)
	}
	if input.Quantity <= 0 {
		return Batch{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if input.UnitCost.IsNegative() {
		return Batch{}, fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
	}

	method, err := s.ledger.CostMethod(ctx)
	if err != nil {
		return Batch{}, err
	}

	now := time.Now().UTC()
	created := Batch{
		ProductID:         input.ProductID,
		VariantID:         input.VariantID,
		LocationID:        input.LocationID,
		LotNumber:         input.LotNumber,
		ExpirationDate:    input.ExpirationDate,
		OriginalQuantity:  input.Quantity,
		RemainingQuantity: input.Quantity,
		UnitCost:          input.UnitCost,
		ReceivedAt:        now,
		Notes:             input.Notes,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBatch(ctx, created)
		if err != nil {
			return err
		}
		created.ID = id
		unitCost := input.UnitCost
		_, err = s.ledger.ApplyMovementTx(ctx, tx.Stock(), method, stock.MovementInput{
			Key:       stock.LevelKey{ProductID: input.ProductID, VariantID: input.VariantID, LocationID: input.LocationID},
			Type:      stock.MovementPurchase,
			Quantity:  input.Quantity,
			UnitCost:  &unitCost,
			Reason:    fmt.Sprintf("lot %s receipt", input.LotNumber),
			Reference: stock.Reference{Type: "batch", ID: strconv.FormatInt(id, 10)},
			ActorID:   input.ActorID,
		})
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	return created, nil
}

// WriteOff removes the full remaining quantity of an expired batch through the
// ledger. Legal only when the derived status is expired.
func (s *Service) WriteOff(ctx context.Context, batchID, actorID int64) (stock.Movement, error) {
	method, err := s.ledger.CostMethod(ctx)
	if err != nil {
		return stock.Movement{}, err
	}
	var movement stock.Movement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		status := DeriveStatus(b, time.Now().UTC(), s.horizon)
		if status != StatusExpired {
			return &WriteOffError{BatchID: batchID, Status: status}
		}
		// BatchID on the movement drives the remaining-quantity decrement to zero.
		movement, err = s.ledger.ApplyMovementTx(ctx, tx.Stock(), method, stock.MovementInput{
			Key:       stock.LevelKey{ProductID: b.ProductID, VariantID: b.VariantID, LocationID: b.LocationID},
			Type:      stock.MovementExpired,
			Quantity:  -b.RemainingQuantity,
			Reason:    fmt.Sprintf("write-off of expired lot %s", b.LotNumber),
			Reference: stock.Reference{Type: "batch", ID: strconv.FormatInt(batchID, 10)},
			BatchID:   batchID,
			ActorID:   actorID,
		})
		return err
	})
	if err != nil {
		return stock.Movement{}, err
	}
	s.recordAudit(ctx, batchID, actorID, "batch.write_off", map[string]any{
		"quantity": movement.Quantity,
	})
	return movement, nil
}

// Get loads a batch with its derived status.
func (s *Service) Get(ctx context.Context, batchID int64) (Batch, Status, error) {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return Batch{}, "", err
	}
	return b, DeriveStatus(b, time.Now().UTC(), s.horizon), nil
}

// List returns batches for a product with derived statuses.
func (s *Service) List(ctx context.Context, productID, variantID int64) ([]Batch, []Status, error) {
	batches, err := s.repo.ListBatches(ctx, productID, variantID)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	statuses := make([]Status, len(batches))
	for i, b := range batches {
		statuses[i] = DeriveStatus(b, now, s.horizon)
	}
	return batches, statuses, nil
}

// ListExpired returns expired batches still holding stock. Used by the nightly
// expiry sweep.
func (s *Service) ListExpired(ctx context.Context, asOf time.Time) ([]Batch, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	return s.repo.ListExpired(ctx, asOf)
}

func (s *Service) recordAudit(ctx context.Context, batchID, actorID int64, action string, changes map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditRecord{
		EntityType: "batch",
		EntityID:   strconv.FormatInt(batchID, 10),
		Action:     action,
		Changes:    changes,
		ActorID:    actorID,
	})
}
