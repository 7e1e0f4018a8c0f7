package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLevel(ctx context.Context, key LevelKey) (Level, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	CountMovements(ctx context.Context, filter MovementFilter) (int, error)
}

// TxRepository exposes the row operations the choke point performs inside one
// transaction. Implementations must take row locks on the *ForUpdate reads.
type TxRepository interface {
	GetLevelForUpdate(ctx context.Context, key LevelKey) (Level, error)
	UpsertLevel(ctx context.Context, level Level) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
	GetProductCostForUpdate(ctx context.Context, productID, variantID int64) (decimal.Decimal, error)
	UpdateProductCost(ctx context.Context, productID, variantID int64, cost decimal.Decimal) error
	TotalOnHand(ctx context.Context, productID, variantID int64) (int64, error)
	InsertCostLayer(ctx context.Context, layer CostLayer) (int64, error)
	ListLayersForUpdate(ctx context.Context, key LevelKey) ([]CostLayer, error)
	SetLayerRemaining(ctx context.Context, layerID, remaining int64) error
	AddBatchRemaining(ctx context.Context, batchID, delta int64) error
}

// SettingsPort supplies the global cost update method once per operation.
type SettingsPort interface {
	CostMethod(ctx context.Context) (costing.Method, error)
}

// MetricsPort records ledger counters. Optional.
type MetricsPort interface {
	MovementApplied(movementType string)
	InsufficientStock()
	ConsistencyFault()
}

// Ledger is the only code path permitted to mutate stock levels. Every caller
// funnels through ApplyMovement or its in-transaction variant.
type Ledger struct {
	repo     RepositoryPort
	settings SettingsPort
	logger   *slog.Logger
	metrics  MetricsPort
}

// NewLedger builds the ledger service.
func NewLedger(repo RepositoryPort, settings SettingsPort, logger *slog.Logger, metrics MetricsPort) *Ledger {
	return &Ledger{repo: repo, settings: settings, logger: logger, metrics: metrics}
}

// ApplyMovement applies one signed quantity delta inside its own transaction.
func (l *Ledger) ApplyMovement(ctx context.Context, input MovementInput) (Movement, error) {
	method, err := l.costMethod(ctx)
	if err != nil {
		return Movement{}, err
	}
	var movement Movement
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movement, err = l.ApplyMovementTx(ctx, tx, method, input)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	return movement, nil
}

// ApplyMovementTx applies a movement inside a caller-owned transaction so that
// multi-line operations (PO receiving, cycle-count commit, transfers) stay
// atomic. The cost method must be the one fetched at the start of the
// enclosing operation.
func (l *Ledger) ApplyMovementTx(ctx context.Context, tx TxRepository, method costing.Method, input MovementInput) (Movement, error) {
	if input.Quantity == 0 {
		return Movement{}, ErrZeroQuantity
	}
	if !input.Type.Valid() {
		return Movement{}, fmt.Errorf("%w: %q", ErrInvalidMovementType, input.Type)
	}
	if input.Key.ProductID == 0 {
		return Movement{}, errors.New("stock: product required")
	}
	if input.Reference.Type != "" && input.Reference.ID == "" {
		return Movement{}, errors.New("stock: reference id required when reference type set")
	}

	now := time.Now().UTC()
	level, err := tx.GetLevelForUpdate(ctx, input.Key)
	if err != nil {
		if !errors.Is(err, ErrLevelNotFound) {
			return Movement{}, err
		}
		level = Level{Key: input.Key}
	}

	newQty := level.Quantity + input.Quantity
	if newQty < 0 {
		if l.metrics != nil {
			l.metrics.InsufficientStock()
		}
		return Movement{}, &InsufficientStockError{
			ProductID:  input.Key.ProductID,
			VariantID:  input.Key.VariantID,
			LocationID: input.Key.LocationID,
			Requested:  -input.Quantity,
			Available:  level.Quantity,
		}
	}

	unitCost, totalCost, err := l.attributeCost(ctx, tx, method, input, level.Quantity, now)
	if err != nil {
		return Movement{}, err
	}

	reserved := level.ReservedQuantity
	if reserved > newQty {
		reserved = newQty
	}
	level.Quantity = newQty
	level.ReservedQuantity = reserved
	level.AvailableQuantity = newQty - reserved
	level.LastMovementAt = now
	if err := tx.UpsertLevel(ctx, level); err != nil {
		return Movement{}, err
	}

	movement := Movement{
		Key:              input.Key,
		Type:             input.Type,
		Quantity:         input.Quantity,
		PreviousQuantity: newQty - input.Quantity,
		NewQuantity:      newQty,
		UnitCost:         unitCost,
		TotalCost:        totalCost,
		Reason:           input.Reason,
		Reference:        input.Reference,
		BatchID:          input.BatchID,
		ActorID:          input.ActorID,
		CreatedAt:        now,
	}
	movement.ID, err = tx.InsertMovement(ctx, movement)
	if err != nil {
		return Movement{}, err
	}

	if input.BatchID != 0 && input.Quantity < 0 {
		if err := tx.AddBatchRemaining(ctx, input.BatchID, input.Quantity); err != nil {
			return Movement{}, err
		}
	}

	if l.metrics != nil {
		l.metrics.MovementApplied(string(input.Type))
	}
	return movement, nil
}

// attributeCost resolves the movement's unit/total cost and runs the cost
// attribution policy. Receipts attribute product cost only for purchases;
// FIFO layers track every costed inbound and every outbound.
func (l *Ledger) attributeCost(ctx context.Context, tx TxRepository, method costing.Method, input MovementInput, preQty int64, now time.Time) (*decimal.Decimal, *decimal.Decimal, error) {
	if input.Quantity > 0 {
		if input.UnitCost == nil {
			return nil, nil, nil
		}
		unit := *input.UnitCost
		total := unit.Mul(decimal.NewFromInt(input.Quantity))

		if method == costing.MethodFIFO && layerTracked(input.Type) {
			layers, err := tx.ListLayersForUpdate(ctx, input.Key)
			if err != nil {
				return nil, nil, err
			}
			layer := CostLayer{
				Key:               input.Key,
				UnitCost:          unit,
				OriginalQuantity:  input.Quantity,
				RemainingQuantity: input.Quantity,
				ReceivedAt:        now,
				Reference:         input.Reference,
			}
			if _, err := tx.InsertCostLayer(ctx, layer); err != nil {
				return nil, nil, err
			}
			// Product cost follows the oldest open layer, which may well not
			// be the one just received.
			oldest := layer
			if existing, ok := costing.OldestOpenLayer(toCostingLayers(layers)); ok {
				oldest = CostLayer{UnitCost: existing.UnitCost}
			}
			if err := tx.UpdateProductCost(ctx, input.Key.ProductID, input.Key.VariantID, oldest.UnitCost.Round(costing.CostScale)); err != nil {
				return nil, nil, err
			}
		}

		if input.Type == MovementPurchase {
			switch method {
			case costing.MethodLastCost:
				if err := tx.UpdateProductCost(ctx, input.Key.ProductID, input.Key.VariantID, unit.Round(costing.CostScale)); err != nil {
					return nil, nil, err
				}
			case costing.MethodWeightedAverage:
				existingCost, err := tx.GetProductCostForUpdate(ctx, input.Key.ProductID, input.Key.VariantID)
				if err != nil {
					return nil, nil, err
				}
				existingQty, err := tx.TotalOnHand(ctx, input.Key.ProductID, input.Key.VariantID)
				if err != nil {
					return nil, nil, err
				}
				newCost := costing.WeightedAverage(existingQty, existingCost, input.Quantity, unit)
				if err := tx.UpdateProductCost(ctx, input.Key.ProductID, input.Key.VariantID, newCost); err != nil {
					return nil, nil, err
				}
			}
		}
		return &unit, &total, nil
	}

	// Outbound.
	consumed := -input.Quantity
	if method == costing.MethodFIFO {
		layers, err := tx.ListLayersForUpdate(ctx, input.Key)
		if err != nil {
			return nil, nil, err
		}
		draws, total, shortfall := costing.ConsumeLayers(toCostingLayers(layers), consumed)
		if shortfall > 0 {
			// Layer totals drifted from the stock level. Stock truth wins:
			// log the fault and keep going.
			if l.metrics != nil {
				l.metrics.ConsistencyFault()
			}
			l.logger.Warn("cost layer shortfall, consuming against deepest layer",
				slog.Int64("product_id", input.Key.ProductID),
				slog.Int64("location_id", input.Key.LocationID),
				slog.Int64("shortfall", shortfall))
		}
		drawn := make(map[int64]int64, len(draws))
		for _, draw := range draws {
			drawn[draw.LayerID] += draw.Quantity
		}
		for i := range layers {
			taken, ok := drawn[layers[i].ID]
			if !ok {
				continue
			}
			remaining := layers[i].RemainingQuantity - taken
			if remaining < 0 {
				remaining = 0
			}
			layers[i].RemainingQuantity = remaining
			if err := tx.SetLayerRemaining(ctx, layers[i].ID, remaining); err != nil {
				return nil, nil, err
			}
		}
		if oldest, ok := costing.OldestOpenLayer(toCostingLayers(layers)); ok {
			if err := tx.UpdateProductCost(ctx, input.Key.ProductID, input.Key.VariantID, oldest.UnitCost.Round(costing.CostScale)); err != nil {
				return nil, nil, err
			}
		}
		if len(draws) == 0 {
			return nil, nil, nil
		}
		unit := costing.BlendedUnitCost(total, consumed)
		return &unit, &total, nil
	}

	if input.UnitCost != nil {
		unit := *input.UnitCost
		total := unit.Mul(decimal.NewFromInt(consumed))
		return &unit, &total, nil
	}
	unit, err := tx.GetProductCostForUpdate(ctx, input.Key.ProductID, input.Key.VariantID)
	if err != nil {
		return nil, nil, err
	}
	if unit.IsZero() {
		return nil, nil, nil
	}
	total := unit.Mul(decimal.NewFromInt(consumed))
	return &unit, &total, nil
}

// TransferInput moves stock of one product between two locations.
type TransferInput struct {
	ProductID     int64
	VariantID     int64
	SrcLocationID int64
	DstLocationID int64
	Quantity      int64
	Reason        string
	ActorID       int64
}

// Transfer applies the outbound and inbound legs in a single transaction.
// If either leg fails the whole operation rolls back.
func (l *Ledger) Transfer(ctx context.Context, input TransferInput) (out Movement, in Movement, err error) {
	if input.Quantity <= 0 {
		return Movement{}, Movement{}, ErrZeroQuantity
	}
	if input.SrcLocationID == input.DstLocationID {
		return Movement{}, Movement{}, errors.New("stock: source and destination location must differ")
	}
	method, err := l.costMethod(ctx)
	if err != nil {
		return Movement{}, Movement{}, err
	}
	srcKey := LevelKey{ProductID: input.ProductID, VariantID: input.VariantID, LocationID: input.SrcLocationID}
	dstKey := LevelKey{ProductID: input.ProductID, VariantID: input.VariantID, LocationID: input.DstLocationID}
	group := uuid.New().String()

	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lock both rows in key order before touching either, so two
		// opposite-direction transfers cannot deadlock.
		first, second := srcKey, dstKey
		if second.Less(first) {
			first, second = second, first
		}
		for _, key := range []LevelKey{first, second} {
			if _, err := tx.GetLevelForUpdate(ctx, key); err != nil && !errors.Is(err, ErrLevelNotFound) {
				return err
			}
		}
		out, err = l.ApplyMovementTx(ctx, tx, method, MovementInput{
			Key:       srcKey,
			Type:      MovementTransfer,
			Quantity:  -input.Quantity,
			Reason:    input.Reason,
			Reference: Reference{Type: "transfer", ID: group},
			ActorID:   input.ActorID,
		})
		if err != nil {
			return err
		}
		in, err = l.ApplyMovementTx(ctx, tx, method, MovementInput{
			Key:       dstKey,
			Type:      MovementTransfer,
			Quantity:  input.Quantity,
			UnitCost:  out.UnitCost,
			Reason:    input.Reason,
			Reference: Reference{Type: "transfer", ID: group},
			ActorID:   input.ActorID,
		})
		return err
	})
	if err != nil {
		return Movement{}, Movement{}, err
	}
	return out, in, nil
}

// Reserve holds quantity against a level without moving stock.
func (l *Ledger) Reserve(ctx context.Context, key LevelKey, quantity int64) (Level, error) {
	return l.adjustReservation(ctx, key, quantity)
}

// Release returns previously reserved quantity to available.
func (l *Ledger) Release(ctx context.Context, key LevelKey, quantity int64) (Level, error) {
	return l.adjustReservation(ctx, key, -quantity)
}

func (l *Ledger) adjustReservation(ctx context.Context, key LevelKey, delta int64) (Level, error) {
	if delta == 0 {
		return Level{}, ErrZeroQuantity
	}
	var level Level
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		level, err = tx.GetLevelForUpdate(ctx, key)
		if err != nil {
			if errors.Is(err, ErrLevelNotFound) && delta > 0 {
				return &InsufficientStockError{ProductID: key.ProductID, VariantID: key.VariantID, LocationID: key.LocationID, Requested: delta}
			}
			return err
		}
		reserved := level.ReservedQuantity + delta
		if reserved < 0 {
			return fmt.Errorf("%w: releasing %d with %d reserved", ErrReservationExceeded, -delta, level.ReservedQuantity)
		}
		if reserved > level.Quantity {
			return &InsufficientStockError{
				ProductID:  key.ProductID,
				VariantID:  key.VariantID,
				LocationID: key.LocationID,
				Requested:  delta,
				Available:  level.AvailableQuantity,
			}
		}
		level.ReservedQuantity = reserved
		level.AvailableQuantity = level.Quantity - reserved
		return tx.UpsertLevel(ctx, level)
	})
	if err != nil {
		return Level{}, err
	}
	return level, nil
}

// GetLevel reads the current level for a key.
func (l *Ledger) GetLevel(ctx context.Context, key LevelKey) (Level, error) {
	if key.ProductID == 0 {
		return Level{}, errors.New("stock: product required")
	}
	return l.repo.GetLevel(ctx, key)
}

// ListMovements returns one page of the stock card for a key.
func (l *Ledger) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	if filter.Key.ProductID == 0 {
		return nil, shared.Pagination{}, errors.New("stock: product required")
	}
	if filter.Limit <= 0 {
		filter.Limit = 200
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	movements, err := l.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	total, err := l.repo.CountMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return movements, shared.NewPagination(filter.Page, filter.Limit, total), nil
}

// CostMethod exposes the configured policy to coordinating services so they
// can fetch it once and thread it through a multi-line transaction.
func (l *Ledger) CostMethod(ctx context.Context) (costing.Method, error) {
	return l.costMethod(ctx)
}

func (l *Ledger) costMethod(ctx context.Context) (costing.Method, error) {
	if l.settings == nil {
		return costing.MethodNone, nil
	}
	method, err := l.settings.CostMethod(ctx)
	if err != nil {
		return "", fmt.Errorf("stock: load cost method: %w", err)
	}
	return method, nil
}

func layerTracked(t MovementType) bool {
	switch t {
	case MovementPurchase, MovementReturn, MovementTransfer:
		return true
	}
	return false
}

func toCostingLayers(layers []CostLayer) []costing.Layer {
	out := make([]costing.Layer, 0, len(layers))
	for _, layer := range layers {
		out = append(out, costing.Layer{
			ID:         layer.ID,
			UnitCost:   layer.UnitCost,
			Remaining:  layer.RemainingQuantity,
			ReceivedAt: layer.ReceivedAt,
		})
	}
	return out
}
