package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Tx wraps an existing transaction so coordinating services can reuse it.
func Tx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *Repository) GetLevel(ctx context.Context, key LevelKey) (Level, error) {
	var level Level
	level.Key = key
	err := r.pool.QueryRow(ctx, `SELECT quantity, reserved_quantity, available_quantity, last_movement_at
FROM stock_levels WHERE product_id=$1 AND variant_id=$2 AND location_id=$3`,
		key.ProductID, key.VariantID, key.LocationID).
		Scan(&level.Quantity, &level.ReservedQuantity, &level.AvailableQuantity, &level.LastMovementAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{Key: key}, ErrLevelNotFound
		}
		return Level{}, err
	}
	return level, nil
}

func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * limit
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, variant_id, location_id, movement_type, quantity,
previous_quantity, new_quantity, unit_cost::text, total_cost::text, reason, reference_type, reference_id,
batch_id, actor_id, created_at
FROM stock_movements
WHERE product_id=$1 AND variant_id=$2 AND location_id=$3
  AND created_at BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $6 OFFSET $7`,
		filter.Key.ProductID, filter.Key.VariantID, filter.Key.LocationID,
		nullTime(filter.From), nullTime(filter.To), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, movement)
	}
	return movements, rows.Err()
}

func (r *Repository) CountMovements(ctx context.Context, filter MovementFilter) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements
WHERE product_id=$1 AND variant_id=$2 AND location_id=$3
  AND created_at BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')`,
		filter.Key.ProductID, filter.Key.VariantID, filter.Key.LocationID,
		nullTime(filter.From), nullTime(filter.To)).Scan(&total)
	return total, err
}

func (r *txRepository) GetLevelForUpdate(ctx context.Context, key LevelKey) (Level, error) {
	var level Level
	level.Key = key
	err := r.tx.QueryRow(ctx, `SELECT quantity, reserved_quantity, available_quantity, last_movement_at
FROM stock_levels WHERE product_id=$1 AND variant_id=$2 AND location_id=$3 FOR UPDATE`,
		key.ProductID, key.VariantID, key.LocationID).
		Scan(&level.Quantity, &level.ReservedQuantity, &level.AvailableQuantity, &level.LastMovementAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{Key: key}, ErrLevelNotFound
		}
		return Level{}, err
	}
	return level, nil
}

func (r *txRepository) UpsertLevel(ctx context.Context, level Level) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (product_id, variant_id, location_id, quantity, reserved_quantity, available_quantity, last_movement_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (product_id, variant_id, location_id)
DO UPDATE SET quantity=EXCLUDED.quantity, reserved_quantity=EXCLUDED.reserved_quantity,
  available_quantity=EXCLUDED.available_quantity, last_movement_at=EXCLUDED.last_movement_at`,
		level.Key.ProductID, level.Key.VariantID, level.Key.LocationID,
		level.Quantity, level.ReservedQuantity, level.AvailableQuantity, nowOr(level.LastMovementAt))
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
(product_id, variant_id, location_id, movement_type, quantity, previous_quantity, new_quantity,
 unit_cost, total_cost, reason, reference_type, reference_id, batch_id, actor_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		movement.Key.ProductID, movement.Key.VariantID, movement.Key.LocationID,
		string(movement.Type), movement.Quantity, movement.PreviousQuantity, movement.NewQuantity,
		nullDecimal(movement.UnitCost), nullDecimal(movement.TotalCost), movement.Reason,
		nullString(movement.Reference.Type), nullString(movement.Reference.ID),
		nullInt(movement.BatchID), nullInt(movement.ActorID), nowOr(movement.CreatedAt)).Scan(&id)
	return id, err
}

func (r *txRepository) GetProductCostForUpdate(ctx context.Context, productID, variantID int64) (decimal.Decimal, error) {
	var costStr string
	var err error
	if variantID != 0 {
		err = r.tx.QueryRow(ctx, `SELECT COALESCE(cost_price, 0)::text FROM product_variants WHERE id=$1 FOR UPDATE`, variantID).Scan(&costStr)
	} else {
		err = r.tx.QueryRow(ctx, `SELECT COALESCE(cost_price, 0)::text FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&costStr)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	cost, err := decimal.NewFromString(costStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("stock: parse product cost: %w", err)
	}
	return cost, nil
}

func (r *txRepository) UpdateProductCost(ctx context.Context, productID, variantID int64, cost decimal.Decimal) error {
	var err error
	if variantID != 0 {
		_, err = r.tx.Exec(ctx, `UPDATE product_variants SET cost_price=$2, updated_at=NOW() WHERE id=$1`, variantID, cost.String())
	} else {
		_, err = r.tx.Exec(ctx, `UPDATE products SET cost_price=$2, updated_at=NOW() WHERE id=$1`, productID, cost.String())
	}
	return err
}

func (r *txRepository) TotalOnHand(ctx context.Context, productID, variantID int64) (int64, error) {
	var total int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_levels WHERE product_id=$1 AND variant_id=$2`,
		productID, variantID).Scan(&total)
	return total, err
}

func (r *txRepository) InsertCostLayer(ctx context.Context, layer CostLayer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layers
(product_id, variant_id, location_id, unit_cost, original_quantity, remaining_quantity, received_at, reference_type, reference_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		layer.Key.ProductID, layer.Key.VariantID, layer.Key.LocationID,
		layer.UnitCost.String(), layer.OriginalQuantity, layer.RemainingQuantity,
		nowOr(layer.ReceivedAt), nullString(layer.Reference.Type), nullString(layer.Reference.ID)).Scan(&id)
	return id, err
}

func (r *txRepository) ListLayersForUpdate(ctx context.Context, key LevelKey) ([]CostLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, unit_cost::text, original_quantity, remaining_quantity, received_at
FROM cost_layers WHERE product_id=$1 AND variant_id=$2 AND location_id=$3
ORDER BY received_at ASC, id ASC FOR UPDATE`,
		key.ProductID, key.VariantID, key.LocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	layers := []CostLayer{}
	for rows.Next() {
		layer := CostLayer{Key: key}
		var costStr string
		if err := rows.Scan(&layer.ID, &costStr, &layer.OriginalQuantity, &layer.RemainingQuantity, &layer.ReceivedAt); err != nil {
			return nil, err
		}
		layer.UnitCost, err = decimal.NewFromString(costStr)
		if err != nil {
			return nil, fmt.Errorf("stock: parse layer cost: %w", err)
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (r *txRepository) SetLayerRemaining(ctx context.Context, layerID, remaining int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE cost_layers SET remaining_quantity=$2 WHERE id=$1`, layerID, remaining)
	return err
}

func (r *txRepository) AddBatchRemaining(ctx context.Context, batchID, delta int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE batches SET remaining_quantity=GREATEST(remaining_quantity+$2, 0), updated_at=NOW() WHERE id=$1`,
		batchID, delta)
	return err
}

func scanMovement(rows pgx.Rows) (Movement, error) {
	var movement Movement
	var unitCost, totalCost, refType, refID *string
	var batchID, actorID *int64
	err := rows.Scan(&movement.ID, &movement.Key.ProductID, &movement.Key.VariantID, &movement.Key.LocationID,
		&movement.Type, &movement.Quantity, &movement.PreviousQuantity, &movement.NewQuantity,
		&unitCost, &totalCost, &movement.Reason, &refType, &refID, &batchID, &actorID, &movement.CreatedAt)
	if err != nil {
		return Movement{}, err
	}
	if unitCost != nil {
		cost, err := decimal.NewFromString(*unitCost)
		if err != nil {
			return Movement{}, err
		}
		movement.UnitCost = &cost
	}
	if totalCost != nil {
		cost, err := decimal.NewFromString(*totalCost)
		if err != nil {
			return Movement{}, err
		}
		movement.TotalCost = &cost
	}
	if refType != nil {
		movement.Reference.Type = *refType
	}
	if refID != nil {
		movement.Reference.ID = *refID
	}
	if batchID != nil {
		movement.BatchID = *batchID
	}
	if actorID != nil {
		movement.ActorID = *actorID
	}
	return movement, nil
}

func nullDecimal(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.String()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
