package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// Repository persists batches in PostgreSQL.
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
		return errors.New("batch repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const batchColumns = `id, product_id, COALESCE(variant_id, 0), COALESCE(location_id, 0), COALESCE(lot_number, ''),
expiration_date, original_quantity, remaining_quantity, unit_cost::text, received_at, COALESCE(notes, ''), created_at`

func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, id))
}

func (r *Repository) ListBatches(ctx context.Context, productID, variantID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE product_id=$1 AND COALESCE(variant_id, 0)=$2
ORDER BY received_at ASC, id ASC`, productID, variantID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListExpired returns expired batches still holding stock.
func (r *Repository) ListExpired(ctx context.Context, asOf time.Time) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE expiration_date IS NOT NULL AND expiration_date <= $1 AND remaining_quantity > 0
ORDER BY expiration_date ASC, id ASC`, asOf)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches
(product_id, variant_id, location_id, lot_number, expiration_date, original_quantity, remaining_quantity, unit_cost, received_at, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING id`,
		b.ProductID, nullInt(b.VariantID), nullInt(b.LocationID), nullString(b.LotNumber),
		nullTime(b.ExpirationDate), b.OriginalQuantity, b.RemainingQuantity,
		b.UnitCost.String(), b.ReceivedAt, nullString(b.Notes)).Scan(&id)
	return id, err
}

func (r *txRepository) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	return scanBatch(r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) Stock() stock.TxRepository {
	return stock.Tx(r.tx)
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	batches := []Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var costStr string
	var expiry *time.Time
	err := row.Scan(&b.ID, &b.ProductID, &b.VariantID, &b.LocationID, &b.LotNumber,
		&expiry, &b.OriginalQuantity, &b.RemainingQuantity, &costStr, &b.ReceivedAt, &b.Notes, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	if expiry != nil {
		b.ExpirationDate = *expiry
	}
	if b.UnitCost, err = decimal.NewFromString(costStr); err != nil {
		return Batch{}, fmt.Errorf("batch: parse unit cost: %w", err)
	}
	return b, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
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
