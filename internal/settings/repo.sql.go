package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

// Repository persists inventory settings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetCostMethod reads the policy row; a missing row means the default none.
func (r *Repository) GetCostMethod(ctx context.Context) (costing.Method, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM inventory_settings WHERE key='cost_update_method'`).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return costing.MethodNone, nil
		}
		return "", err
	}
	method, err := costing.ParseMethod(value)
	if err != nil {
		return "", fmt.Errorf("settings: stored method invalid: %w", err)
	}
	return method, nil
}

// SetCostMethod upserts the policy row.
func (r *Repository) SetCostMethod(ctx context.Context, method costing.Method) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO inventory_settings (key, value, updated_at)
VALUES ('cost_update_method', $1, NOW())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, string(method))
	return err
}
