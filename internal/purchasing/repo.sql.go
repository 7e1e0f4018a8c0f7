package purchasing

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

// Repository persists purchase orders in PostgreSQL.
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
		return errors.New("purchasing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const poColumns = `id, po_number, supplier_id, status, subtotal::text, shipping_cost::text, tax_amount::text,
total_amount::text, amount_paid::text, payment_due_date, received_date, created_at`

func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id)
	po, err := scanPO(row)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = listItems(ctx, r.pool, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// ListOverdue returns non-terminal, non-draft orders with an outstanding
// balance whose payment due date has passed.
func (r *Repository) ListOverdue(ctx context.Context, asOf time.Time) ([]PurchaseOrder, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders
WHERE status NOT IN ('draft', 'cancelled')
  AND payment_due_date IS NOT NULL AND payment_due_date < $1
  AND amount_paid < total_amount
ORDER BY payment_due_date ASC`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	return orders, rows.Err()
}

func (r *txRepository) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders
(po_number, supplier_id, status, subtotal, shipping_cost, tax_amount, total_amount, amount_paid, payment_due_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()) RETURNING id`,
		po.PONumber, po.SupplierID, string(po.Status),
		po.Subtotal.String(), po.Shipping.String(), po.Tax.String(),
		po.TotalAmount.String(), po.AmountPaid.String(), nullTime(po.PaymentDueDate)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_items
(po_id, product_id, variant_id, quantity, received_quantity, unit_cost, total_cost)
VALUES ($1,$2,$3,$4,0,$5,$6) RETURNING id`,
		item.POID, item.ProductID, item.VariantID, item.Quantity,
		item.UnitCost.String(), item.TotalCost.String()).Scan(&id)
	return id, err
}

func (r *txRepository) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id)
	po, err := scanPO(row)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = listItems(ctx, r.tx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, status Status, receivedDate time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_orders
SET status=$2, received_date=COALESCE($3, received_date), updated_at=NOW() WHERE id=$1`,
		id, string(status), nullTime(receivedDate))
	return err
}

func (r *txRepository) AddItemReceived(ctx context.Context, itemID, quantity int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_items SET received_quantity=received_quantity+$2 WHERE id=$1`,
		itemID, quantity)
	return err
}

func (r *txRepository) InsertPayment(ctx context.Context, payment Payment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO po_payments (po_id, amount, paid_at, note)
VALUES ($1,$2,$3,$4) RETURNING id`,
		payment.POID, payment.Amount.String(), payment.PaidAt, nullString(payment.Note)).Scan(&id)
	return id, err
}

func (r *txRepository) AddAmountPaid(ctx context.Context, poID int64, amount decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET amount_paid=amount_paid+$2, updated_at=NOW() WHERE id=$1`,
		poID, amount.String())
	return err
}

func (r *txRepository) DeletePO(ctx context.Context, id int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM purchase_order_items WHERE po_id=$1`, id); err != nil {
		return err
	}
	_, err := r.tx.Exec(ctx, `DELETE FROM purchase_orders WHERE id=$1`, id)
	return err
}

func (r *txRepository) Stock() stock.TxRepository {
	return stock.Tx(r.tx)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listItems(ctx context.Context, q queryer, poID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, po_id, product_id, COALESCE(variant_id, 0), quantity, received_quantity,
unit_cost::text, total_cost::text
FROM purchase_order_items WHERE po_id=$1 ORDER BY id ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var item Item
		var unitCost, totalCost string
		if err := rows.Scan(&item.ID, &item.POID, &item.ProductID, &item.VariantID,
			&item.Quantity, &item.ReceivedQuantity, &unitCost, &totalCost); err != nil {
			return nil, err
		}
		if item.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, fmt.Errorf("purchasing: parse unit cost: %w", err)
		}
		if item.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
			return nil, fmt.Errorf("purchasing: parse total cost: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	var subtotal, shipping, tax, total, paid string
	var dueDate, receivedDate *time.Time
	err := row.Scan(&po.ID, &po.PONumber, &po.SupplierID, &po.Status,
		&subtotal, &shipping, &tax, &total, &paid, &dueDate, &receivedDate, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&po.Subtotal, subtotal},
		{&po.Shipping, shipping},
		{&po.Tax, tax},
		{&po.TotalAmount, total},
		{&po.AmountPaid, paid},
	} {
		if *field.dst, err = decimal.NewFromString(field.src); err != nil {
			return PurchaseOrder{}, fmt.Errorf("purchasing: parse amount: %w", err)
		}
	}
	if dueDate != nil {
		po.PaymentDueDate = *dueDate
	}
	if receivedDate != nil {
		po.ReceivedDate = *receivedDate
	}
	return po, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
