package cyclecount

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// Repository persists cycle count sessions in PostgreSQL.
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
		return errors.New("cyclecount repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetSession(ctx context.Context, id int64) (Session, error) {
	session, err := scanSession(r.pool.QueryRow(ctx, `SELECT id, name, COALESCE(location_id, 0), status, created_at, completed_at
FROM cycle_count_sessions WHERE id=$1`, id))
	if err != nil {
		return Session{}, err
	}
	session.Lines, err = listLines(ctx, r.pool, id)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// SnapshotLevels reads current quantities for the requested keys. Keys with no
// level row snapshot at zero.
func (r *Repository) SnapshotLevels(ctx context.Context, locationID int64, keys []stock.LevelKey) ([]Line, error) {
	lines := make([]Line, 0, len(keys))
	for _, key := range keys {
		if key.LocationID == 0 {
			key.LocationID = locationID
		}
		var quantity int64
		err := r.pool.QueryRow(ctx, `SELECT quantity FROM stock_levels
WHERE product_id=$1 AND variant_id=$2 AND location_id=$3`,
			key.ProductID, key.VariantID, key.LocationID).Scan(&quantity)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		lines = append(lines, Line{
			ProductID:      key.ProductID,
			VariantID:      key.VariantID,
			LocationID:     key.LocationID,
			SystemQuantity: quantity,
		})
	}
	return lines, nil
}

func (r *txRepository) InsertSession(ctx context.Context, session Session) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cycle_count_sessions (name, location_id, status, created_at)
VALUES ($1,$2,$3,NOW()) RETURNING id`,
		session.Name, nullInt(session.LocationID), string(session.Status)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cycle_count_lines
(session_id, product_id, variant_id, location_id, system_quantity)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		line.SessionID, line.ProductID, line.VariantID, line.LocationID, line.SystemQuantity).Scan(&id)
	return id, err
}

func (r *txRepository) GetSessionForUpdate(ctx context.Context, id int64) (Session, error) {
	session, err := scanSession(r.tx.QueryRow(ctx, `SELECT id, name, COALESCE(location_id, 0), status, created_at, completed_at
FROM cycle_count_sessions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Session{}, err
	}
	session.Lines, err = listLines(ctx, r.tx, id)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (r *txRepository) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	var line Line
	var counted *int64
	var variance *int64
	err := r.tx.QueryRow(ctx, `SELECT id, session_id, product_id, variant_id, location_id, system_quantity, counted_quantity, variance
FROM cycle_count_lines WHERE id=$1 FOR UPDATE`, lineID).
		Scan(&line.ID, &line.SessionID, &line.ProductID, &line.VariantID, &line.LocationID,
			&line.SystemQuantity, &counted, &variance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, err
	}
	line.CountedQuantity = counted
	if variance != nil {
		line.Variance = *variance
	}
	return line, nil
}

func (r *txRepository) UpdateLineCount(ctx context.Context, lineID, counted, variance int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE cycle_count_lines SET counted_quantity=$2, variance=$3 WHERE id=$1`,
		lineID, counted, variance)
	return err
}

func (r *txRepository) UpdateSessionStatus(ctx context.Context, id int64, status SessionStatus, completedAt time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE cycle_count_sessions SET status=$2, completed_at=COALESCE($3, completed_at) WHERE id=$1`,
		id, string(status), nullTime(completedAt))
	return err
}

func (r *txRepository) Stock() stock.TxRepository {
	return stock.Tx(r.tx)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listLines(ctx context.Context, q queryer, sessionID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, session_id, product_id, variant_id, location_id, system_quantity, counted_quantity, variance
FROM cycle_count_lines WHERE session_id=$1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var line Line
		var counted, variance *int64
		if err := rows.Scan(&line.ID, &line.SessionID, &line.ProductID, &line.VariantID, &line.LocationID,
			&line.SystemQuantity, &counted, &variance); err != nil {
			return nil, err
		}
		line.CountedQuantity = counted
		if variance != nil {
			line.Variance = *variance
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanSession(row pgx.Row) (Session, error) {
	var session Session
	var completedAt *time.Time
	err := row.Scan(&session.ID, &session.Name, &session.LocationID, &session.Status, &session.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if completedAt != nil {
		session.CompletedAt = *completedAt
	}
	return session, nil
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
