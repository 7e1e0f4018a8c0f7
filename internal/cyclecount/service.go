package cyclecount

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id int64) (Session, error)
	SnapshotLevels(ctx context.Context, locationID int64, keys []stock.LevelKey) ([]Line, error)
}

// TxRepository exposes transactional session operations bound to the same
// database transaction as the ledger writes.
type TxRepository interface {
	InsertSession(ctx context.Context, session Session) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	GetSessionForUpdate(ctx context.Context, id int64) (Session, error)
	GetLineForUpdate(ctx context.Context, lineID int64) (Line, error)
	UpdateLineCount(ctx context.Context, lineID, counted, variance int64) error
	UpdateSessionStatus(ctx context.Context, id int64, status SessionStatus, completedAt time.Time) error
	Stock() stock.TxRepository
}

// LedgerPort is the slice of the stock ledger commit drives.
type LedgerPort interface {
	CostMethod(ctx context.Context) (costing.Method, error)
	ApplyMovementTx(ctx context.Context, tx stock.TxRepository, method costing.Method, input stock.MovementInput) (stock.Movement, error)
}

// AuditPort records commit and cancel transitions.
type AuditPort interface {
	Record(ctx context.Context, record shared.AuditRecord) error
}

// Service runs cycle count sessions.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs the cycle count service.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, ledger: ledger, audit: audit, idempotency: idem}
}

// CreateInput describes a new session. Keys names the stock levels to count.
type CreateInput struct {
	Name       string
	LocationID int64
	Keys       []stock.LevelKey
	ActorID    int64
}

// Create opens a session, snapshotting current level quantities into lines.
// Later commits only ever compare against this snapshot.
func (s *Service) Create(ctx context.Context, input CreateInput) (Session, error) {
	if input.Name == "" {
		return Session{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if len(input.Keys) == 0 {
		return Session{}, fmt.Errorf("%w: at least one stock level to count", ErrValidation)
	}
	lines, err := s.repo.SnapshotLevels(ctx, input.LocationID, input.Keys)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Name:       input.Name,
		LocationID: input.LocationID,
		Status:     StatusDraft,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertSession(ctx, session)
		if err != nil {
			return err
		}
		session.ID = id
		for i := range lines {
			lines[i].SessionID = id
			lines[i].ID, err = tx.InsertLine(ctx, lines[i])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	session.Lines = lines
	return session, nil
}

// UpdateLine stores a counted quantity and its variance. Allowed while the
// session is draft or in progress; a first count moves draft to in_progress.
func (s *Service) UpdateLine(ctx context.Context, sessionID, lineID, counted int64) (Line, error) {
	if counted < 0 {
		return Line{}, fmt.Errorf("%w: counted quantity must not be negative", ErrValidation)
	}
	var updated Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.countable() {
			return &InvalidStateError{SessionID: sessionID, Status: session.Status, Action: "count"}
		}
		line, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		if line.SessionID != sessionID {
			return fmt.Errorf("%w: line %d not in session %d", ErrNotFound, lineID, sessionID)
		}
		variance := counted - line.SystemQuantity
		if err := tx.UpdateLineCount(ctx, lineID, counted, variance); err != nil {
			return err
		}
		if session.Status == StatusDraft {
			if err := tx.UpdateSessionStatus(ctx, sessionID, StatusInProgress, time.Time{}); err != nil {
				return err
			}
		}
		line.CountedQuantity = &counted
		line.Variance = variance
		updated = line
		return nil
	})
	if err != nil {
		return Line{}, err
	}
	return updated, nil
}

// Commit completes the session, turning every counted non-zero variance into a
// cycle_count movement. One transaction; the session row stays locked so a
// racing second commit observes completed and fails.
func (s *Service) Commit(ctx context.Context, sessionID, actorID int64, idemKey string) (CommitResult, error) {
	method, err := s.ledger.CostMethod(ctx)
	if err != nil {
		return CommitResult{}, err
	}

	insertedKey := false
	if s.idempotency != nil && idemKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "cyclecount.commit"); err != nil {
			return CommitResult{}, err
		}
		insertedKey = true
	}

	var result CommitResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.countable() {
			return &InvalidStateError{SessionID: sessionID, Status: session.Status, Action: "commit"}
		}

		lines := make([]Line, len(session.Lines))
		copy(lines, session.Lines)
		sort.Slice(lines, func(a, b int) bool {
			return lines[a].key().Less(lines[b].key())
		})
		for _, line := range lines {
			if line.CountedQuantity == nil || line.Variance == 0 {
				result.Skipped++
				continue
			}
			_, err := s.ledger.ApplyMovementTx(ctx, tx.Stock(), method, stock.MovementInput{
				Key:       line.key(),
				Type:      stock.MovementCycleCount,
				Quantity:  line.Variance,
				Reason:    fmt.Sprintf("cycle count %q variance", session.Name),
				Reference: stock.Reference{Type: "cycle_count_session", ID: strconv.FormatInt(sessionID, 10)},
				ActorID:   actorID,
			})
			if err != nil {
				return err
			}
			result.Committed++
		}
		return tx.UpdateSessionStatus(ctx, sessionID, StatusCompleted, time.Now().UTC())
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return CommitResult{}, err
	}
	s.recordAudit(ctx, sessionID, actorID, "cycle_count.commit", map[string]any{
		"committed": result.Committed,
		"skipped":   result.Skipped,
	})
	return result, nil
}

// Cancel abandons a draft or in-progress session with no stock effect.
func (s *Service) Cancel(ctx context.Context, sessionID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.Status.countable() {
			return &InvalidStateError{SessionID: sessionID, Status: session.Status, Action: "cancel"}
		}
		return tx.UpdateSessionStatus(ctx, sessionID, StatusCancelled, time.Time{})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, sessionID, actorID, "cycle_count.cancel", nil)
	return nil
}

// Get loads a session with its lines.
func (s *Service) Get(ctx context.Context, sessionID int64) (Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

func (l Line) key() stock.LevelKey {
	return stock.LevelKey{ProductID: l.ProductID, VariantID: l.VariantID, LocationID: l.LocationID}
}

func (s *Service) recordAudit(ctx context.Context, sessionID, actorID int64, action string, changes map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditRecord{
		EntityType: "cycle_count_session",
		EntityID:   strconv.FormatInt(sessionID, 10),
		Action:     action,
		Changes:    changes,
		ActorID:    actorID,
	})
}
