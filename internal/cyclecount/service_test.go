package cyclecount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

type fakeRepo struct {
	sessions map[int64]*Session
	levels   map[stock.LevelKey]int64
	nextID   int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: map[int64]*Session{}, levels: map[stock.LevelKey]int64{}, nextID: 1}
}

type fakeTx struct {
	repo          *fakeRepo
	statusUpdates map[int64]SessionStatus
	lineUpdates   map[int64][2]int64 // counted, variance
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &fakeTx{repo: r, statusUpdates: map[int64]SessionStatus{}, lineUpdates: map[int64][2]int64{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, status := range tx.statusUpdates {
		r.sessions[id].Status = status
	}
	for lineID, update := range tx.lineUpdates {
		for _, session := range r.sessions {
			for i := range session.Lines {
				if session.Lines[i].ID == lineID {
					counted := update[0]
					session.Lines[i].CountedQuantity = &counted
					session.Lines[i].Variance = update[1]
				}
			}
		}
	}
	return nil
}

func (r *fakeRepo) GetSession(ctx context.Context, id int64) (Session, error) {
	session, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(*session), nil
}

func (r *fakeRepo) SnapshotLevels(ctx context.Context, locationID int64, keys []stock.LevelKey) ([]Line, error) {
	lines := make([]Line, 0, len(keys))
	for _, key := range keys {
		if key.LocationID == 0 {
			key.LocationID = locationID
		}
		lines = append(lines, Line{
			ProductID:      key.ProductID,
			VariantID:      key.VariantID,
			LocationID:     key.LocationID,
			SystemQuantity: r.levels[key],
		})
	}
	return lines, nil
}

func (tx *fakeTx) InsertSession(ctx context.Context, session Session) (int64, error) {
	session.ID = tx.repo.nextID
	tx.repo.nextID++
	session.CreatedAt = time.Now()
	stored := cloneSession(session)
	tx.repo.sessions[session.ID] = &stored
	return session.ID, nil
}

func (tx *fakeTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	line.ID = tx.repo.nextID
	tx.repo.nextID++
	session := tx.repo.sessions[line.SessionID]
	session.Lines = append(session.Lines, line)
	return line.ID, nil
}

func (tx *fakeTx) GetSessionForUpdate(ctx context.Context, id int64) (Session, error) {
	session, ok := tx.repo.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(*session), nil
}

func (tx *fakeTx) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	for _, session := range tx.repo.sessions {
		for _, line := range session.Lines {
			if line.ID == lineID {
				return line, nil
			}
		}
	}
	return Line{}, ErrNotFound
}

func (tx *fakeTx) UpdateLineCount(ctx context.Context, lineID, counted, variance int64) error {
	tx.lineUpdates[lineID] = [2]int64{counted, variance}
	return nil
}

func (tx *fakeTx) UpdateSessionStatus(ctx context.Context, id int64, status SessionStatus, completedAt time.Time) error {
	tx.statusUpdates[id] = status
	return nil
}

func (tx *fakeTx) Stock() stock.TxRepository { return nil }

func cloneSession(session Session) Session {
	lines := make([]Line, len(session.Lines))
	copy(lines, session.Lines)
	session.Lines = lines
	return session
}

type fakeLedger struct {
	movements []stock.MovementInput
}

func (l *fakeLedger) CostMethod(ctx context.Context) (costing.Method, error) {
	return costing.MethodNone, nil
}

func (l *fakeLedger) ApplyMovementTx(ctx context.Context, tx stock.TxRepository, method costing.Method, input stock.MovementInput) (stock.Movement, error) {
	l.movements = append(l.movements, input)
	return stock.Movement{ID: int64(len(l.movements)), Key: input.Key, Quantity: input.Quantity}, nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeLedger) {
	t.Helper()
	repo := newFakeRepo()
	ledger := &fakeLedger{}
	return NewService(repo, ledger, nil, nil), repo, ledger
}

func createSession(t *testing.T, service *Service, repo *fakeRepo) Session {
	t.Helper()
	repo.levels[stock.LevelKey{ProductID: 1, LocationID: 3}] = 10
	repo.levels[stock.LevelKey{ProductID: 2, LocationID: 3}] = 5
	session, err := service.Create(context.Background(), CreateInput{
		Name:       "march count",
		LocationID: 3,
		Keys: []stock.LevelKey{
			{ProductID: 1},
			{ProductID: 2},
		},
	})
	require.NoError(t, err)
	return session
}

func TestCreateSnapshotsQuantities(t *testing.T) {
	service, repo, _ := newTestService(t)
	session := createSession(t, service, repo)

	require.Equal(t, StatusDraft, session.Status)
	require.Len(t, session.Lines, 2)
	require.Equal(t, int64(10), session.Lines[0].SystemQuantity)
	require.Equal(t, int64(5), session.Lines[1].SystemQuantity)

	// later stock changes never touch the snapshot
	repo.levels[stock.LevelKey{ProductID: 1, LocationID: 3}] = 99
	loaded, err := service.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), loaded.Lines[0].SystemQuantity)
}

func TestUpdateLineComputesVariance(t *testing.T) {
	service, repo, _ := newTestService(t)
	session := createSession(t, service, repo)

	line, err := service.UpdateLine(context.Background(), session.ID, session.Lines[0].ID, 7)
	require.NoError(t, err)
	require.Equal(t, int64(-3), line.Variance)
	require.Equal(t, StatusInProgress, repo.sessions[session.ID].Status)
}

func TestCommitCreatesMovementsAndSkips(t *testing.T) {
	service, repo, ledger := newTestService(t)
	session := createSession(t, service, repo)
	ctx := context.Background()

	// line 0 counted with variance, line 1 counted with zero variance
	_, err := service.UpdateLine(ctx, session.ID, session.Lines[0].ID, 7)
	require.NoError(t, err)
	_, err = service.UpdateLine(ctx, session.ID, session.Lines[1].ID, 5)
	require.NoError(t, err)

	result, err := service.Commit(ctx, session.ID, 9, "")
	require.NoError(t, err)
	require.Equal(t, 1, result.Committed)
	require.Equal(t, 1, result.Skipped)
	require.Equal(t, StatusCompleted, repo.sessions[session.ID].Status)

	require.Len(t, ledger.movements, 1)
	movement := ledger.movements[0]
	require.Equal(t, stock.MovementCycleCount, movement.Type)
	require.Equal(t, int64(-3), movement.Quantity)
	require.Equal(t, "cycle_count_session", movement.Reference.Type)
}

func TestCommitSkipsUncountedLines(t *testing.T) {
	service, repo, ledger := newTestService(t)
	session := createSession(t, service, repo)

	result, err := service.Commit(context.Background(), session.ID, 9, "")
	require.NoError(t, err)
	require.Equal(t, 0, result.Committed)
	require.Equal(t, 2, result.Skipped)
	require.Empty(t, ledger.movements)
}

func TestCommitTwiceFails(t *testing.T) {
	service, repo, _ := newTestService(t)
	session := createSession(t, service, repo)
	ctx := context.Background()

	_, err := service.Commit(ctx, session.ID, 9, "")
	require.NoError(t, err)

	_, err = service.Commit(ctx, session.ID, 9, "")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, StatusCompleted, stateErr.Status)
}

func TestCancelHasNoStockEffect(t *testing.T) {
	service, repo, ledger := newTestService(t)
	session := createSession(t, service, repo)
	ctx := context.Background()

	_, err := service.UpdateLine(ctx, session.ID, session.Lines[0].ID, 7)
	require.NoError(t, err)

	require.NoError(t, service.Cancel(ctx, session.ID, 9))
	require.Equal(t, StatusCancelled, repo.sessions[session.ID].Status)
	require.Empty(t, ledger.movements)

	// no counting after cancel
	_, err = service.UpdateLine(ctx, session.ID, session.Lines[1].ID, 4)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}
