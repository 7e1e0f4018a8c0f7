package batch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

const testHorizon = 30 * 24 * time.Hour

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		remaining int64
		expiry    time.Time
		want      Status
	}{
		{"depleted wins over expiry", 0, now.Add(-time.Hour), StatusDepleted},
		{"expired", 5, now.Add(-time.Hour), StatusExpired},
		{"expires exactly now", 5, now, StatusExpired},
		{"expiring soon", 5, now.Add(10 * 24 * time.Hour), StatusExpiringSoon},
		{"active beyond horizon", 5, now.Add(60 * 24 * time.Hour), StatusActive},
		{"active without expiry", 5, time.Time{}, StatusActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(Batch{RemainingQuantity: tc.remaining, ExpirationDate: tc.expiry}, now, testHorizon)
			require.Equal(t, tc.want, got)
		})
	}
}

type fakeRepo struct {
	batches map[int64]*Batch
	nextID  int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{batches: map[int64]*Batch{}, nextID: 1}
}

type fakeTx struct {
	repo *fakeRepo
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &fakeTx{repo: r})
}

func (r *fakeRepo) GetBatch(ctx context.Context, id int64) (Batch, error) {
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return *b, nil
}

func (r *fakeRepo) ListBatches(ctx context.Context, productID, variantID int64) ([]Batch, error) {
	out := []Batch{}
	for _, b := range r.batches {
		if b.ProductID == productID && b.VariantID == variantID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListExpired(ctx context.Context, asOf time.Time) ([]Batch, error) {
	out := []Batch{}
	for _, b := range r.batches {
		if !b.ExpirationDate.IsZero() && !b.ExpirationDate.After(asOf) && b.RemainingQuantity > 0 {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (tx *fakeTx) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	b.ID = tx.repo.nextID
	tx.repo.nextID++
	stored := b
	tx.repo.batches[b.ID] = &stored
	return b.ID, nil
}

func (tx *fakeTx) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	return tx.repo.GetBatch(ctx, id)
}

func (tx *fakeTx) Stock() stock.TxRepository { return nil }

type fakeLedger struct {
	repo      *fakeRepo
	movements []stock.MovementInput
}

func (l *fakeLedger) CostMethod(ctx context.Context) (costing.Method, error) {
	return costing.MethodNone, nil
}

func (l *fakeLedger) ApplyMovementTx(ctx context.Context, tx stock.TxRepository, method costing.Method, input stock.MovementInput) (stock.Movement, error) {
	l.movements = append(l.movements, input)
	if input.BatchID != 0 && input.Quantity < 0 {
		b := l.repo.batches[input.BatchID]
		b.RemainingQuantity += input.Quantity
		if b.RemainingQuantity < 0 {
			b.RemainingQuantity = 0
		}
	}
	return stock.Movement{ID: int64(len(l.movements)), Key: input.Key, Type: input.Type, Quantity: input.Quantity}, nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeLedger) {
	t.Helper()
	repo := newFakeRepo()
	ledger := &fakeLedger{repo: repo}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, ledger, nil, logger, testHorizon), repo, ledger
}

func TestCreateRecordsPurchaseMovement(t *testing.T) {
	service, repo, ledger := newTestService(t)
	created, err := service.Create(context.Background(), CreateInput{
		ProductID:  1,
		LocationID: 3,
		LotNumber:  "LOT-001",
		Quantity:   20,
		UnitCost:   decimal.RequireFromString("1.50"),
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.Equal(t, int64(20), repo.batches[created.ID].RemainingQuantity)

	require.Len(t, ledger.movements, 1)
	movement := ledger.movements[0]
	require.Equal(t, stock.MovementPurchase, movement.Type)
	require.Equal(t, int64(20), movement.Quantity)
	require.Equal(t, "batch", movement.Reference.Type)
	require.NotNil(t, movement.UnitCost)
}

func TestCreateRejectsNonPositiveQuantity(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.Create(context.Background(), CreateInput{ProductID: 1, Quantity: 0})
	require.ErrorIs(t, err, ErrValidation)
}

func TestWriteOffExpiredBatch(t *testing.T) {
	service, repo, ledger := newTestService(t)
	repo.batches[7] = &Batch{
		ID: 7, ProductID: 1, LocationID: 3, LotNumber: "LOT-OLD",
		ExpirationDate:    time.Now().Add(-48 * time.Hour),
		OriginalQuantity:  10,
		RemainingQuantity: 6,
	}

	movement, err := service.WriteOff(context.Background(), 7, 9)
	require.NoError(t, err)
	require.Equal(t, stock.MovementExpired, movement.Type)
	require.Equal(t, int64(-6), movement.Quantity)
	require.Equal(t, int64(0), repo.batches[7].RemainingQuantity)
	require.Equal(t, int64(7), ledger.movements[0].BatchID)
}

func TestWriteOffRejectsActiveBatch(t *testing.T) {
	service, repo, _ := newTestService(t)
	repo.batches[7] = &Batch{
		ID: 7, ProductID: 1,
		ExpirationDate:    time.Now().Add(90 * 24 * time.Hour),
		RemainingQuantity: 6,
	}

	_, err := service.WriteOff(context.Background(), 7, 9)
	var writeOff *WriteOffError
	require.ErrorAs(t, err, &writeOff)
	require.Equal(t, StatusActive, writeOff.Status)
}

func TestWriteOffRejectsDepletedBatch(t *testing.T) {
	service, repo, _ := newTestService(t)
	repo.batches[7] = &Batch{
		ID: 7, ProductID: 1,
		ExpirationDate:    time.Now().Add(-time.Hour),
		RemainingQuantity: 0,
	}

	_, err := service.WriteOff(context.Background(), 7, 9)
	var writeOff *WriteOffError
	require.ErrorAs(t, err, &writeOff)
	require.Equal(t, StatusDepleted, writeOff.Status)
}

func TestListExpiredSkipsDepleted(t *testing.T) {
	service, repo, _ := newTestService(t)
	past := time.Now().Add(-time.Hour)
	repo.batches[1] = &Batch{ID: 1, ProductID: 1, ExpirationDate: past, RemainingQuantity: 5}
	repo.batches[2] = &Batch{ID: 2, ProductID: 1, ExpirationDate: past, RemainingQuantity: 0}
	repo.batches[3] = &Batch{ID: 3, ProductID: 1, RemainingQuantity: 5}

	expired, err := service.ListExpired(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, int64(1), expired[0].ID)
}
