package stock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

type productKey struct {
	productID int64
	variantID int64
}

type fakeRepo struct {
	levels    map[LevelKey]Level
	movements []Movement
	layers    []CostLayer
	costs     map[productKey]decimal.Decimal
	batches   map[int64]int64
	nextID    int64
	failOnTag string // InsertMovement fails when movement.Reason matches
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		levels:  map[LevelKey]Level{},
		costs:   map[productKey]decimal.Decimal{},
		batches: map[int64]int64{},
		nextID:  1,
	}
}

type fakeTx struct {
	repo *fakeRepo
	// copy-on-write state discarded when the callback errors
	levels    map[LevelKey]Level
	movements []Movement
	layers    []CostLayer
	costs     map[productKey]decimal.Decimal
	batches   map[int64]int64
	nextID    int64
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &fakeTx{
		repo:      r,
		levels:    map[LevelKey]Level{},
		costs:     map[productKey]decimal.Decimal{},
		batches:   map[int64]int64{},
		movements: append([]Movement{}, r.movements...),
		layers:    append([]CostLayer{}, r.layers...),
		nextID:    r.nextID,
	}
	for k, v := range r.levels {
		tx.levels[k] = v
	}
	for k, v := range r.costs {
		tx.costs[k] = v
	}
	for k, v := range r.batches {
		tx.batches[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.levels = tx.levels
	r.movements = tx.movements
	r.layers = tx.layers
	r.costs = tx.costs
	r.batches = tx.batches
	r.nextID = tx.nextID
	return nil
}

func (r *fakeRepo) GetLevel(ctx context.Context, key LevelKey) (Level, error) {
	level, ok := r.levels[key]
	if !ok {
		return Level{Key: key}, ErrLevelNotFound
	}
	return level, nil
}

func (r *fakeRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	out := []Movement{}
	for _, movement := range r.movements {
		if movement.Key == filter.Key {
			out = append(out, movement)
		}
	}
	return out, nil
}

func (r *fakeRepo) CountMovements(ctx context.Context, filter MovementFilter) (int, error) {
	movements, _ := r.ListMovements(ctx, filter)
	return len(movements), nil
}

func (tx *fakeTx) GetLevelForUpdate(ctx context.Context, key LevelKey) (Level, error) {
	level, ok := tx.levels[key]
	if !ok {
		return Level{Key: key}, ErrLevelNotFound
	}
	return level, nil
}

func (tx *fakeTx) UpsertLevel(ctx context.Context, level Level) error {
	tx.levels[level.Key] = level
	return nil
}

func (tx *fakeTx) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	if tx.repo.failOnTag != "" && movement.Reason == tx.repo.failOnTag {
		return 0, errors.New("insert failed")
	}
	movement.ID = tx.nextID
	tx.nextID++
	tx.movements = append(tx.movements, movement)
	return movement.ID, nil
}

func (tx *fakeTx) GetProductCostForUpdate(ctx context.Context, productID, variantID int64) (decimal.Decimal, error) {
	cost, ok := tx.costs[productKey{productID, variantID}]
	if !ok {
		return decimal.Zero, nil
	}
	return cost, nil
}

func (tx *fakeTx) UpdateProductCost(ctx context.Context, productID, variantID int64, cost decimal.Decimal) error {
	tx.costs[productKey{productID, variantID}] = cost
	return nil
}

func (tx *fakeTx) TotalOnHand(ctx context.Context, productID, variantID int64) (int64, error) {
	var total int64
	for key, level := range tx.levels {
		if key.ProductID == productID && key.VariantID == variantID {
			total += level.Quantity
		}
	}
	return total, nil
}

func (tx *fakeTx) InsertCostLayer(ctx context.Context, layer CostLayer) (int64, error) {
	layer.ID = tx.nextID
	tx.nextID++
	tx.layers = append(tx.layers, layer)
	return layer.ID, nil
}

func (tx *fakeTx) ListLayersForUpdate(ctx context.Context, key LevelKey) ([]CostLayer, error) {
	out := []CostLayer{}
	for _, layer := range tx.layers {
		if layer.Key == key {
			out = append(out, layer)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].ReceivedAt.Equal(out[b].ReceivedAt) {
			return out[a].ReceivedAt.Before(out[b].ReceivedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (tx *fakeTx) SetLayerRemaining(ctx context.Context, layerID, remaining int64) error {
	for i := range tx.layers {
		if tx.layers[i].ID == layerID {
			tx.layers[i].RemainingQuantity = remaining
		}
	}
	return nil
}

func (tx *fakeTx) AddBatchRemaining(ctx context.Context, batchID, delta int64) error {
	remaining := tx.batches[batchID] + delta
	if remaining < 0 {
		remaining = 0
	}
	tx.batches[batchID] = remaining
	return nil
}

type fakeSettings struct {
	method costing.Method
}

func (s *fakeSettings) CostMethod(ctx context.Context) (costing.Method, error) {
	return s.method, nil
}

type fakeMetrics struct {
	applied      map[string]int
	insufficient int
	faults       int
}

func (m *fakeMetrics) MovementApplied(movementType string) {
	if m.applied == nil {
		m.applied = map[string]int{}
	}
	m.applied[movementType]++
}

func (m *fakeMetrics) InsufficientStock() { m.insufficient++ }
func (m *fakeMetrics) ConsistencyFault() { m.faults++ }

func newTestLedger(t *testing.T, method costing.Method) (*Ledger, *fakeRepo, *fakeMetrics) {
	t.Helper()
	repo := newFakeRepo()
	metrics := &fakeMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := NewLedger(repo, &fakeSettings{method: method}, logger, metrics)
	return ledger, repo, metrics
}

func cost(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

var key13 = LevelKey{ProductID: 1, LocationID: 3}

func receive(t *testing.T, ledger *Ledger, key LevelKey, qty int64, unitCost string) Movement {
	t.Helper()
	movement, err := ledger.ApplyMovement(context.Background(), MovementInput{
		Key: key, Type: MovementPurchase, Quantity: qty, UnitCost: cost(unitCost),
	})
	require.NoError(t, err)
	return movement
}

func TestApplyMovementCreatesLevelLazily(t *testing.T) {
	ledger, repo, metrics := newTestLedger(t, costing.MethodNone)
	movement := receive(t, ledger, key13, 10, "2.00")

	require.Equal(t, int64(0), movement.PreviousQuantity)
	require.Equal(t, int64(10), movement.NewQuantity)
	level := repo.levels[key13]
	require.Equal(t, int64(10), level.Quantity)
	require.Equal(t, int64(10), level.AvailableQuantity)
	require.False(t, level.LastMovementAt.IsZero())
	require.Equal(t, 1, metrics.applied["purchase"])
}

func TestApplyMovementRejectsZeroAndUnknownType(t *testing.T) {
	ledger, _, _ := newTestLedger(t, costing.MethodNone)
	ctx := context.Background()

	_, err := ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementSale, Quantity: 0})
	require.ErrorIs(t, err, ErrZeroQuantity)

	_, err = ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: "theft", Quantity: -1})
	require.ErrorIs(t, err, ErrInvalidMovementType)
}

func TestApplyMovementInsufficientStock(t *testing.T) {
	ledger, repo, metrics := newTestLedger(t, costing.MethodNone)
	receive(t, ledger, key13, 5, "2.00")

	_, err := ledger.ApplyMovement(context.Background(), MovementInput{
		Key: key13, Type: MovementSale, Quantity: -6,
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(6), insufficient.Requested)
	require.Equal(t, int64(5), insufficient.Available)
	require.Equal(t, 1, metrics.insufficient)
	// nothing changed
	require.Equal(t, int64(5), repo.levels[key13].Quantity)
	require.Len(t, repo.movements, 1)
}

func TestMovementChainReplaysToLevel(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	ctx := context.Background()

	receive(t, ledger, key13, 10, "2.00")
	_, err := ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementSale, Quantity: -3})
	require.NoError(t, err)
	_, err = ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementAdjustment, Quantity: 2, Reason: "found on shelf"})
	require.NoError(t, err)
	_, err = ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementDamaged, Quantity: -1})
	require.NoError(t, err)

	movements, page, err := ledger.ListMovements(ctx, MovementFilter{Key: key13})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	var replayed int64
	for _, movement := range movements {
		require.Equal(t, movement.PreviousQuantity, replayed)
		replayed += movement.Quantity
		require.Equal(t, movement.NewQuantity, replayed)
	}
	require.Equal(t, repo.levels[key13].Quantity, replayed)
	require.Equal(t, int64(8), replayed)
}

func TestLastCostOverwritesProductCost(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodLastCost)
	receive(t, ledger, key13, 10, "2.00")
	receive(t, ledger, key13, 5, "3.50")

	require.True(t, repo.costs[productKey{1, 0}].Equal(decimal.RequireFromString("3.50")))
}

func TestWeightedAverageUsesPreMovementQuantity(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodWeightedAverage)
	receive(t, ledger, key13, 10, "5.00")
	require.True(t, repo.costs[productKey{1, 0}].Equal(decimal.RequireFromString("5.00")))

	receive(t, ledger, key13, 10, "7.00")
	// (10×5 + 10×7) / 20 — the just-received units must not double-count
	require.True(t, repo.costs[productKey{1, 0}].Equal(decimal.RequireFromString("6.00")),
		repo.costs[productKey{1, 0}].String())
}

func TestWeightedAverageSpansLocations(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodWeightedAverage)
	other := LevelKey{ProductID: 1, LocationID: 4}
	receive(t, ledger, key13, 5, "4.00")
	receive(t, ledger, other, 5, "4.00")

	receive(t, ledger, key13, 10, "7.00")
	// existing on-hand is 10 across both locations
	require.True(t, repo.costs[productKey{1, 0}].Equal(decimal.RequireFromString("5.50")),
		repo.costs[productKey{1, 0}].String())
}

func TestFIFOConsumesOldestFirst(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodFIFO)
	ctx := context.Background()
	receive(t, ledger, key13, 5, "2.00")
	receive(t, ledger, key13, 5, "3.00")
	require.Len(t, repo.layers, 2)

	movement, err := ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementSale, Quantity: -7})
	require.NoError(t, err)
	require.NotNil(t, movement.TotalCost)
	require.True(t, movement.TotalCost.Equal(decimal.RequireFromString("16.00")), movement.TotalCost.String())
	require.True(t, movement.UnitCost.Equal(decimal.RequireFromString("2.2857")), movement.UnitCost.String())

	layers, _ := (&fakeTx{repo: repo, layers: repo.layers}).ListLayersForUpdate(ctx, key13)
	require.Equal(t, int64(0), layers[0].RemainingQuantity)
	require.Equal(t, int64(3), layers[1].RemainingQuantity)
	// exhausted layer retained for audit
	require.Len(t, repo.layers, 2)
	// product cost follows the oldest open layer
	require.True(t, repo.costs[productKey{1, 0}].Equal(decimal.RequireFromString("3.00")))
}

func TestFIFOProductCostStaysOnOldestOpenLayerAfterReceipt(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodFIFO)
	receive(t, ledger, key13, 5, "2.00")
	receive(t, ledger, key13, 5, "9.00")

	// oldest layer still open, cost must not jump to the new receipt
	require.True(t, repo.costs[productKey{1, 0}].Equal(decimal.RequireFromString("2.00")))
}

func TestFIFOShortfallConsumesDeepestLayer(t *testing.T) {
	ledger, repo, metrics := newTestLedger(t, costing.MethodFIFO)
	ctx := context.Background()
	receive(t, ledger, key13, 5, "2.00")
	// simulate drift: level says more than layers cover
	level := repo.levels[key13]
	level.Quantity = 8
	level.AvailableQuantity = 8
	repo.levels[key13] = level

	movement, err := ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementSale, Quantity: -8})
	require.NoError(t, err)
	// 5@2 + 3@2 against the deepest layer
	require.True(t, movement.TotalCost.Equal(decimal.RequireFromString("16.00")), movement.TotalCost.String())
	require.Equal(t, 1, metrics.faults)
	require.Equal(t, int64(0), repo.levels[key13].Quantity)
}

func TestTransferMovesBothLegs(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	receive(t, ledger, key13, 10, "2.00")

	out, in, err := ledger.Transfer(context.Background(), TransferInput{
		ProductID: 1, SrcLocationID: 3, DstLocationID: 4, Quantity: 4,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-4), out.Quantity)
	require.Equal(t, int64(4), in.Quantity)
	require.Equal(t, out.Reference.ID, in.Reference.ID)
	require.NotEmpty(t, out.Reference.ID)
	require.Equal(t, int64(6), repo.levels[key13].Quantity)
	require.Equal(t, int64(4), repo.levels[LevelKey{ProductID: 1, LocationID: 4}].Quantity)
}

func TestTransferRollsBackBothLegs(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	receive(t, ledger, key13, 10, "2.00")
	repo.failOnTag = "restock shelf 4"

	_, _, err := ledger.Transfer(context.Background(), TransferInput{
		ProductID: 1, SrcLocationID: 3, DstLocationID: 4, Quantity: 4,
		Reason: "restock shelf 4",
	})
	require.Error(t, err)
	// outbound leg rolled back with the failed inbound leg
	require.Equal(t, int64(10), repo.levels[key13].Quantity)
	_, ok := repo.levels[LevelKey{ProductID: 1, LocationID: 4}]
	require.False(t, ok)
	require.Len(t, repo.movements, 1)
}

func TestTransferRejectsSameLocation(t *testing.T) {
	ledger, _, _ := newTestLedger(t, costing.MethodNone)
	_, _, err := ledger.Transfer(context.Background(), TransferInput{
		ProductID: 1, SrcLocationID: 3, DstLocationID: 3, Quantity: 4,
	})
	require.Error(t, err)
}

func TestTransferInsufficientSource(t *testing.T) {
	ledger, _, _ := newTestLedger(t, costing.MethodNone)
	receive(t, ledger, key13, 2, "2.00")

	_, _, err := ledger.Transfer(context.Background(), TransferInput{
		ProductID: 1, SrcLocationID: 3, DstLocationID: 4, Quantity: 5,
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
}

func TestReserveAndRelease(t *testing.T) {
	ledger, _, _ := newTestLedger(t, costing.MethodNone)
	ctx := context.Background()
	receive(t, ledger, key13, 10, "2.00")

	level, err := ledger.Reserve(ctx, key13, 6)
	require.NoError(t, err)
	require.Equal(t, int64(6), level.ReservedQuantity)
	require.Equal(t, int64(4), level.AvailableQuantity)

	// cannot reserve past on-hand
	_, err = ledger.Reserve(ctx, key13, 5)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	level, err = ledger.Release(ctx, key13, 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), level.ReservedQuantity)
	require.Equal(t, int64(6), level.AvailableQuantity)

	// cannot release more than reserved
	_, err = ledger.Release(ctx, key13, 5)
	require.ErrorIs(t, err, ErrReservationExceeded)
}

func TestOutboundCapsReservationToNewQuantity(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	ctx := context.Background()
	receive(t, ledger, key13, 10, "2.00")
	_, err := ledger.Reserve(ctx, key13, 8)
	require.NoError(t, err)

	_, err = ledger.ApplyMovement(ctx, MovementInput{Key: key13, Type: MovementSale, Quantity: -5})
	require.NoError(t, err)

	level := repo.levels[key13]
	require.Equal(t, int64(5), level.Quantity)
	require.Equal(t, int64(5), level.ReservedQuantity)
	require.Equal(t, int64(0), level.AvailableQuantity)
}

func TestBatchConsumptionDecrementsRemaining(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	ctx := context.Background()
	repo.batches[42] = 10
	receive(t, ledger, key13, 10, "2.00")

	_, err := ledger.ApplyMovement(ctx, MovementInput{
		Key: key13, Type: MovementSale, Quantity: -4, BatchID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, int64(6), repo.batches[42])

	// inbound with a batch id does not touch remaining
	_, err = ledger.ApplyMovement(ctx, MovementInput{
		Key: key13, Type: MovementReturn, Quantity: 2, BatchID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, int64(6), repo.batches[42])
}

func TestOutboundCostFallsBackToProductCost(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodLastCost)
	receive(t, ledger, key13, 10, "2.50")

	movement, err := ledger.ApplyMovement(context.Background(), MovementInput{
		Key: key13, Type: MovementSale, Quantity: -4,
	})
	require.NoError(t, err)
	require.NotNil(t, movement.UnitCost)
	require.True(t, movement.UnitCost.Equal(decimal.RequireFromString("2.50")))
	require.True(t, movement.TotalCost.Equal(decimal.RequireFromString("10.00")))
	require.Equal(t, int64(6), repo.levels[key13].Quantity)
}

func TestLevelNeverDeletedAtZero(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	receive(t, ledger, key13, 5, "2.00")
	_, err := ledger.ApplyMovement(context.Background(), MovementInput{
		Key: key13, Type: MovementSale, Quantity: -5,
	})
	require.NoError(t, err)

	level, ok := repo.levels[key13]
	require.True(t, ok)
	require.Equal(t, int64(0), level.Quantity)
}

func TestGetLevelUnknownKey(t *testing.T) {
	ledger, _, _ := newTestLedger(t, costing.MethodNone)
	_, err := ledger.GetLevel(context.Background(), key13)
	require.ErrorIs(t, err, ErrLevelNotFound)
}

func TestMovementTimestampsMonotonicPerKey(t *testing.T) {
	ledger, repo, _ := newTestLedger(t, costing.MethodNone)
	receive(t, ledger, key13, 3, "1.00")
	time.Sleep(time.Millisecond)
	receive(t, ledger, key13, 2, "1.00")

	require.Len(t, repo.movements, 2)
	require.False(t, repo.movements[1].CreatedAt.Before(repo.movements[0].CreatedAt))
}
