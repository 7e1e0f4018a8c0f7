package settings

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

type fakeRepo struct {
	method costing.Method
	reads  int
}

func (r *fakeRepo) GetCostMethod(ctx context.Context) (costing.Method, error) {
	r.reads++
	return r.method, nil
}

func (r *fakeRepo) SetCostMethod(ctx context.Context, method costing.Method) error {
	r.method = method
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := &fakeRepo{method: costing.MethodNone}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, client, nil, logger, time.Minute), repo, server
}

func TestCostMethodCachesReads(t *testing.T) {
	service, repo, _ := newTestService(t)
	repo.method = costing.MethodFIFO
	ctx := context.Background()

	method, err := service.CostMethod(ctx)
	require.NoError(t, err)
	require.Equal(t, costing.MethodFIFO, method)
	require.Equal(t, 1, repo.reads)

	// second read served from cache
	method, err = service.CostMethod(ctx)
	require.NoError(t, err)
	require.Equal(t, costing.MethodFIFO, method)
	require.Equal(t, 1, repo.reads)
}

func TestCostMethodCacheExpires(t *testing.T) {
	service, repo, server := newTestService(t)
	repo.method = costing.MethodLastCost
	ctx := context.Background()

	_, err := service.CostMethod(ctx)
	require.NoError(t, err)

	server.FastForward(2 * time.Minute)

	_, err = service.CostMethod(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, repo.reads)
}

func TestUpdateInvalidatesCache(t *testing.T) {
	service, repo, _ := newTestService(t)
	repo.method = costing.MethodNone
	ctx := context.Background()

	method, err := service.CostMethod(ctx)
	require.NoError(t, err)
	require.Equal(t, costing.MethodNone, method)

	_, err = service.UpdateCostMethod(ctx, "weighted_average", 1)
	require.NoError(t, err)

	method, err = service.CostMethod(ctx)
	require.NoError(t, err)
	require.Equal(t, costing.MethodWeightedAverage, method)
}

func TestUpdateRejectsUnknownMethod(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.UpdateCostMethod(context.Background(), "lifo", 1)
	require.ErrorIs(t, err, ErrInvalidMethod)
}

func TestCostMethodDropsPoisonedCache(t *testing.T) {
	service, repo, server := newTestService(t)
	repo.method = costing.MethodFIFO
	require.NoError(t, server.Set("meridian:settings:cost_update_method", "garbage"))

	method, err := service.CostMethod(context.Background())
	require.NoError(t, err)
	require.Equal(t, costing.MethodFIFO, method)
}
