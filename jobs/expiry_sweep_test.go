package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

type fakeBatchPort struct {
	mu      sync.Mutex
	expired []batch.Batch
	written []int64
	failIDs map[int64]error
}

func (p *fakeBatchPort) ListExpired(ctx context.Context, asOf time.Time) ([]batch.Batch, error) {
	return p.expired, nil
}

func (p *fakeBatchPort) WriteOff(ctx context.Context, batchID, actorID int64) (stock.Movement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failIDs[batchID]; ok {
		return stock.Movement{}, err
	}
	p.written = append(p.written, batchID)
	return stock.Movement{Type: stock.MovementExpired, BatchID: batchID}, nil
}

func sweepTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewBatchExpirySweepTask(BatchExpirySweepPayload{MaxParallel: 2})
	require.NoError(t, err)
	return task
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpirySweepWritesOffAllExpired(t *testing.T) {
	port := &fakeBatchPort{expired: []batch.Batch{{ID: 1}, {ID: 2}, {ID: 3}}}
	job := NewBatchExpirySweepJob(port, discardLogger())

	require.NoError(t, job.Handle(context.Background(), sweepTask(t)))
	require.Len(t, port.written, 3)
}

func TestExpirySweepEmpty(t *testing.T) {
	port := &fakeBatchPort{}
	job := NewBatchExpirySweepJob(port, discardLogger())
	require.NoError(t, job.Handle(context.Background(), sweepTask(t)))
	require.Empty(t, port.written)
}

func TestExpirySweepSkipsRacedBatches(t *testing.T) {
	port := &fakeBatchPort{
		expired: []batch.Batch{{ID: 1}, {ID: 2}},
		failIDs: map[int64]error{
			2: &batch.WriteOffError{BatchID: 2, Status: batch.StatusDepleted},
		},
	}
	job := NewBatchExpirySweepJob(port, discardLogger())

	// a raced write-off is not a sweep failure
	require.NoError(t, job.Handle(context.Background(), sweepTask(t)))
	require.Equal(t, []int64{1}, port.written)
}

func TestExpirySweepReportsHardFailures(t *testing.T) {
	port := &fakeBatchPort{
		expired: []batch.Batch{{ID: 1}, {ID: 2}},
		failIDs: map[int64]error{2: errors.New("database down")},
	}
	job := NewBatchExpirySweepJob(port, discardLogger())

	require.Error(t, job.Handle(context.Background(), sweepTask(t)))
	require.Equal(t, []int64{1}, port.written)
}
