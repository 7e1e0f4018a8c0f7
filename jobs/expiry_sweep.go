package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// BatchPort is the slice of the batch service the sweep drives.
type BatchPort interface {
	ListExpired(ctx context.Context, asOf time.Time) ([]batch.Batch, error)
	WriteOff(ctx context.Context, batchID, actorID int64) (stock.Movement, error)
}

// BatchExpirySweepJob writes off expired lots that still hold stock. Each
// write-off runs through the ledger in its own transaction, so one failing lot
// never blocks the rest of the sweep.
type BatchExpirySweepJob struct {
	Batches BatchPort
	Logger  *slog.Logger
	clock   func() time.Time
}

// NewBatchExpirySweepJob initialises the sweep handler.
func NewBatchExpirySweepJob(batches BatchPort, logger *slog.Logger) *BatchExpirySweepJob {
	return &BatchExpirySweepJob{
		Batches: batches,
		Logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *BatchExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Batches == nil {
		return errors.New("batch expiry sweep: handler not configured")
	}
	var payload BatchExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxParallel <= 0 {
		payload.MaxParallel = 4
	}

	start := j.clock()
	expired, err := j.Batches.ListExpired(ctx, start)
	if err != nil {
		j.Logger.Error("expiry sweep listing failed", slog.Any("error", err))
		return err
	}
	if len(expired) == 0 {
		j.Logger.Info("expiry sweep found nothing to write off")
		return nil
	}

	var writtenOff int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(payload.MaxParallel)
	results := make([]error, len(expired))
	for i, b := range expired {
		group.Go(func() error {
			_, err := j.Batches.WriteOff(groupCtx, b.ID, 0)
			results[i] = err
			return nil
		})
	}
	_ = group.Wait()

	failures := 0
	for i, err := range results {
		if err == nil {
			writtenOff++
			continue
		}
		var writeOffErr *batch.WriteOffError
		if errors.As(err, &writeOffErr) {
			// raced with a consuming movement, fine to skip
			continue
		}
		failures++
		j.Logger.Error("expiry write-off failed",
			slog.Int64("batch_id", expired[i].ID),
			slog.Any("error", err))
	}

	j.Logger.Info("expiry sweep completed",
		slog.Int("expired", len(expired)),
		slog.Int64("written_off", writtenOff),
		slog.Int("failures", failures),
		slog.Duration("duration", time.Since(start)))
	if failures > 0 {
		return errors.New("batch expiry sweep: some write-offs failed")
	}
	return nil
}
