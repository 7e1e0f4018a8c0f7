package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/purchasing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// PurchasingPort is the slice of the purchasing service the scan reads.
type PurchasingPort interface {
	ListOverdue(ctx context.Context, asOf time.Time) ([]purchasing.PurchaseOrder, error)
}

// AuditPort records the overdue findings.
type AuditPort interface {
	Record(ctx context.Context, record shared.AuditRecord) error
}

// PaymentOverdueScanJob finds purchase orders whose derived payment status is
// overdue and writes one audit record per finding. Payment status itself is
// never stored; the scan only surfaces it.
type PaymentOverdueScanJob struct {
	Purchasing PurchasingPort
	Audit      AuditPort
	Logger     *slog.Logger
	clock      func() time.Time
}

// NewPaymentOverdueScanJob initialises the scan handler.
func NewPaymentOverdueScanJob(purchasingPort PurchasingPort, audit AuditPort, logger *slog.Logger) *PaymentOverdueScanJob {
	return &PaymentOverdueScanJob{
		Purchasing: purchasingPort,
		Audit:      audit,
		Logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *PaymentOverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Purchasing == nil {
		return errors.New("payment overdue scan: handler not configured")
	}
	var payload PaymentOverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.clock()
	overdue, err := j.Purchasing.ListOverdue(ctx, start)
	if err != nil {
		j.Logger.Error("overdue scan failed", slog.Any("error", err))
		return err
	}

	for _, po := range overdue {
		outstanding := po.TotalAmount.Sub(po.AmountPaid)
		j.Logger.Warn("purchase order payment overdue",
			slog.Int64("po_id", po.ID),
			slog.String("po_number", po.PONumber),
			slog.String("outstanding", outstanding.StringFixed(2)),
			slog.Time("due", po.PaymentDueDate))
		if j.Audit != nil {
			_ = j.Audit.Record(ctx, shared.AuditRecord{
				EntityType: "purchase_order",
				EntityID:   strconv.FormatInt(po.ID, 10),
				Action:     "po.payment_overdue",
				Changes: map[string]any{
					"outstanding": outstanding.StringFixed(2),
					"due_date":    po.PaymentDueDate,
				},
			})
		}
	}

	j.Logger.Info("overdue scan completed",
		slog.Int("overdue", len(overdue)),
		slog.Duration("duration", time.Since(start)))
	return nil
}
