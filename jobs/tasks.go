package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBatchExpirySweep writes off expired lots still holding stock.
	TaskBatchExpirySweep = "inventory:batch_expiry_sweep"
	// TaskPaymentOverdueScan audits purchase orders whose payment ran overdue.
	TaskPaymentOverdueScan = "purchasing:payment_overdue_scan"
)

// BatchExpirySweepPayload tunes one sweep run.
type BatchExpirySweepPayload struct {
	// MaxParallel bounds concurrent write-offs. Zero means the default.
	MaxParallel int `json:"max_parallel"`
}

// NewBatchExpirySweepTask constructs an Asynq task.
func NewBatchExpirySweepTask(payload BatchExpirySweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchExpirySweep, data), nil
}

// PaymentOverdueScanPayload tunes one scan run.
type PaymentOverdueScanPayload struct{}

// NewPaymentOverdueScanTask constructs an Asynq task.
func NewPaymentOverdueScanTask(payload PaymentOverdueScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentOverdueScan, data), nil
}
