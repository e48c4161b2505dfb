package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries payment reconciliation, drained ahead of default.
	QueueCritical = "critical"
	// TaskMomoReconcile polls the provider for a callback that could not be matched.
	TaskMomoReconcile = "momo:reconcile"
	// TaskOverdueScan refreshes overdue invoice figures.
	TaskOverdueScan = "invoices:overdue-scan"
)

// MomoReconcilePayload identifies the payment to reconcile.
type MomoReconcilePayload struct {
	TransactionRef string `json:"transaction_ref"`
}

// NewMomoReconcileTask constructs a reconciliation task.
func NewMomoReconcileTask(ref string) (*asynq.Task, error) {
	if ref == "" {
		return nil, errors.New("momo reconcile: empty transaction ref")
	}
	data, err := json.Marshal(MomoReconcilePayload{TransactionRef: ref})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMomoReconcile, data), nil
}

// OverdueScanPayload configures an overdue scan. A zero AsOf means now.
type OverdueScanPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewOverdueScanTask constructs an overdue scan task.
func NewOverdueScanTask(payload OverdueScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueScan, data), nil
}
