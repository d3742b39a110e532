package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile checks every balance against its movement ledger.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskInventoryValuation writes per-location valuation snapshots.
	TaskInventoryValuation = "inventory:valuation"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerReconcilePayload scopes a reconciliation run. Zero LocationID checks
// every location.
type LedgerReconcilePayload struct {
	LocationID  int64     `json:"location_id,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewLedgerReconcileTask builds a reconciliation task.
func NewLedgerReconcileTask(payload LedgerReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// InventoryValuationPayload carries scheduling metadata.
type InventoryValuationPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewInventoryValuationTask constructs the valuation snapshot task.
func NewInventoryValuationTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(InventoryValuationPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryValuation, body, asynq.Queue(QueueDefault)), nil
}
