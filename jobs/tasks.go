package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryReconcile compares stored quantities with the ledger.
	TaskInventoryReconcile = "inventory:reconcile"
	// TaskReportingCacheBump invalidates cached range reports.
	TaskReportingCacheBump = "reporting:cache-bump"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReconcilePayload carries scheduling metadata.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// CacheBumpPayload names what triggered the bump.
type CacheBumpPayload struct {
	Reason          string `json:"reason"`
	TransactionCode string `json:"transaction_code,omitempty"`
}

// IdempotencyCleanupPayload sets how long keys are kept.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewReconcileTask constructs an Asynq task for a reconciliation pass.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskInventoryReconcile, ReconcilePayload{ScheduledFor: at})
}

// NewCacheBumpTask constructs an Asynq task that invalidates report caches.
func NewCacheBumpTask(reason, code string) (*asynq.Task, error) {
	return newTask(TaskReportingCacheBump, CacheBumpPayload{Reason: reason, TransactionCode: code})
}

// NewIdempotencyCleanupTask constructs an Asynq task for key expiry.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}
