package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// StockChecker runs one reconciliation pass.
type StockChecker interface {
	Check(ctx context.Context) (inventory.ReconcileReport, error)
}

// ReconcileJob compares every product's quantity on hand with its ledger
// history. Drift is reported, never repaired.
type ReconcileJob struct {
	Checker StockChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(checker StockChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// Handle executes one pass. Detected drift does not fail the task, so
// asynq does not retry a pass that already reported.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Checker == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskInventoryReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if !payload.ScheduledFor.IsZero() {
		logger = logger.With(slog.String("scheduled_for", payload.ScheduledFor.Format(time.RFC3339)))
	}
	report, err := j.Checker.Check(ctx)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}
	j.Metrics.SetDrift(len(report.Drifts))
	logger.Info("reconcile finished",
		slog.Int("products", report.Products),
		slog.Int("drifts", len(report.Drifts)))
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryReconcile))
	}
	return slog.Default().With(slog.String("job", TaskInventoryReconcile))
}
