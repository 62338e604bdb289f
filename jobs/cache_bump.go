package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// Invalidator drops cached report results.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// CacheBumpJob invalidates report caches out of band, e.g. after a manual
// catalog price correction.
type CacheBumpJob struct {
	Reports Invalidator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCacheBumpJob initialises the cache bump handler.
func NewCacheBumpJob(reports Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheBumpJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheBumpJob{Reports: reports, Logger: logger, Metrics: metrics}
}

// Handle bumps the report cache version.
func (j *CacheBumpJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reports == nil {
		return errors.New("cache bump: handler not configured")
	}
	var payload CacheBumpPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskReportingCacheBump)
	if err := j.Reports.Invalidate(ctx); err != nil {
		j.Logger.Warn("report cache bump failed", slog.String("reason", payload.Reason), slog.Any("error", err))
		return tracker.End(err)
	}
	j.Logger.Info("report cache bumped",
		slog.String("reason", payload.Reason),
		slog.String("transaction_code", payload.TransactionCode))
	return tracker.End(nil)
}
