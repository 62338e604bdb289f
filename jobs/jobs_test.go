package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

type stubChecker struct {
	report inventory.ReconcileReport
	err    error
	calls  int
}

func (c *stubChecker) Check(ctx context.Context) (inventory.ReconcileReport, error) {
	c.calls++
	return c.report, c.err
}

type stubInvalidator struct{ calls int }

func (s *stubInvalidator) Invalidate(ctx context.Context) error {
	s.calls++
	return nil
}

type stubCleaner struct{ retention time.Duration }

func (s *stubCleaner) Cleanup(ctx context.Context, olderThan time.Duration) error {
	s.retention = olderThan
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTaskPayloads(t *testing.T) {
	at := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)
	task, err := NewReconcileTask(at)
	require.NoError(t, err)
	require.Equal(t, TaskInventoryReconcile, task.Type())
	var payload ReconcilePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.True(t, payload.ScheduledFor.Equal(at))

	bump, err := NewCacheBumpTask("manual", "")
	require.NoError(t, err)
	require.Equal(t, TaskReportingCacheBump, bump.Type())

	cleanup, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.JSONEq(t, `{"retention_hours":48}`, string(cleanup.Payload()))
}

func TestReconcileJobReportsDrift(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	checker := &stubChecker{report: inventory.ReconcileReport{
		Products: 3,
		Drifts:   []inventory.Drift{{ExpectedQuantity: 4, Difference: 1}},
	}}
	job := NewReconcileJob(checker, quiet(), metrics)

	task, err := NewReconcileTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, checker.calls)

	checker.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskInventoryReconcile, []byte("{"))), asynq.SkipRetry)
}

func TestReconcileJobRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	checker := &stubChecker{report: inventory.ReconcileReport{Products: 1, Drifts: []inventory.Drift{{}, {}}}}
	job := NewReconcileJob(checker, quiet(), metrics)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskInventoryReconcile, nil)))

	families, err := registry.Gather()
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, mf := range families {
		seen[mf.GetName()] = true
		switch mf.GetName() {
		case "stockledger_stock_drift_products":
			require.Equal(t, float64(2), mf.GetMetric()[0].GetGauge().GetValue())
		case "stockledger_jobs_total":
			require.Len(t, mf.GetMetric(), 1)
			require.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, seen["stockledger_jobs_total"])
}

func TestCacheBumpJob(t *testing.T) {
	reports := &stubInvalidator{}
	job := NewCacheBumpJob(reports, quiet(), nil)
	task, err := NewCacheBumpTask("transaction", "SAL-1")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, reports.calls)

	require.Error(t, (&CacheBumpJob{}).Handle(context.Background(), task))
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	store := &stubCleaner{}
	job := NewIdempotencyCleanupJob(store, quiet(), nil)
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, defaultKeyRetention, store.retention)

	task, err := NewIdempotencyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, store.retention)
}

func TestHealthWithoutInspector(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(nil, quiet()).health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())
}
