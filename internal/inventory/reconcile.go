package inventory

import (
	"context"
	"log/slog"
	"time"
)

// MovementSource reports stored quantities next to ledger totals.
type MovementSource interface {
	StockMovements(ctx context.Context) ([]Movement, error)
}

// Reconciler checks that every quantity-on-hand equals opening stock plus
// purchased minus sold quantities. Drift is reported, never repaired.
type Reconciler struct {
	source MovementSource
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler builds a Reconciler.
func NewReconciler(source MovementSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{source: source, logger: logger, now: time.Now}
}

// Check runs one reconciliation pass.
func (r *Reconciler) Check(ctx context.Context) (ReconcileReport, error) {
	movements, err := r.source.StockMovements(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{CheckedAt: r.now().UTC(), Products: len(movements), Drifts: []Drift{}}
	for _, m := range movements {
		expected := m.Expected()
		if m.Quantity == expected {
			continue
		}
		drift := Drift{Movement: m, ExpectedQuantity: expected, Difference: m.Quantity - expected}
		report.Drifts = append(report.Drifts, drift)
		r.logger.Error("stock drift detected",
			slog.Int64("product_id", m.ProductID),
			slog.String("name", m.Name),
			slog.Int64("quantity", m.Quantity),
			slog.Int64("expected", expected))
	}
	if len(report.Drifts) == 0 {
		r.logger.Info("stock reconciled", slog.Int("products", report.Products))
	}
	return report, nil
}
