package memory_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/reporting"
	"github.com/odyssey-erp/stockledger/internal/store/memory"
)

type fixture struct {
	store     *memory.Store
	catalog   *catalog.Service
	engine    *inventory.Service
	ledger    *ledger.Service
	reports   *reporting.Service
	reconcile *inventory.Reconciler
}

func newFixture(t *testing.T, cfg inventory.ServiceConfig) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	reports := reporting.NewService(store.Reporting(), nil, logger)
	cfg.Logger = logger
	return fixture{
		store:     store,
		catalog:   catalog.NewService(store.Catalog()),
		engine:    inventory.NewService(store, nil, store, cfg, reports),
		ledger:    ledger.NewService(store.Ledger()),
		reports:   reports,
		reconcile: inventory.NewReconciler(store, logger),
	}
}

func (f fixture) product(t *testing.T, name string, qty int64, cost, price string) catalog.Product {
	t.Helper()
	p, err := f.catalog.Create(context.Background(), catalog.ProductInput{
		Name:            name,
		Category:        catalog.CategoryOther,
		PurchasePrice:   decimal.RequireFromString(cost),
		SellingPrice:    decimal.RequireFromString(price),
		OpeningQuantity: qty,
	})
	require.NoError(t, err)
	return p
}

func sell(productID, qty int64) inventory.SaleInput {
	return inventory.SaleInput{ActorID: "clerk", Items: []inventory.SaleItem{{ProductID: productID, Quantity: qty}}}
}

func TestScenarioAndReports(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	a := f.product(t, "A", 10, "20.00", "50.00")

	tx, err := f.engine.RecordSale(ctx, sell(a.ID, 4))
	require.NoError(t, err)
	require.True(t, tx.Total.Equal(decimal.RequireFromString("200.00")))

	got, err := f.catalog.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), got.Quantity)

	_, err = f.engine.RecordSale(ctx, sell(a.ID, 10))
	var short *inventory.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, inventory.InsufficientStockError{ProductID: a.ID, Requested: 10, Available: 6}, *short)

	stored, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, tx.Code, stored.Code)
	require.NoError(t, stored.Verify())

	valuation, err := f.reports.StockValuation(ctx)
	require.NoError(t, err)
	require.Len(t, valuation.Lines, 1)
	require.True(t, valuation.TotalCost.Equal(decimal.RequireFromString("120.00")))
	require.True(t, valuation.PotentialRevenue.Equal(decimal.RequireFromString("300.00")))

	again, err := f.reports.StockValuation(ctx)
	require.NoError(t, err)
	require.Equal(t, valuation.Lines, again.Lines, "valuation is a pure read")
}

func TestProfitAndLossExample(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	p := f.product(t, "Kettle", 0, "40.00", "100.00")

	_, err := f.engine.RecordPurchase(ctx, inventory.PurchaseInput{
		ActorID: "buyer",
		Items:   []inventory.PurchaseItem{{ProductID: p.ID, Quantity: 10, UnitCost: decimal.RequireFromString("40.00")}},
	})
	require.NoError(t, err)
	_, err = f.engine.RecordSale(ctx, sell(p.ID, 10))
	require.NoError(t, err)

	pnl, err := f.reports.ProfitAndLoss(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "1000.00", pnl.Revenue.StringFixed(2))
	require.Equal(t, "400.00", pnl.Cost.StringFixed(2))
	require.Equal(t, "600.00", pnl.GrossProfit.StringFixed(2))

	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	empty, err := f.reports.ProfitAndLoss(ctx, past, past.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.True(t, empty.Revenue.IsZero())
	require.True(t, empty.Cost.IsZero())
	require.True(t, empty.GrossProfit.IsZero())

	sales, err := f.reports.SalesByProduct(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	require.Equal(t, int64(10), sales[0].QuantitySold)
	require.Equal(t, "Kettle", sales[0].Name)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{LockTimeout: 5 * time.Second})
	ctx := context.Background()
	p := f.product(t, "Hot item", 50, "1.00", "2.00")

	var committed, rejected atomic.Int64
	var g errgroup.Group
	for i := 0; i < 120; i++ {
		g.Go(func() error {
			_, err := f.engine.RecordSale(ctx, sell(p.ID, 1))
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(50), committed.Load())
	require.Equal(t, int64(70), rejected.Load())

	got, err := f.catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Zero(t, got.Quantity)

	sales, err := f.ledger.ListBetween(ctx, ledger.KindSale, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sales, 50)

	report, err := f.reconcile.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Drifts)
}

func TestOverlappingProductSetsDoNotDeadlock(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{LockTimeout: 5 * time.Second})
	ctx := context.Background()
	a := f.product(t, "A", 1000, "1.00", "2.00")
	b := f.product(t, "B", 1000, "1.00", "2.00")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 50; i++ {
		first, second := a.ID, b.ID
		if i%2 == 1 {
			first, second = second, first
		}
		g.Go(func() error {
			_, err := f.engine.RecordSale(gctx, inventory.SaleInput{ActorID: "clerk", Items: []inventory.SaleItem{
				{ProductID: first, Quantity: 1},
				{ProductID: second, Quantity: 2},
			}})
			return err
		})
		g.Go(func() error {
			_, err := f.engine.RecordPurchase(gctx, inventory.PurchaseInput{ActorID: "buyer", Items: []inventory.PurchaseItem{
				{ProductID: second, Quantity: 1, UnitCost: decimal.RequireFromString("1.00")},
			}})
			return err
		})
	}
	require.NoError(t, g.Wait())

	report, err := f.reconcile.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Products)
	require.Empty(t, report.Drifts)

	gotA, err := f.catalog.Get(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := f.catalog.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2000-150+50), gotA.Quantity+gotB.Quantity)
}

func TestLockWaitTimesOut(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{LockTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	p := f.product(t, "Busy", 5, "1.00", "2.00")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.store.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
			if _, err := tx.LockProducts(ctx, []int64{p.ID}, 0); err != nil {
				return err
			}
			close(held)
			<-done
			return errors.New("rolled back")
		})
	}()
	<-held

	_, err := f.engine.RecordSale(ctx, sell(p.ID, 1))
	close(done)
	require.ErrorIs(t, err, inventory.ErrTimeout)

	got, err := f.catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Quantity)
}

func TestLockWaitCancelled(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{LockTimeout: time.Minute})
	ctx := context.Background()
	p := f.product(t, "Contended", 5, "1.00", "2.00")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.store.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
			if _, err := tx.LockProducts(ctx, []int64{p.ID}, 0); err != nil {
				return err
			}
			close(held)
			<-done
			return errors.New("rolled back")
		})
	}()
	<-held

	reqCtx, cancel := context.WithCancel(ctx)
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := f.engine.RecordSale(reqCtx, sell(p.ID, 1))
	close(done)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "cancelled", inventory.Outcome(err))

	got, err := f.catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Quantity)
}

func TestDeleteReferencedProduct(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	used := f.product(t, "Used", 3, "1.00", "2.00")
	unused := f.product(t, "Unused", 3, "1.00", "2.00")

	_, err := f.engine.RecordSale(ctx, sell(used.ID, 1))
	require.NoError(t, err)

	require.ErrorIs(t, f.catalog.Delete(ctx, used.ID), catalog.ErrProductInUse)
	require.NoError(t, f.catalog.Delete(ctx, unused.ID))
	_, err = f.catalog.Get(ctx, unused.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestLedgerNewestFirst(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	ctx := context.Background()
	p := f.product(t, "P", 10, "1.00", "2.00")

	var codes []string
	for i := 0; i < 3; i++ {
		tx, err := f.engine.RecordSale(ctx, sell(p.ID, 1))
		require.NoError(t, err)
		codes = append(codes, tx.Code)
	}
	txs, err := f.ledger.ListBetween(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	require.Equal(t, []string{codes[2], codes[1], codes[0]}, []string{txs[0].Code, txs[1].Code, txs[2].Code})

	_, err = f.ledger.ListBetween(ctx, "", time.Now(), time.Now().Add(-time.Hour))
	require.ErrorIs(t, err, ledger.ErrInvalidRange)
}

func TestIdempotencyKeys(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CheckAndInsert(ctx, "k", "inventory"))
	require.Error(t, store.CheckAndInsert(ctx, "k", "inventory"))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.CheckAndInsert(ctx, "k", "inventory"))
}
