package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

type stubRepo struct {
	products []catalog.Product
	totals   []KindTotal
	sales    []ProductSales
	calls    atomic.Int64
	gate     chan struct{}
	err      error
}

func (r *stubRepo) StockSnapshot(ctx context.Context) ([]catalog.Product, error) {
	r.calls.Add(1)
	return r.products, r.err
}

func (r *stubRepo) KindTotals(ctx context.Context, from, to time.Time) ([]KindTotal, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.totals, r.err
}

func (r *stubRepo) SalesByProduct(ctx context.Context, from, to time.Time) ([]ProductSales, error) {
	r.calls.Add(1)
	return append([]ProductSales(nil), r.sales...), r.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRedisCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestStockValuationSumsAndIsNeverCached(t *testing.T) {
	repo := &stubRepo{products: []catalog.Product{
		{ID: 1, Name: "A", Quantity: 6, PurchasePrice: dec("20.00"), SellingPrice: dec("50.00")},
		{ID: 2, Name: "B", Quantity: 3, PurchasePrice: dec("0.335"), SellingPrice: dec("1.005")},
	}}
	cache, _ := newRedisCache(t)
	svc := NewService(repo, cache, discard())

	v, err := svc.StockValuation(context.Background())
	require.NoError(t, err)
	require.Len(t, v.Lines, 2)
	require.Equal(t, int64(9), v.TotalQuantity)
	require.Equal(t, "121.01", v.TotalCost.StringFixed(2))
	require.Equal(t, "303.02", v.PotentialRevenue.StringFixed(2))

	_, err = svc.StockValuation(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), repo.calls.Load())
}

func TestProfitAndLossCachedUntilBump(t *testing.T) {
	repo := &stubRepo{totals: []KindTotal{
		{Kind: ledger.KindSale, Count: 1, Total: dec("1000.00")},
		{Kind: ledger.KindPurchase, Count: 2, Total: dec("400.00")},
	}}
	cache, mr := newRedisCache(t)
	svc := NewService(repo, cache, discard())
	ctx := context.Background()

	pnl, err := svc.ProfitAndLoss(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "600.00", pnl.GrossProfit.StringFixed(2))
	require.Equal(t, int64(2), pnl.PurchaseCount)

	repo.totals = nil
	cached, err := svc.ProfitAndLoss(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "600.00", cached.GrossProfit.StringFixed(2))
	require.Equal(t, int64(1), repo.calls.Load())

	require.NoError(t, svc.HandleTransactionRecorded(ctx, inventory.TransactionRecordedEvent{}))
	require.Equal(t, "2", mustGet(t, mr, cacheVersionKey))

	fresh, err := svc.ProfitAndLoss(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.True(t, fresh.Revenue.IsZero())
	require.True(t, fresh.GrossProfit.IsZero())
	require.Equal(t, int64(2), repo.calls.Load())
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	repo := &stubRepo{
		totals: []KindTotal{{Kind: ledger.KindSale, Count: 1, Total: dec("10.00")}},
		gate:   make(chan struct{}),
	}
	svc := NewService(repo, nil, discard())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]ProfitAndLoss, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.ProfitAndLoss(context.Background(), time.Time{}, time.Time{})
		}()
	}
	require.Eventually(t, func() bool { return repo.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()

	require.LessOrEqual(t, repo.calls.Load(), int64(callers))
	for i, pnl := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "10.00", pnl.Revenue.StringFixed(2))
	}
}

func TestCacheFailureFallsBackToRepository(t *testing.T) {
	repo := &stubRepo{totals: []KindTotal{{Kind: ledger.KindSale, Count: 1, Total: dec("5.00")}}}
	cache, mr := newRedisCache(t)
	mr.Close()
	svc := NewService(repo, cache, discard())

	pnl, err := svc.ProfitAndLoss(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "5.00", pnl.Revenue.StringFixed(2))
}

func TestSalesByProductRanking(t *testing.T) {
	repo := &stubRepo{sales: []ProductSales{
		{ProductID: 3, Name: "C", QuantitySold: 1, Revenue: dec("50.00")},
		{ProductID: 1, Name: "A", QuantitySold: 2, Revenue: dec("80.00")},
		{ProductID: 2, Name: "B", QuantitySold: 5, Revenue: dec("50.00")},
	}}
	svc := NewService(repo, nil, discard())

	rows, err := svc.SalesByProduct(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, []int64{rows[0].ProductID, rows[1].ProductID, rows[2].ProductID})
}

func TestRangeValidation(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, discard())
	now := time.Now()
	_, err := svc.ProfitAndLoss(context.Background(), now, now.Add(-time.Hour))
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = svc.SalesByProduct(context.Background(), now, now.Add(-time.Hour))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestRepositoryErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&stubRepo{err: boom}, nil, discard())
	_, err := svc.StockValuation(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = svc.ProfitAndLoss(context.Background(), time.Time{}, time.Time{})
	require.ErrorIs(t, err, boom)
}

func TestHandlerRoutes(t *testing.T) {
	repo := &stubRepo{
		totals: []KindTotal{{Kind: ledger.KindSale, Count: 1, Total: dec("1000.00")}},
		sales:  []ProductSales{{ProductID: 1, Name: "A", QuantitySold: 10, Revenue: dec("1000.00")}},
	}
	r := chi.NewRouter()
	NewHandler(discard(), NewService(repo, nil, discard())).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profit-loss?from=2024-01-01&to=2024-01-31", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pnl ProfitAndLoss
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pnl))
	require.Equal(t, "1000.00", pnl.Revenue.StringFixed(2))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sales-by-product", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"products"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profit-loss?from=2024-02-01&to=2024-01-01", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock-valuation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
