package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/pricing"
)

// Repository is the read model behind the reports. Each call must observe a
// single committed snapshot.
type Repository interface {
	// StockSnapshot returns every product ordered by id.
	StockSnapshot(ctx context.Context) ([]catalog.Product, error)
	// KindTotals sums transaction totals per kind posted in [from, to).
	KindTotals(ctx context.Context, from, to time.Time) ([]KindTotal, error)
	// SalesByProduct aggregates sale lines posted in [from, to).
	SalesByProduct(ctx context.Context, from, to time.Time) ([]ProductSales, error)
}

// Service coordinates report queries with the cache layer.
type Service struct {
	repo   Repository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a Repository with an optional Cache.
func NewService(repo Repository, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger.With(slog.String("component", "reporting")), now: time.Now}
}

// StockValuation values current stock at catalog prices. It is never cached.
func (s *Service) StockValuation(ctx context.Context) (Valuation, error) {
	products, err := s.repo.StockSnapshot(ctx)
	if err != nil {
		return Valuation{}, fmt.Errorf("reporting: stock snapshot: %w", err)
	}
	out := Valuation{
		AsOf:             s.now().UTC(),
		Lines:            make([]ValuationLine, 0, len(products)),
		TotalCost:        decimal.Zero,
		PotentialRevenue: decimal.Zero,
	}
	for _, p := range products {
		line := ValuationLine{
			ProductID:        p.ID,
			Name:             p.Name,
			Category:         p.Category,
			Quantity:         p.Quantity,
			PurchasePrice:    p.PurchasePrice,
			SellingPrice:     p.SellingPrice,
			CostValue:        pricing.Extend(p.Quantity, p.PurchasePrice),
			PotentialRevenue: pricing.Extend(p.Quantity, p.SellingPrice),
		}
		out.Lines = append(out.Lines, line)
		out.TotalQuantity += p.Quantity
		out.TotalCost = out.TotalCost.Add(line.CostValue)
		out.PotentialRevenue = out.PotentialRevenue.Add(line.PotentialRevenue)
	}
	return out, nil
}

// ProfitAndLoss reports revenue, cost and gross profit over [from, to).
// Zero bounds are open.
func (s *Service) ProfitAndLoss(ctx context.Context, from, to time.Time) (ProfitAndLoss, error) {
	if err := validateRange(from, to); err != nil {
		return ProfitAndLoss{}, err
	}
	var out ProfitAndLoss
	err := s.cached(ctx, &out, []string{"reporting", "pnl", rangeToken(from), rangeToken(to)}, func(ctx context.Context) (any, error) {
		return s.loadProfitAndLoss(ctx, from, to)
	})
	return out, err
}

func (s *Service) loadProfitAndLoss(ctx context.Context, from, to time.Time) (ProfitAndLoss, error) {
	totals, err := s.repo.KindTotals(ctx, from, to)
	if err != nil {
		return ProfitAndLoss{}, fmt.Errorf("reporting: kind totals: %w", err)
	}
	out := ProfitAndLoss{From: from, To: to, Revenue: decimal.Zero, Cost: decimal.Zero}
	for _, t := range totals {
		switch t.Kind {
		case ledger.KindSale:
			out.Revenue = out.Revenue.Add(t.Total)
			out.SaleCount += t.Count
		case ledger.KindPurchase:
			out.Cost = out.Cost.Add(t.Total)
			out.PurchaseCount += t.Count
		}
	}
	out.GrossProfit = out.Revenue.Sub(out.Cost)
	return out, nil
}

// SalesByProduct ranks products by revenue over [from, to), ties broken by
// product id.
func (s *Service) SalesByProduct(ctx context.Context, from, to time.Time) ([]ProductSales, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	out := []ProductSales{}
	err := s.cached(ctx, &out, []string{"reporting", "sales_by_product", rangeToken(from), rangeToken(to)}, func(ctx context.Context) (any, error) {
		rows, err := s.repo.SalesByProduct(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("reporting: sales by product: %w", err)
		}
		if rows == nil {
			rows = []ProductSales{}
		}
		sort.SliceStable(rows, func(i, j int) bool {
			if c := rows[i].Revenue.Cmp(rows[j].Revenue); c != 0 {
				return c > 0
			}
			return rows[i].ProductID < rows[j].ProductID
		})
		return rows, nil
	})
	return out, err
}

// HandleTransactionRecorded invalidates cached range reports.
func (s *Service) HandleTransactionRecorded(ctx context.Context, _ inventory.TransactionRecordedEvent) error {
	return s.Invalidate(ctx)
}

// Invalidate bumps the cache version.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

// cached serves dest from the cache, collapsing concurrent misses for the
// same key into one load. Cache failures degrade to a direct load.
func (s *Service) cached(ctx context.Context, dest any, parts []string, loader func(context.Context) (any, error)) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("report cache unavailable", slog.Any("error", err))
		return s.cache.Load(ctx, dest, loader)
	}
	raw, err, _ := s.group.Do(key, func() (any, error) {
		return s.cache.FetchRaw(ctx, key, loader)
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

func validateRange(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return ErrInvalidRange
	}
	return nil
}

func rangeToken(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
