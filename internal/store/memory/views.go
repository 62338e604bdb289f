package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/reporting"
)

type catalogView struct{ s *Store }

func (v catalogView) List(ctx context.Context, filter catalog.ListFilter) ([]catalog.Product, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := []catalog.Product{}
	skipped := 0
	for _, p := range v.s.sortedProducts() {
		if !matches(p, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (v catalogView) Get(ctx context.Context, id int64) (catalog.Product, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	p, ok := v.s.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (v catalogView) Create(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	p.ID = v.s.nextID(&v.s.nextProdID)
	now := v.s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.products[p.ID] = p
	return p, nil
}

// Update waits for the product lock so it never interleaves with a sale or
// purchase that already read the row.
func (v catalogView) Update(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	if err := v.s.acquire(ctx, p.ID, nil); err != nil {
		return catalog.Product{}, err
	}
	defer v.s.release(p.ID)
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	current, ok := v.s.products[p.ID]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	current.Name = p.Name
	current.Category = p.Category
	current.Supplier = p.Supplier
	current.PurchasePrice = p.PurchasePrice
	current.SellingPrice = p.SellingPrice
	current.UpdatedAt = v.s.now().UTC()
	v.s.products[p.ID] = current
	return current, nil
}

func (v catalogView) Delete(ctx context.Context, id int64) error {
	if err := v.s.acquire(ctx, id, nil); err != nil {
		return err
	}
	defer v.s.release(id)
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.products[id]; !ok {
		return catalog.ErrNotFound
	}
	if v.s.refs[id] > 0 {
		return catalog.ErrProductInUse
	}
	delete(v.s.products, id)
	return nil
}

type ledgerView struct{ s *Store }

func (v ledgerView) Get(ctx context.Context, id int64) (ledger.Transaction, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, tx := range v.s.txs {
		if tx.ID == id {
			return cloneTx(tx), nil
		}
	}
	return ledger.Transaction{}, ledger.ErrNotFound
}

func (v ledgerView) ListBetween(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	v.s.mu.RLock()
	out := []ledger.Transaction{}
	for _, tx := range v.s.txs {
		if filter.Kind != "" && tx.Kind != filter.Kind {
			continue
		}
		if !inRange(tx.PostedAt, filter.From, filter.To) {
			continue
		}
		out = append(out, cloneTx(tx))
	}
	v.s.mu.RUnlock()
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type reportingView struct{ s *Store }

func (v reportingView) StockSnapshot(ctx context.Context) ([]catalog.Product, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.sortedProducts(), nil
}

func (v reportingView) KindTotals(ctx context.Context, from, to time.Time) ([]reporting.KindTotal, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	totals := map[ledger.Kind]*reporting.KindTotal{}
	for _, tx := range v.s.txs {
		if !inRange(tx.PostedAt, from, to) {
			continue
		}
		t, ok := totals[tx.Kind]
		if !ok {
			t = &reporting.KindTotal{Kind: tx.Kind, Total: decimal.Zero}
			totals[tx.Kind] = t
		}
		t.Count++
		t.Total = t.Total.Add(tx.Total)
	}
	out := make([]reporting.KindTotal, 0, len(totals))
	for _, kind := range []ledger.Kind{ledger.KindSale, ledger.KindPurchase} {
		if t, ok := totals[kind]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (v reportingView) SalesByProduct(ctx context.Context, from, to time.Time) ([]reporting.ProductSales, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	byProduct := map[int64]*reporting.ProductSales{}
	for _, tx := range v.s.txs {
		if tx.Kind != ledger.KindSale || !inRange(tx.PostedAt, from, to) {
			continue
		}
		for _, line := range tx.Lines {
			row, ok := byProduct[line.ProductID]
			if !ok {
				row = &reporting.ProductSales{ProductID: line.ProductID, Name: v.s.products[line.ProductID].Name, Revenue: decimal.Zero}
				byProduct[line.ProductID] = row
			}
			row.QuantitySold += line.Quantity
			row.Revenue = row.Revenue.Add(line.Subtotal)
		}
	}
	out := make([]reporting.ProductSales, 0, len(byProduct))
	for _, row := range byProduct {
		out = append(out, *row)
	}
	return out, nil
}

func sortNewestFirst(txs []ledger.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].PostedAt.Equal(txs[j].PostedAt) {
			return txs[i].PostedAt.After(txs[j].PostedAt)
		}
		return txs[i].ID > txs[j].ID
	})
}
