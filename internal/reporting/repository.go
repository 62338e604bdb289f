package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL read model.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) StockSnapshot(ctx context.Context) ([]catalog.Product, error) {
	out := []catalog.Product{}
	err := db.WithReadTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+catalog.Columns()+` FROM products ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := catalog.ScanProduct(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (r *repository) KindTotals(ctx context.Context, from, to time.Time) ([]KindTotal, error) {
	rows, err := r.pool.Query(ctx, `SELECT kind, COUNT(*), COALESCE(SUM(total), 0)
FROM ledger_transactions
WHERE posted_at >= COALESCE($1, '-infinity'::timestamptz)
  AND posted_at <  COALESCE($2, 'infinity'::timestamptz)
GROUP BY kind`, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("reporting: kind totals: %w", err)
	}
	defer rows.Close()
	var out []KindTotal
	for rows.Next() {
		var t KindTotal
		var kind string
		if err := rows.Scan(&kind, &t.Count, &t.Total); err != nil {
			return nil, err
		}
		t.Kind = ledger.Kind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *repository) SalesByProduct(ctx context.Context, from, to time.Time) ([]ProductSales, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.product_id, p.name, SUM(l.quantity)::bigint, SUM(l.subtotal)
FROM ledger_lines l
JOIN ledger_transactions t ON t.id = l.tx_id
JOIN products p ON p.id = l.product_id
WHERE t.kind = 'SALE'
  AND t.posted_at >= COALESCE($1, '-infinity'::timestamptz)
  AND t.posted_at <  COALESCE($2, 'infinity'::timestamptz)
GROUP BY l.product_id, p.name
ORDER BY SUM(l.subtotal) DESC, l.product_id`, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("reporting: sales by product: %w", err)
	}
	defer rows.Close()
	out := []ProductSales{}
	for rows.Next() {
		var s ProductSales
		if err := rows.Scan(&s.ProductID, &s.Name, &s.QuantitySold, &s.Revenue); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
