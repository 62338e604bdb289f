package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/reporting"
)

const productColumns = `id, name, category, supplier, purchase_price, selling_price, quantity_on_hand, opening_quantity, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (catalog.Product, error) {
	var p catalog.Product
	var category, created, updated string
	if err := row.Scan(&p.ID, &p.Name, &category, &p.Supplier, &p.PurchasePrice, &p.SellingPrice, &p.Quantity, &p.OpeningQuantity, &created, &updated); err != nil {
		return catalog.Product{}, err
	}
	p.Category = catalog.Category(category)
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return catalog.Product{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

type catalogView struct{ s *Store }

func (v catalogView) List(ctx context.Context, filter catalog.ListFilter) ([]catalog.Product, error) {
	var where []string
	var args []any
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Search != "" {
		where = append(where, "(name LIKE ? OR supplier LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	out := []catalog.Product{}
	err := v.s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlite: list products: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProduct(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (v catalogView) Get(ctx context.Context, id int64) (catalog.Product, error) {
	var p catalog.Product
	err := v.s.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		p, err = scanProduct(conn.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ErrNotFound
		}
		return err
	})
	return p, err
}

func (v catalogView) Create(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	now := v.s.now().UTC()
	err := v.s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO products (name, category, supplier, purchase_price, selling_price, quantity_on_hand, opening_quantity, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, p.Name, string(p.Category), p.Supplier, p.PurchasePrice.String(), p.SellingPrice.String(),
			p.Quantity, p.OpeningQuantity, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("sqlite: create product: %w", err)
		}
		p.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return catalog.Product{}, err
	}
	p.CreatedAt, p.UpdatedAt = now.Truncate(time.Microsecond), now.Truncate(time.Microsecond)
	return p, nil
}

func (v catalogView) Update(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	var out catalog.Product
	err := v.s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE products SET name = ?, category = ?, supplier = ?, purchase_price = ?, selling_price = ?, updated_at = ? WHERE id = ?`,
			p.Name, string(p.Category), p.Supplier, p.PurchasePrice.String(), p.SellingPrice.String(), formatTime(v.s.now()), p.ID)
		if err != nil {
			return fmt.Errorf("sqlite: update product: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return catalog.ErrNotFound
		}
		out, err = scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, p.ID))
		return err
	})
	return out, err
}

func (v catalogView) Delete(ctx context.Context, id int64) error {
	return v.s.inTx(ctx, func(tx *sql.Tx) error {
		var referenced bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_lines WHERE product_id = ?)`, id).Scan(&referenced); err != nil {
			return err
		}
		if referenced {
			return catalog.ErrProductInUse
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
		if isForeignKeyFailure(err) {
			return catalog.ErrProductInUse
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return catalog.ErrNotFound
		}
		return nil
	})
}

type ledgerView struct{ s *Store }

const headerColumns = `id, code, kind, counterparty, invoice_ref, total, actor_id, posted_at`

func scanHeader(row scanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	var kind, posted string
	if err := row.Scan(&t.ID, &t.Code, &kind, &t.Counterparty, &t.InvoiceRef, &t.Total, &t.ActorID, &posted); err != nil {
		return ledger.Transaction{}, err
	}
	t.Kind = ledger.Kind(kind)
	var err error
	t.PostedAt, err = parseTime(posted)
	return t, err
}

func (v ledgerView) Get(ctx context.Context, id int64) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := v.s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanHeader(tx.QueryRowContext(ctx, `SELECT `+headerColumns+` FROM ledger_transactions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		if err != nil {
			return err
		}
		lines, err := loadLines(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		t.Lines = lines[id]
		out = t
		return nil
	})
	return out, err
}

func (v ledgerView) ListBetween(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	out := []ledger.Transaction{}
	err := v.s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+headerColumns+` FROM ledger_transactions
WHERE (? = '' OR kind = ?) AND posted_at >= ? AND posted_at < ?
ORDER BY posted_at DESC, id DESC
LIMIT ?`, string(filter.Kind), string(filter.Kind), timeArg(filter.From, ""), timeArg(filter.To, "9999"), limit)
		if err != nil {
			return fmt.Errorf("sqlite: list transactions: %w", err)
		}
		var ids []int64
		for rows.Next() {
			t, err := scanHeader(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, t)
			ids = append(ids, t.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		lines, err := loadLines(ctx, tx, ids)
		if err != nil {
			return err
		}
		for i := range out {
			out[i].Lines = lines[out[i].ID]
		}
		return nil
	})
	return out, err
}

func loadLines(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64][]ledger.LineItem, error) {
	out := make(map[int64][]ledger.LineItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, tx_id, line_no, product_id, quantity, unit_price, subtotal
FROM ledger_lines WHERE tx_id IN (`+placeholders(len(ids))+`) ORDER BY tx_id, line_no`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line ledger.LineItem
		if err := rows.Scan(&line.ID, &line.TransactionID, &line.LineNo, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		out[line.TransactionID] = append(out[line.TransactionID], line)
	}
	return out, rows.Err()
}

type reportingView struct{ s *Store }

func (v reportingView) StockSnapshot(ctx context.Context) ([]catalog.Product, error) {
	return v.s.Catalog().List(ctx, catalog.ListFilter{})
}

func (v reportingView) KindTotals(ctx context.Context, from, to time.Time) ([]reporting.KindTotal, error) {
	totals := map[ledger.Kind]*reporting.KindTotal{}
	err := v.s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT kind, total FROM ledger_transactions WHERE posted_at >= ? AND posted_at < ?`,
			timeArg(from, ""), timeArg(to, "9999"))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var kind string
			var total decimal.Decimal
			if err := rows.Scan(&kind, &total); err != nil {
				return err
			}
			t, ok := totals[ledger.Kind(kind)]
			if !ok {
				t = &reporting.KindTotal{Kind: ledger.Kind(kind), Total: decimal.Zero}
				totals[t.Kind] = t
			}
			t.Count++
			t.Total = t.Total.Add(total)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
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
	byProduct := map[int64]*reporting.ProductSales{}
	seen := map[int64]struct{}{}
	err := v.s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT l.product_id, p.name, l.quantity, l.subtotal
FROM ledger_lines l
JOIN ledger_transactions t ON t.id = l.tx_id
JOIN products p ON p.id = l.product_id
WHERE t.kind = 'SALE' AND t.posted_at >= ? AND t.posted_at < ?`, timeArg(from, ""), timeArg(to, "9999"))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, qty int64
			var name string
			var subtotal decimal.Decimal
			if err := rows.Scan(&id, &name, &qty, &subtotal); err != nil {
				return err
			}
			row, ok := byProduct[id]
			if !ok {
				row = &reporting.ProductSales{ProductID: id, Name: name, Revenue: decimal.Zero}
				byProduct[id] = row
				seen[id] = struct{}{}
			}
			row.QuantitySold += qty
			row.Revenue = row.Revenue.Add(subtotal)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	out := make([]reporting.ProductSales, 0, len(byProduct))
	for _, id := range sortedIDs(seen) {
		out = append(out, *byProduct[id])
	}
	return out, nil
}
