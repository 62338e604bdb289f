package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository reads committed ledger entries.
type Repository interface {
	Get(ctx context.Context, id int64) (Transaction, error)
	ListBetween(ctx context.Context, filter Filter) ([]Transaction, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL ledger reader.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const headerColumns = `id, code, kind, counterparty, invoice_ref, total, actor_id, posted_at`

func (r *repository) Get(ctx context.Context, id int64) (Transaction, error) {
	var out Transaction
	err := db.WithReadTx(ctx, r.pool, func(tx pgx.Tx) error {
		t, err := scanHeader(tx.QueryRow(ctx, `SELECT `+headerColumns+` FROM ledger_transactions WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
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

func (r *repository) ListBetween(ctx context.Context, filter Filter) ([]Transaction, error) {
	var out []Transaction
	err := db.WithReadTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+headerColumns+` FROM ledger_transactions
WHERE ($1 = '' OR kind = $1)
  AND posted_at >= COALESCE($2, '-infinity'::timestamptz)
  AND posted_at <  COALESCE($3, 'infinity'::timestamptz)
ORDER BY posted_at DESC, id DESC
LIMIT $4`, string(filter.Kind), nullFrom(filter), nullTo(filter), nullLimit(filter.Limit))
		if err != nil {
			return fmt.Errorf("ledger: list transactions: %w", err)
		}
		headers := []Transaction{}
		ids := []int64{}
		for rows.Next() {
			t, err := scanHeader(rows)
			if err != nil {
				rows.Close()
				return err
			}
			headers = append(headers, t)
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
		for i := range headers {
			headers[i].Lines = lines[headers[i].ID]
		}
		out = headers
		return nil
	})
	return out, err
}

// AppendTx inserts t and its lines inside tx and returns the stored copy.
// Code, Kind and PostedAt must already be set by the caller.
func AppendTx(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	err := tx.QueryRow(ctx, `INSERT INTO ledger_transactions (code, kind, counterparty, invoice_ref, total, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		t.Code, string(t.Kind), t.Counterparty, t.InvoiceRef, t.Total, t.ActorID, t.PostedAt).Scan(&t.ID)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: insert transaction: %w", err)
	}
	lines := make([]LineItem, len(t.Lines))
	for i, line := range t.Lines {
		line.TransactionID = t.ID
		line.LineNo = i + 1
		err := tx.QueryRow(ctx, `INSERT INTO ledger_lines (tx_id, line_no, product_id, quantity, unit_price, subtotal)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			line.TransactionID, line.LineNo, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal).Scan(&line.ID)
		if err != nil {
			return Transaction{}, fmt.Errorf("ledger: insert line %d: %w", line.LineNo, err)
		}
		lines[i] = line
	}
	t.Lines = lines
	return t, nil
}

func loadLines(ctx context.Context, tx pgx.Tx, ids []int64) (map[int64][]LineItem, error) {
	out := make(map[int64][]LineItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := tx.Query(ctx, `SELECT id, tx_id, line_no, product_id, quantity, unit_price, subtotal
FROM ledger_lines WHERE tx_id = ANY($1) ORDER BY tx_id, line_no`, ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: load lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line LineItem
		if err := rows.Scan(&line.ID, &line.TransactionID, &line.LineNo, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		out[line.TransactionID] = append(out[line.TransactionID], line)
	}
	return out, rows.Err()
}

func scanHeader(row pgx.Row) (Transaction, error) {
	var t Transaction
	var kind string
	if err := row.Scan(&t.ID, &t.Code, &kind, &t.Counterparty, &t.InvoiceRef, &t.Total, &t.ActorID, &t.PostedAt); err != nil {
		return Transaction{}, err
	}
	t.Kind = Kind(kind)
	t.PostedAt = t.PostedAt.UTC()
	return t, nil
}

func nullFrom(f Filter) any {
	if f.From.IsZero() {
		return nil
	}
	return f.From
}

func nullTo(f Filter) any {
	if f.To.IsZero() {
		return nil
	}
	return f.To
}

// nullLimit maps 0 to LIMIT NULL, which PostgreSQL treats as no limit.
func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
