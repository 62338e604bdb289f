package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists stock movements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction and
// translates lock and serialization failures into engine errors.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return translate(err)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsRetryable(err):
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	case db.IsLockTimeout(err):
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	case errors.Is(err, db.ErrCommitUncertain):
		return fmt.Errorf("%w: %v", ErrCommitUncertain, err)
	case db.ErrorCode(err) == db.CodeCheckViolation:
		return &InvariantViolationError{Reason: "storage rejected the write", Err: err}
	}
	return err
}

// LockProducts takes row locks in id order so concurrent writers touching
// overlapping products always queue in the same order.
func (t *txRepository) LockProducts(ctx context.Context, ids []int64, wait time.Duration) (map[int64]catalog.Product, error) {
	if wait > 0 {
		// SET does not accept bind parameters; the value is an integer.
		if _, err := t.tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", wait.Milliseconds())); err != nil {
			return nil, fmt.Errorf("inventory: set lock timeout: %w", err)
		}
	}
	rows, err := t.tx.Query(ctx, `SELECT `+catalog.Columns()+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("inventory: lock products: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]catalog.Product, len(ids))
	for rows.Next() {
		p, err := catalog.ScanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory: lock products: %w", err)
	}
	return out, nil
}

func (t *txRepository) UpdateStock(ctx context.Context, changes []StockChange) error {
	for _, change := range changes {
		tag, err := t.tx.Exec(ctx, `UPDATE products
SET quantity_on_hand = $2,
    purchase_price = CASE WHEN $3 THEN $4::numeric ELSE purchase_price END,
    updated_at = NOW()
WHERE id = $1`, change.ProductID, change.Quantity, change.UpdateCost, change.PurchasePrice)
		if err != nil {
			return fmt.Errorf("inventory: update stock for product %d: %w", change.ProductID, err)
		}
		if tag.RowsAffected() != 1 {
			return &InvariantViolationError{Reason: fmt.Sprintf("locked product %d vanished", change.ProductID)}
		}
	}
	return nil
}

func (t *txRepository) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	return ledger.AppendTx(ctx, t.tx, tx)
}

// StockMovements aggregates ledger quantities per product for reconciliation.
func (r *Repository) StockMovements(ctx context.Context) ([]Movement, error) {
	var out []Movement
	err := db.WithReadTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT p.id, p.name, p.quantity_on_hand, p.opening_quantity,
       COALESCE(SUM(l.quantity) FILTER (WHERE t.kind = 'PURCHASE'), 0)::bigint,
       COALESCE(SUM(l.quantity) FILTER (WHERE t.kind = 'SALE'), 0)::bigint
FROM products p
LEFT JOIN ledger_lines l ON l.product_id = p.id
LEFT JOIN ledger_transactions t ON t.id = l.tx_id
GROUP BY p.id
ORDER BY p.id`)
		if err != nil {
			return fmt.Errorf("inventory: stock movements: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m Movement
			if err := rows.Scan(&m.ProductID, &m.Name, &m.Quantity, &m.OpeningQuantity, &m.Purchased, &m.Sold); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}
