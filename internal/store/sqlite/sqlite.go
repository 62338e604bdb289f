/*
Package sqlite provides a SQLite-backed implementation of the stock ledger
storage ports for single-node deployments.

CONCURRENCY:

	Writers run in BEGIN IMMEDIATE transactions (_txlock=immediate), so a
	unit of work holds the database write lock from its first statement and
	product rows cannot change underneath it. The pool is limited to one
	connection; waiting for it is bounded by the lock timeout and reported as
	inventory.ErrLockTimeout. SQLITE_BUSY and SQLITE_LOCKED map to the same
	error.

APPEND-ONLY ENFORCEMENT:

	Triggers abort any UPDATE or DELETE on ledger tables.

MONEY:

	Amounts are stored as decimal TEXT and summed in Go, never as REAL.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/reporting"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements the storage ports using SQLite.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	now         func() time.Time
}

var (
	_ inventory.RepositoryPort  = (*Store)(nil)
	_ inventory.MovementSource  = (*Store)(nil)
	_ inventory.IdempotencyPort = (*Store)(nil)
	_ catalog.Repository        = catalogView{}
	_ ledger.Repository         = ledgerView{}
	_ reporting.Repository      = reportingView{}
)

// New opens (and migrates) the database at path. Use ":memory:" for a
// throwaway database.
func New(path string, lockTimeout time.Duration) (*Store, error) {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d", path, lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, lockTimeout: lockTimeout, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Catalog exposes the store as a catalog repository.
func (s *Store) Catalog() catalog.Repository { return catalogView{s} }

// Ledger exposes the store as a ledger reader.
func (s *Store) Ledger() ledger.Repository { return ledgerView{s} }

// Reporting exposes the store as the report read model.
func (s *Store) Reporting() reporting.Repository { return reportingView{s} }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		supplier TEXT NOT NULL DEFAULT '',
		purchase_price TEXT NOT NULL,
		selling_price TEXT NOT NULL,
		quantity_on_hand INTEGER NOT NULL CHECK (quantity_on_hand >= 0),
		opening_quantity INTEGER NOT NULL CHECK (opening_quantity >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK (kind IN ('SALE', 'PURCHASE')),
		counterparty TEXT NOT NULL DEFAULT '',
		invoice_ref TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		posted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_posted
		ON ledger_transactions(posted_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS ledger_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_id INTEGER NOT NULL REFERENCES ledger_transactions(id) ON DELETE RESTRICT,
		line_no INTEGER NOT NULL,
		product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE RESTRICT,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit_price TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		UNIQUE (tx_id, line_no)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_lines_product ON ledger_lines(product_id);

	CREATE TRIGGER IF NOT EXISTS ledger_transactions_no_update
		BEFORE UPDATE ON ledger_transactions
		BEGIN SELECT RAISE(ABORT, 'ledger rows are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_transactions_no_delete
		BEFORE DELETE ON ledger_transactions
		BEGIN SELECT RAISE(ABORT, 'ledger rows are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_lines_no_update
		BEFORE UPDATE ON ledger_lines
		BEGIN SELECT RAISE(ABORT, 'ledger rows are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_lines_no_delete
		BEFORE DELETE ON ledger_lines
		BEGIN SELECT RAISE(ABORT, 'ledger rows are append-only'); END;

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withConn hands out the single connection, bounding the wait.
func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	conn, err := s.db.Conn(waitCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", inventory.ErrLockTimeout, err)
		}
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// inTx runs fn in a transaction on the single connection. Reads use it too
// so a report sees one snapshot.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return translate(fmt.Errorf("sqlite: begin: %w", err))
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return translate(err)
		}
		return translate(tx.Commit())
	})
}

type unitOfWork struct {
	tx  *sql.Tx
	now time.Time
}

// WithTx runs fn inside one write transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &unitOfWork{tx: tx, now: s.now().UTC()})
	})
}

// LockProducts reads the products. The write lock is already held by the
// immediate transaction, so wait is not used here.
func (u *unitOfWork) LockProducts(ctx context.Context, ids []int64, _ time.Duration) (map[int64]catalog.Product, error) {
	out := make(map[int64]catalog.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := u.tx.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lock products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (u *unitOfWork) UpdateStock(ctx context.Context, changes []inventory.StockChange) error {
	for _, change := range changes {
		var res sql.Result
		var err error
		if change.UpdateCost {
			res, err = u.tx.ExecContext(ctx, `UPDATE products SET quantity_on_hand = ?, purchase_price = ?, updated_at = ? WHERE id = ?`,
				change.Quantity, change.PurchasePrice.String(), formatTime(u.now), change.ProductID)
		} else {
			res, err = u.tx.ExecContext(ctx, `UPDATE products SET quantity_on_hand = ?, updated_at = ? WHERE id = ?`,
				change.Quantity, formatTime(u.now), change.ProductID)
		}
		if err != nil {
			return fmt.Errorf("sqlite: update stock for product %d: %w", change.ProductID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &inventory.InvariantViolationError{Reason: fmt.Sprintf("locked product %d vanished", change.ProductID)}
		}
	}
	return nil
}

func (u *unitOfWork) AppendTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	res, err := u.tx.ExecContext(ctx, `INSERT INTO ledger_transactions (code, kind, counterparty, invoice_ref, total, actor_id, posted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, t.Code, string(t.Kind), t.Counterparty, t.InvoiceRef, t.Total.String(), t.ActorID, formatTime(t.PostedAt))
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("sqlite: insert transaction: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return ledger.Transaction{}, err
	}
	lines := make([]ledger.LineItem, len(t.Lines))
	for i, line := range t.Lines {
		line.TransactionID = t.ID
		line.LineNo = i + 1
		res, err := u.tx.ExecContext(ctx, `INSERT INTO ledger_lines (tx_id, line_no, product_id, quantity, unit_price, subtotal)
VALUES (?, ?, ?, ?, ?, ?)`, line.TransactionID, line.LineNo, line.ProductID, line.Quantity, line.UnitPrice.String(), line.Subtotal.String())
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("sqlite: insert line %d: %w", line.LineNo, err)
		}
		if line.ID, err = res.LastInsertId(); err != nil {
			return ledger.Transaction{}, err
		}
		lines[i] = line
	}
	t.Lines = lines
	return t, nil
}

// StockMovements aggregates ledger quantities per product.
func (s *Store) StockMovements(ctx context.Context) ([]inventory.Movement, error) {
	out := []inventory.Movement{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT p.id, p.name, p.quantity_on_hand, p.opening_quantity,
	COALESCE(SUM(CASE WHEN t.kind = 'PURCHASE' THEN l.quantity END), 0),
	COALESCE(SUM(CASE WHEN t.kind = 'SALE' THEN l.quantity END), 0)
FROM products p
LEFT JOIN ledger_lines l ON l.product_id = p.id
LEFT JOIN ledger_transactions t ON t.id = l.tx_id
GROUP BY p.id
ORDER BY p.id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m inventory.Movement
			if err := rows.Scan(&m.ProductID, &m.Name, &m.Quantity, &m.OpeningQuantity, &m.Purchased, &m.Sold); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// CheckAndInsert reserves an idempotency key.
func (s *Store) CheckAndInsert(ctx context.Context, key, module string) error {
	if key == "" || module == "" {
		return errors.New("idempotency key and module required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES (?, ?, ?)`, key, module, formatTime(s.now()))
	if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) || isConstraint(err, sqlite3.ErrConstraintUnique) {
		return shared.ErrIdempotencyConflict
	}
	return err
}

// Delete releases an idempotency key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

// Cleanup removes idempotency keys older than retention.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, formatTime(s.now().Add(-olderThan)))
	return err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", inventory.ErrLockTimeout, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
		return &inventory.InvariantViolationError{Reason: "storage rejected the write", Err: err}
	}
	return err
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == code
}

// isForeignKeyFailure matches RESTRICT violations. SQLite reports those
// through the trigger extended code rather than the foreign key one.
func isForeignKeyFailure(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintForeignKey, sqlite3.ErrConstraintTrigger:
		return strings.Contains(sqliteErr.Error(), "FOREIGN KEY")
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(timeLayout, raw)
}

func timeArg(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return formatTime(t)
}

func sortedIDs(m map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
