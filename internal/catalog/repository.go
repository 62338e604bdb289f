package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

const productColumns = `id, name, category, supplier, purchase_price, selling_price, quantity_on_hand, opening_quantity, created_at, updated_at`

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL catalog repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE 1=1`
	args := []any{}

	if filter.Category != "" {
		args = append(args, string(filter.Category))
		query += ` AND category = $` + strconv.Itoa(len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += ` AND (name ILIKE $` + strconv.Itoa(len(args)) + ` OR supplier ILIKE $` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := ScanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *repository) Get(ctx context.Context, id int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := ScanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (r *repository) Create(ctx context.Context, p Product) (Product, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO products (name, category, supplier, purchase_price, selling_price, quantity_on_hand, opening_quantity, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
RETURNING `+productColumns,
		p.Name, string(p.Category), p.Supplier, p.PurchasePrice, p.SellingPrice, p.Quantity, p.OpeningQuantity)
	created, err := ScanProduct(row)
	if err != nil {
		return Product{}, fmt.Errorf("catalog: create product: %w", err)
	}
	return created, nil
}

func (r *repository) Update(ctx context.Context, p Product) (Product, error) {
	row := r.pool.QueryRow(ctx, `UPDATE products
SET name = $2, category = $3, supplier = $4, purchase_price = $5, selling_price = $6, updated_at = NOW()
WHERE id = $1
RETURNING `+productColumns,
		p.ID, p.Name, string(p.Category), p.Supplier, p.PurchasePrice, p.SellingPrice)
	updated, err := ScanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("catalog: update product: %w", err)
	}
	return updated, nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		// lock the row so no sale can reference it between the check and the delete
		var locked int64
		err := tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var referenced bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_lines WHERE product_id = $1)`, id).Scan(&referenced); err != nil {
			return err
		}
		if referenced {
			return ErrProductInUse
		}
		if _, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
			if db.ErrorCode(err) == db.CodeForeignKeyViolation {
				return ErrProductInUse
			}
			return err
		}
		return nil
	})
}

// ScanProduct reads a row selected with the catalog column list.
func ScanProduct(row pgx.Row) (Product, error) {
	var p Product
	var category string
	err := row.Scan(&p.ID, &p.Name, &category, &p.Supplier, &p.PurchasePrice, &p.SellingPrice, &p.Quantity, &p.OpeningQuantity, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	p.Category = Category(category)
	return p, nil
}

// Columns is the select list understood by ScanProduct.
func Columns() string {
	return productColumns
}
