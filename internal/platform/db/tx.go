package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCommitUncertain marks a commit the server never answered. The
// transaction may or may not have been applied.
var ErrCommitUncertain = errors.New("platform/db: commit outcome unknown")

// WithTx executes fn within a read-write transaction at RepeatableRead.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return withTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
}

// WithReadTx executes fn against a read-only RepeatableRead snapshot, so every
// statement inside sees the same committed state.
func WithReadTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return withTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func withTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return commitError(err)
	}

	return nil
}

// commitError keeps server-reported failures as they are; the transaction is
// known to be rolled back then. Anything else leaves the outcome open.
func commitError(err error) error {
	if ErrorCode(err) != "" {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return fmt.Errorf("platform/db: commit tx: %w: %w", ErrCommitUncertain, err)
}
