package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/reporting"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/store/memory"
	"github.com/odyssey-erp/stockledger/internal/store/sqlite"
)

// KeyCleaner purges expired idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// Backend bundles the repositories of one storage driver.
type Backend struct {
	Engine      inventory.RepositoryPort
	Movements   inventory.MovementSource
	Catalog     catalog.Repository
	Ledger      ledger.Repository
	Reporting   reporting.Repository
	Audit       inventory.AuditPort
	Idempotency inventory.IdempotencyPort
	// Cleaner is nil when keys live only in process memory.
	Cleaner KeyCleaner
	// Pinger is nil for the memory driver.
	Pinger Pinger

	closers []func()
}

// OpenBackend connects the driver named by cfg.StoreDriver.
func OpenBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.StoreDriver {
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		repo := inventory.NewRepository(pool)
		idem := shared.NewIdempotencyStore(pool)
		return &Backend{
			Engine:      repo,
			Movements:   repo,
			Catalog:     catalog.NewRepository(pool),
			Ledger:      ledger.NewRepository(pool),
			Reporting:   reporting.NewRepository(pool),
			Audit:       shared.NewAuditLogger(pool),
			Idempotency: idem,
			Cleaner:     idem,
			Pinger:      PingFunc(pool.Ping),
			closers:     []func(){pool.Close},
		}, nil
	case StoreSQLite:
		store, err := sqlite.New(cfg.SQLitePath, cfg.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Backend{
			Engine:      store,
			Movements:   store,
			Catalog:     store.Catalog(),
			Ledger:      store.Ledger(),
			Reporting:   store.Reporting(),
			Audit:       shared.NewSlogAuditor(logger),
			Idempotency: store,
			Cleaner:     store,
			Pinger:      store,
			closers: []func(){func() {
				if err := store.Close(); err != nil {
					logger.Warn("sqlite close", slog.Any("error", err))
				}
			}},
		}, nil
	case StoreMemory:
		store := memory.New()
		logger.Warn("memory store selected, data is lost on exit")
		return &Backend{
			Engine:      store,
			Movements:   store,
			Catalog:     store.Catalog(),
			Ledger:      store.Ledger(),
			Reporting:   store.Reporting(),
			Audit:       shared.NewSlogAuditor(logger),
			Idempotency: store,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Close releases driver resources.
func (b *Backend) Close() {
	for _, fn := range b.closers {
		fn()
	}
}
