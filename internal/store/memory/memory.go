// Package memory keeps the whole stock ledger in process memory. It backs
// tests and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/reporting"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Store holds products, the ledger and idempotency keys.
//
// Writers lock individual products (ascending id order) for the duration of a
// unit of work, so disjoint product sets proceed in parallel. The commit is
// applied under the store-wide write lock and readers take the read lock, so
// no reader observes half a transaction.
type Store struct {
	mu       sync.RWMutex
	products map[int64]catalog.Product
	txs      []ledger.Transaction
	// refs counts ledger lines per product.
	refs map[int64]int
	keys map[string]time.Time

	semMu sync.Mutex
	sems  map[int64]chan struct{}

	idMu       sync.Mutex
	nextProdID int64
	nextTxID   int64
	nextLineID int64

	now func() time.Time
}

var (
	_ inventory.RepositoryPort  = (*Store)(nil)
	_ inventory.MovementSource  = (*Store)(nil)
	_ inventory.IdempotencyPort = (*Store)(nil)
	_ catalog.Repository        = catalogView{}
	_ ledger.Repository         = ledgerView{}
	_ reporting.Repository      = reportingView{}
)

// New returns an empty store.
func New() *Store {
	return &Store{
		products: make(map[int64]catalog.Product),
		refs:     make(map[int64]int),
		keys:     make(map[string]time.Time),
		sems:     make(map[int64]chan struct{}),
		now:      time.Now,
	}
}

// Catalog exposes the store as a catalog repository.
func (s *Store) Catalog() catalog.Repository { return catalogView{s} }

// Ledger exposes the store as a ledger reader.
func (s *Store) Ledger() ledger.Repository { return ledgerView{s} }

// Reporting exposes the store as the report read model.
func (s *Store) Reporting() reporting.Repository { return reportingView{s} }

func (s *Store) semaphore(id int64) chan struct{} {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	sem, ok := s.sems[id]
	if !ok {
		sem = make(chan struct{}, 1)
		s.sems[id] = sem
	}
	return sem
}

func (s *Store) acquire(ctx context.Context, id int64, deadline <-chan time.Time) error {
	select {
	case s.semaphore(id) <- struct{}{}:
		return nil
	case <-deadline:
		return fmt.Errorf("%w: product %d", inventory.ErrLockTimeout, id)
	case <-ctx.Done():
		return fmt.Errorf("memory: waiting for product %d: %w", id, ctx.Err())
	}
}

func (s *Store) release(id int64) {
	<-s.semaphore(id)
}

func (s *Store) nextID(counter *int64) int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	*counter++
	return *counter
}

type unitOfWork struct {
	store    *Store
	held     []int64
	staged   map[int64]inventory.StockChange
	appended []ledger.Transaction
}

// WithTx runs fn against staged state and applies it atomically on success.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	uow := &unitOfWork{store: s, staged: make(map[int64]inventory.StockChange)}
	defer func() {
		for i := len(uow.held) - 1; i >= 0; i-- {
			s.release(uow.held[i])
		}
	}()
	if err := fn(ctx, uow); err != nil {
		return err
	}
	return s.commit(uow)
}

func (s *Store) commit(uow *unitOfWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, change := range uow.staged {
		if _, ok := s.products[id]; !ok {
			return &inventory.InvariantViolationError{Reason: fmt.Sprintf("locked product %d vanished", id)}
		}
		if change.Quantity < 0 {
			return &inventory.InvariantViolationError{Reason: fmt.Sprintf("product %d quantity %d below zero", id, change.Quantity)}
		}
	}
	at := s.now().UTC()
	for id, change := range uow.staged {
		p := s.products[id]
		p.Quantity = change.Quantity
		if change.UpdateCost {
			p.PurchasePrice = change.PurchasePrice
		}
		p.UpdatedAt = at
		s.products[id] = p
	}
	for _, tx := range uow.appended {
		s.txs = append(s.txs, tx)
		for _, line := range tx.Lines {
			s.refs[line.ProductID]++
		}
	}
	return nil
}

func (u *unitOfWork) LockProducts(ctx context.Context, ids []int64, wait time.Duration) (map[int64]catalog.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	u.store.mu.RLock()
	existing := sorted[:0]
	for _, id := range sorted {
		if _, ok := u.store.products[id]; ok {
			existing = append(existing, id)
		}
	}
	u.store.mu.RUnlock()

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	for _, id := range existing {
		if containsID(u.held, id) {
			continue
		}
		if err := u.store.acquire(ctx, id, deadline); err != nil {
			return nil, err
		}
		u.held = append(u.held, id)
	}

	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	out := make(map[int64]catalog.Product, len(existing))
	for _, id := range existing {
		if p, ok := u.store.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (u *unitOfWork) UpdateStock(ctx context.Context, changes []inventory.StockChange) error {
	for _, change := range changes {
		if !containsID(u.held, change.ProductID) {
			return &inventory.InvariantViolationError{Reason: fmt.Sprintf("product %d written without its lock", change.ProductID)}
		}
		u.staged[change.ProductID] = change
	}
	return nil
}

func (u *unitOfWork) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if !tx.Kind.Valid() {
		return ledger.Transaction{}, fmt.Errorf("%w: %q", ledger.ErrInvalidKind, tx.Kind)
	}
	tx.ID = u.store.nextID(&u.store.nextTxID)
	lines := make([]ledger.LineItem, len(tx.Lines))
	for i, line := range tx.Lines {
		line.ID = u.store.nextID(&u.store.nextLineID)
		line.TransactionID = tx.ID
		line.LineNo = i + 1
		lines[i] = line
	}
	tx.Lines = lines
	u.appended = append(u.appended, tx)
	return cloneTx(tx), nil
}

// StockMovements reports per-product ledger totals from one snapshot.
func (s *Store) StockMovements(ctx context.Context) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	purchased := make(map[int64]int64)
	sold := make(map[int64]int64)
	for _, tx := range s.txs {
		for _, line := range tx.Lines {
			if tx.Kind == ledger.KindSale {
				sold[line.ProductID] += line.Quantity
			} else {
				purchased[line.ProductID] += line.Quantity
			}
		}
	}
	out := make([]inventory.Movement, 0, len(s.products))
	for _, p := range s.sortedProducts() {
		out = append(out, inventory.Movement{
			ProductID:       p.ID,
			Name:            p.Name,
			Quantity:        p.Quantity,
			OpeningQuantity: p.OpeningQuantity,
			Purchased:       purchased[p.ID],
			Sold:            sold[p.ID],
		})
	}
	return out, nil
}

// CheckAndInsert reserves an idempotency key.
func (s *Store) CheckAndInsert(ctx context.Context, key, module string) error {
	if key == "" || module == "" {
		return fmt.Errorf("idempotency key and module required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = s.now()
	return nil
}

// Delete releases an idempotency key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// sortedProducts must be called with s.mu held.
func (s *Store) sortedProducts() []catalog.Product {
	out := make([]catalog.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, held := range ids {
		if held == id {
			return true
		}
	}
	return false
}

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	tx.Lines = append([]ledger.LineItem(nil), tx.Lines...)
	return tx
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func matches(p catalog.Product, filter catalog.ListFilter) bool {
	if filter.Category != "" && p.Category != filter.Category {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(p.Name), needle) && !strings.Contains(strings.ToLower(p.Supplier), needle) {
			return false
		}
	}
	return true
}
