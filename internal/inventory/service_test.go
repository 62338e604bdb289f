package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/pricing"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

type memoryRepo struct {
	products map[int64]catalog.Product
	ledger   []ledger.Transaction
	nextID   int64
	// failures are returned by successive LockProducts calls.
	failures []error
	// commitErr is returned after fn succeeds, with nothing applied.
	commitErr error
	locks     int
	waits     []time.Duration
}

type memoryTx struct {
	repo     *memoryRepo
	products map[int64]catalog.Product
	appended []ledger.Transaction
}

func newMemoryRepo(products ...catalog.Product) *memoryRepo {
	repo := &memoryRepo{products: make(map[int64]catalog.Product)}
	for _, p := range products {
		repo.products[p.ID] = p
	}
	return repo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, products: make(map[int64]catalog.Product, len(r.products))}
	for id, p := range r.products {
		tx.products[id] = p
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.commitErr != nil {
		return r.commitErr
	}
	r.products = tx.products
	r.ledger = append(r.ledger, tx.appended...)
	return nil
}

func (tx *memoryTx) LockProducts(ctx context.Context, ids []int64, wait time.Duration) (map[int64]catalog.Product, error) {
	tx.repo.locks++
	tx.repo.waits = append(tx.repo.waits, wait)
	if len(tx.repo.failures) > 0 {
		err := tx.repo.failures[0]
		tx.repo.failures = tx.repo.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make(map[int64]catalog.Product, len(ids))
	for _, id := range ids {
		if p, ok := tx.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (tx *memoryTx) UpdateStock(ctx context.Context, changes []StockChange) error {
	for _, change := range changes {
		p := tx.products[change.ProductID]
		p.Quantity = change.Quantity
		if change.UpdateCost {
			p.PurchasePrice = change.PurchasePrice
		}
		tx.products[change.ProductID] = p
	}
	return nil
}

func (tx *memoryTx) AppendTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	tx.repo.nextID++
	t.ID = tx.repo.nextID
	tx.appended = append(tx.appended, t)
	return t, nil
}

type recordingHooks struct {
	mu     sync.Mutex
	events []TransactionRecordedEvent
	err    error
}

func (h *recordingHooks) HandleTransactionRecorded(ctx context.Context, evt TransactionRecordedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return h.err
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type memoryIdempotency struct {
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type countingMetrics struct {
	outcomes map[string]int
	retries  int
}

func (m *countingMetrics) ObserveTransaction(kind, outcome string, d time.Duration) {
	m.outcomes[kind+":"+outcome]++
}

func (m *countingMetrics) IncRetry(kind string) { m.retries++ }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func widget(id int64, qty int64, cost, price string) catalog.Product {
	return catalog.Product{
		ID:              id,
		Name:            "Product",
		Category:        catalog.CategoryOther,
		PurchasePrice:   dec(cost),
		SellingPrice:    dec(price),
		Quantity:        qty,
		OpeningQuantity: qty,
	}
}

func TestRecordSaleScenario(t *testing.T) {
	repo := newMemoryRepo(widget(1, 10, "30.00", "50.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	tx, err := svc.RecordSale(ctx, SaleInput{ActorID: "u1", Customer: "Alice", Items: []SaleItem{{ProductID: 1, Quantity: 4}}})
	require.NoError(t, err)
	require.Equal(t, ledger.KindSale, tx.Kind)
	require.True(t, tx.Total.Equal(dec("200.00")))
	require.Len(t, tx.Lines, 1)
	require.True(t, tx.Lines[0].UnitPrice.Equal(dec("50.00")))
	require.Equal(t, int64(6), repo.products[1].Quantity)
	require.Equal(t, "Alice", tx.Counterparty)
	require.Equal(t, "u1", tx.ActorID)
	require.Regexp(t, `^SAL-`, tx.Code)

	_, err = svc.RecordSale(ctx, SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 10}}})
	var short *InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, InsufficientStockError{ProductID: 1, Requested: 10, Available: 6}, *short)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, int64(6), repo.products[1].Quantity)
	require.Len(t, repo.ledger, 1)
}

func TestRecordSaleIsAtomicAcrossLines(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"), widget(2, 1, "1.00", "2.00"), widget(3, 5, "1.00", "2.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)

	_, err := svc.RecordSale(context.Background(), SaleInput{ActorID: "u1", Items: []SaleItem{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 3},
		{ProductID: 3, Quantity: 1},
	}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, int64(5), repo.products[1].Quantity)
	require.Equal(t, int64(1), repo.products[2].Quantity)
	require.Equal(t, int64(5), repo.products[3].Quantity)
	require.Empty(t, repo.ledger)
}

func TestRecordSaleDuplicateLinesUseRunningQuantity(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 3}, {ProductID: 1, Quantity: 3}}})
	var short *InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, int64(2), short.Available)
	require.Equal(t, int64(5), repo.products[1].Quantity)

	tx, err := svc.RecordSale(ctx, SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 3}, {ProductID: 1, Quantity: 2}}})
	require.NoError(t, err)
	require.Len(t, tx.Lines, 2)
	require.Equal(t, 2, tx.Lines[1].LineNo)
	require.True(t, tx.Total.Equal(dec("10.00")))
	require.Equal(t, int64(0), repo.products[1].Quantity)
}

func TestRecordSaleRejectsInput(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, SaleInput{ActorID: "u1"})
	require.ErrorIs(t, err, ErrEmptyTransaction)

	_, err = svc.RecordSale(ctx, SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 0}}})
	require.ErrorIs(t, err, pricing.ErrInvalidQuantity)

	_, err = svc.RecordSale(ctx, SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 9, Quantity: 1}}})
	var missing *ProductNotFoundError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, int64(9), missing.ProductID)

	_, err = svc.RecordSale(ctx, SaleInput{Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrActorRequired)

	require.Equal(t, 1, repo.locks, "only the unknown product reached storage")
	require.Empty(t, repo.ledger)
}

func TestRecordPurchaseUpdatesStockAndCost(t *testing.T) {
	repo := newMemoryRepo(widget(1, 2, "10.00", "25.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)

	tx, err := svc.RecordPurchase(context.Background(), PurchaseInput{
		ActorID:    "buyer",
		Supplier:   "Acme",
		InvoiceRef: "INV-7",
		Items: []PurchaseItem{
			{ProductID: 1, Quantity: 3, UnitCost: dec("0.335")},
			{ProductID: 1, Quantity: 1, UnitCost: dec("12.50")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, ledger.KindPurchase, tx.Kind)
	require.True(t, tx.Lines[0].Subtotal.Equal(dec("1.01")))
	require.True(t, tx.Total.Equal(dec("13.51")))
	require.Equal(t, "INV-7", tx.InvoiceRef)
	require.Equal(t, int64(6), repo.products[1].Quantity)
	require.True(t, repo.products[1].PurchasePrice.Equal(dec("12.50")))
}

func TestRecordPurchaseFixedCostingKeepsCatalogCost(t *testing.T) {
	repo := newMemoryRepo(widget(1, 0, "10.00", "25.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{Costing: CostingFixed}, nil)

	_, err := svc.RecordPurchase(context.Background(), PurchaseInput{
		ActorID: "buyer",
		Items:   []PurchaseItem{{ProductID: 1, Quantity: 4, UnitCost: dec("0")}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), repo.products[1].Quantity)
	require.True(t, repo.products[1].PurchasePrice.Equal(dec("10.00")))
}

func TestRecordPurchaseRejectsNegativeCost(t *testing.T) {
	repo := newMemoryRepo(widget(1, 0, "10.00", "25.00"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)

	_, err := svc.RecordPurchase(context.Background(), PurchaseInput{
		ActorID: "buyer",
		Items:   []PurchaseItem{{ProductID: 1, Quantity: 1, UnitCost: dec("-1")}},
	})
	require.ErrorIs(t, err, pricing.ErrInvalidPrice)
	require.Zero(t, repo.locks)
}

func TestRetryOnSerializationFailure(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"))
	repo.failures = []error{ErrSerialization, ErrSerialization}
	metrics := &countingMetrics{outcomes: map[string]int{}}
	svc := NewService(repo, nil, nil, ServiceConfig{MaxAttempts: 3, RetryBackoff: time.Millisecond, Metrics: metrics}, nil)

	_, err := svc.RecordSale(context.Background(), SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, 3, repo.locks)
	require.Equal(t, 2, metrics.retries)
	require.Equal(t, 1, metrics.outcomes["SALE:committed"])
	require.Equal(t, int64(4), repo.products[1].Quantity)
}

func TestRetryBudgetExhausted(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"))
	repo.failures = []error{ErrSerialization, ErrSerialization}
	svc := NewService(repo, nil, nil, ServiceConfig{MaxAttempts: 2, RetryBackoff: time.Millisecond}, nil)

	_, err := svc.RecordSale(context.Background(), SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, 2, conflict.Attempts)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.ErrorIs(t, err, ErrSerialization)
	require.Equal(t, int64(5), repo.products[1].Quantity)
}

func TestLockTimeoutIsNotRetried(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"))
	repo.failures = []error{ErrLockTimeout}
	svc := NewService(repo, nil, nil, ServiceConfig{LockTimeout: 50 * time.Millisecond}, nil)

	_, err := svc.RecordSale(context.Background(), SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 1, repo.locks)
	require.Equal(t, []time.Duration{50 * time.Millisecond}, repo.waits)
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	repo := newMemoryRepo(widget(1, 1, "1.00", "2.00"))
	idem := &memoryIdempotency{keys: map[string]string{}}
	svc := NewService(repo, nil, idem, ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.RecordSale(ctx, SaleInput{ActorID: "u1", IdempotencyKey: "k1", Items: []SaleItem{{ProductID: 1, Quantity: 2}}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Empty(t, idem.keys)

	_, err = svc.RecordSale(ctx, SaleInput{ActorID: "u1", IdempotencyKey: "k1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.NoError(t, err)
	_, err = svc.RecordSale(ctx, SaleInput{ActorID: "u1", IdempotencyKey: "k1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.ledger, 1)
}

func TestIdempotencyKeyKeptWhenCommitUncertain(t *testing.T) {
	repo := newMemoryRepo(widget(1, 5, "1.00", "2.00"))
	repo.commitErr = fmt.Errorf("%w: connection reset by peer", ErrCommitUncertain)
	idem := &memoryIdempotency{keys: map[string]string{}}
	svc := NewService(repo, nil, idem, ServiceConfig{}, nil)
	ctx := context.Background()
	input := SaleInput{ActorID: "u1", IdempotencyKey: "k1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}}

	_, err := svc.RecordSale(ctx, input)
	require.ErrorIs(t, err, ErrCommitUncertain)
	require.Contains(t, idem.keys, "SALE:k1")
	require.Equal(t, 1, repo.locks)

	repo.commitErr = nil
	_, err = svc.RecordSale(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, 1, repo.locks)
}

func TestAfterCommitSideEffects(t *testing.T) {
	repo := newMemoryRepo(widget(1, 3, "1.00", "2.00"))
	audit := &recordingAudit{}
	hooks := &recordingHooks{err: errors.New("cache down")}
	svc := NewService(repo, audit, nil, ServiceConfig{}, hooks)

	tx, err := svc.RecordSale(context.Background(), SaleInput{ActorID: "u9", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.NoError(t, err, "hook failures never undo a commit")
	require.Len(t, audit.logs, 1)
	require.Equal(t, "u9", audit.logs[0].ActorID)
	require.Equal(t, tx.Code, audit.logs[0].EntityID)
	require.Equal(t, "inventory:sale", audit.logs[0].Action)
	require.Len(t, hooks.events, 1)
	require.Equal(t, []StockChange{{ProductID: 1, Quantity: 2}}, hooks.events[0].Stock)
}

func TestApplyDetectsBrokenCatalogPrice(t *testing.T) {
	repo := newMemoryRepo(widget(1, 3, "1.00", "0"))
	svc := NewService(repo, nil, nil, ServiceConfig{}, nil)

	_, err := svc.RecordSale(context.Background(), SaleInput{ActorID: "u1", Items: []SaleItem{{ProductID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, pricing.ErrInvalidPrice)
	require.Equal(t, int64(3), repo.products[1].Quantity)
}

func TestOutcomeLabels(t *testing.T) {
	require.Equal(t, "committed", Outcome(nil))
	require.Equal(t, "insufficient_stock", Outcome(&InsufficientStockError{}))
	require.Equal(t, "product_not_found", Outcome(&ProductNotFoundError{}))
	require.Equal(t, "conflict", Outcome(&ConcurrencyConflictError{Attempts: 3}))
	require.Equal(t, "timeout", Outcome(&TimeoutError{}))
	require.Equal(t, "invariant_violation", Outcome(&InvariantViolationError{Reason: "x"}))
	require.Equal(t, "rejected", Outcome(ErrEmptyTransaction))
	require.Equal(t, "commit_uncertain", Outcome(fmt.Errorf("%w: eof", ErrCommitUncertain)))
	require.Equal(t, "cancelled", Outcome(fmt.Errorf("wait: %w", context.Canceled)))
	require.Equal(t, "error", Outcome(errors.New("boom")))
}
