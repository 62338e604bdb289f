package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/pricing"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	// WithTx runs fn in one atomic unit of work. Nothing fn wrote is visible
	// to other callers unless fn returns nil and the commit succeeds.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository is the view of storage inside a unit of work.
type TxRepository interface {
	// LockProducts loads and exclusively locks the given products, acquiring
	// locks in ascending id order. Unknown ids are absent from the result.
	// It returns ErrLockTimeout when the locks are not granted within wait.
	LockProducts(ctx context.Context, ids []int64, wait time.Duration) (map[int64]catalog.Product, error)
	UpdateStock(ctx context.Context, changes []StockChange) error
	AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort reserves request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder observes engine outcomes.
type MetricsRecorder interface {
	ObserveTransaction(kind, outcome string, duration time.Duration)
	IncRetry(kind string)
}

// Service records sales and purchases.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	integration IntegrationHandler
	metrics     MetricsRecorder
	logger      *slog.Logger
	cfg         ServiceConfig
	now         func() time.Time
	newCode     func(ledger.Kind) string
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// LockTimeout bounds the wait for product locks per attempt.
	LockTimeout time.Duration
	// MaxAttempts bounds retries after serialization failures.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	Costing      CostingPolicy
	Logger       *slog.Logger
	Metrics      MetricsRecorder
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

const (
	defaultLockTimeout  = 5 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 25 * time.Millisecond

	idempotencyModule = "inventory"
)

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	} else if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Costing == "" {
		cfg.Costing = CostingLast
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		integration: integration,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("component", "inventory")),
		cfg:         cfg,
		now:         now,
		newCode:     newTransactionCode,
	}
}

// RecordSale removes stock for every item and appends a SALE entry priced at
// the current catalog selling prices. Either every effect commits or none.
func (s *Service) RecordSale(ctx context.Context, input SaleInput) (ledger.Transaction, error) {
	lines := make([]lineRequest, len(input.Items))
	for i, item := range input.Items {
		lines[i] = lineRequest{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return s.record(ctx, recordParams{
		Kind:           ledger.KindSale,
		Counterparty:   strings.TrimSpace(input.Customer),
		ActorID:        strings.TrimSpace(input.ActorID),
		IdempotencyKey: strings.TrimSpace(input.IdempotencyKey),
		Lines:          lines,
	})
}

// RecordPurchase adds stock for every item at the given unit costs and
// appends a PURCHASE entry.
func (s *Service) RecordPurchase(ctx context.Context, input PurchaseInput) (ledger.Transaction, error) {
	lines := make([]lineRequest, len(input.Items))
	for i, item := range input.Items {
		lines[i] = lineRequest{ProductID: item.ProductID, Quantity: item.Quantity, UnitCost: item.UnitCost}
	}
	return s.record(ctx, recordParams{
		Kind:           ledger.KindPurchase,
		Counterparty:   strings.TrimSpace(input.Supplier),
		InvoiceRef:     strings.TrimSpace(input.InvoiceRef),
		ActorID:        strings.TrimSpace(input.ActorID),
		IdempotencyKey: strings.TrimSpace(input.IdempotencyKey),
		Lines:          lines,
	})
}

type lineRequest struct {
	ProductID int64
	Quantity  int64
	UnitCost  decimal.Decimal
}

type recordParams struct {
	Kind           ledger.Kind
	Counterparty   string
	InvoiceRef     string
	ActorID        string
	IdempotencyKey string
	Lines          []lineRequest
}

func (s *Service) record(ctx context.Context, params recordParams) (ledger.Transaction, error) {
	started := s.now()
	tx, err := s.post(ctx, params)
	s.observe(params.Kind, err, s.now().Sub(started))
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			s.logger.Error("transaction aborted on invariant violation",
				slog.String("kind", string(params.Kind)), slog.Any("error", err))
		}
		return ledger.Transaction{}, err
	}
	return tx, nil
}

func (s *Service) post(ctx context.Context, params recordParams) (ledger.Transaction, error) {
	if params.ActorID == "" {
		return ledger.Transaction{}, shared.ErrActorRequired
	}
	if err := validateLines(params.Kind, params.Lines); err != nil {
		return ledger.Transaction{}, err
	}

	key := ""
	if s.idempotency != nil && params.IdempotencyKey != "" {
		key = fmt.Sprintf("%s:%s", params.Kind, params.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			return ledger.Transaction{}, err
		}
	}

	ids := distinctProductIDs(params.Lines)
	var committed ledger.Transaction
	var changes []StockChange
	err := s.withRetry(ctx, params.Kind, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			products, err := tx.LockProducts(ctx, ids, s.cfg.LockTimeout)
			if err != nil {
				return err
			}
			draft, stock, err := s.apply(params, products)
			if err != nil {
				return err
			}
			stored, err := tx.AppendTransaction(ctx, draft)
			if err != nil {
				return err
			}
			if err := tx.UpdateStock(ctx, stock); err != nil {
				return err
			}
			committed = stored
			changes = stock
			return nil
		})
	})
	if err != nil {
		// The key stays reserved when the commit may have landed, so a replay
		// is rejected instead of posting twice.
		if key != "" && !errors.Is(err, ErrCommitUncertain) {
			if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), key); delErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		return ledger.Transaction{}, err
	}

	s.logger.Info("transaction recorded",
		slog.String("code", committed.Code),
		slog.String("kind", string(committed.Kind)),
		slog.String("total", committed.Total.StringFixed(pricing.MinorUnits)),
		slog.Int("lines", len(committed.Lines)),
		slog.String("actor", committed.ActorID))
	s.afterCommit(ctx, committed, changes)
	return committed, nil
}

// afterCommit runs side effects that must not undo a committed transaction.
func (s *Service) afterCommit(ctx context.Context, tx ledger.Transaction, changes []StockChange) {
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:    tx.ActorID,
			Action:     "inventory:" + strings.ToLower(string(tx.Kind)),
			Entity:     "ledger_transaction",
			EntityID:   tx.Code,
			At:         tx.PostedAt,
			Meta: map[string]any{
				"total":        tx.Total.StringFixed(pricing.MinorUnits),
				"lines":        len(tx.Lines),
				"counterparty": tx.Counterparty,
			},
		})
		if err != nil {
			s.logger.Warn("audit record failed", slog.String("code", tx.Code), slog.Any("error", err))
		}
	}
	if s.integration != nil {
		evt := TransactionRecordedEvent{Transaction: tx, Stock: changes}
		if err := s.integration.HandleTransactionRecorded(ctx, evt); err != nil {
			s.logger.Warn("transaction hook failed", slog.String("code", tx.Code), slog.Any("error", err))
		}
	}
}

// apply evaluates the request against the locked products. It is pure: the
// returned draft and stock changes are only persisted by the caller.
func (s *Service) apply(params recordParams, products map[int64]catalog.Product) (ledger.Transaction, []StockChange, error) {
	running := make(map[int64]int64, len(products))
	costs := make(map[int64]decimal.Decimal)
	lines := make([]ledger.LineItem, 0, len(params.Lines))
	subtotals := make([]decimal.Decimal, 0, len(params.Lines))

	for i, req := range params.Lines {
		product, ok := products[req.ProductID]
		if !ok {
			return ledger.Transaction{}, nil, &ProductNotFoundError{ProductID: req.ProductID}
		}
		onHand, seen := running[req.ProductID]
		if !seen {
			onHand = product.Quantity
		}

		var unitPrice, subtotal decimal.Decimal
		var err error
		switch params.Kind {
		case ledger.KindSale:
			if onHand < req.Quantity {
				return ledger.Transaction{}, nil, &InsufficientStockError{ProductID: req.ProductID, Requested: req.Quantity, Available: onHand}
			}
			unitPrice = product.SellingPrice
			subtotal, err = pricing.SaleSubtotal(req.Quantity, unitPrice)
			onHand -= req.Quantity
		case ledger.KindPurchase:
			if onHand > math.MaxInt64-req.Quantity {
				return ledger.Transaction{}, nil, fmt.Errorf("inventory: line %d: %w: stock would overflow", i+1, pricing.ErrInvalidQuantity)
			}
			unitPrice = req.UnitCost
			subtotal, err = pricing.PurchaseSubtotal(req.Quantity, unitPrice)
			onHand += req.Quantity
			costs[req.ProductID] = unitPrice
		default:
			return ledger.Transaction{}, nil, fmt.Errorf("%w: %q", ledger.ErrInvalidKind, params.Kind)
		}
		if err != nil {
			return ledger.Transaction{}, nil, fmt.Errorf("inventory: line %d: %w", i+1, err)
		}
		running[req.ProductID] = onHand
		lines = append(lines, ledger.LineItem{
			LineNo:    i + 1,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  subtotal,
		})
		subtotals = append(subtotals, subtotal)
	}

	draft := ledger.Transaction{
		Code:         s.newCode(params.Kind),
		Kind:         params.Kind,
		Counterparty: params.Counterparty,
		InvoiceRef:   params.InvoiceRef,
		Total:        pricing.Total(subtotals...),
		Lines:        lines,
		PostedAt:     s.now().UTC().Truncate(time.Microsecond),
		ActorID:      params.ActorID,
	}
	if err := draft.Verify(); err != nil {
		return ledger.Transaction{}, nil, &InvariantViolationError{Code: draft.Code, Reason: "line amounts do not recompute", Err: err}
	}

	changes := make([]StockChange, 0, len(running))
	for id, qty := range running {
		if qty < 0 {
			return ledger.Transaction{}, nil, &InvariantViolationError{Code: draft.Code, Reason: fmt.Sprintf("product %d would hold %d units", id, qty)}
		}
		change := StockChange{ProductID: id, Quantity: qty}
		if cost, ok := costs[id]; ok && s.cfg.Costing == CostingLast {
			change.PurchasePrice = cost
			change.UpdateCost = true
		}
		changes = append(changes, change)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ProductID < changes[j].ProductID })
	return draft, changes, nil
}

// withRetry reruns fn after serialization failures until MaxAttempts.
func (s *Service) withRetry(ctx context.Context, kind ledger.Kind, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Wait: s.cfg.LockTimeout, Err: err}
		}
		if !errors.Is(err, ErrSerialization) {
			return err
		}
		lastErr = err
		if s.metrics != nil {
			s.metrics.IncRetry(string(kind))
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Debug("retrying transaction", slog.String("kind", string(kind)), slog.Int("attempt", attempt), slog.Any("error", err))
		timer := time.NewTimer(s.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TimeoutError{Wait: s.cfg.LockTimeout, Err: ctx.Err()}
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ConcurrencyConflictError{Attempts: s.cfg.MaxAttempts, Err: lastErr}
}

func (s *Service) observe(kind ledger.Kind, err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTransaction(string(kind), Outcome(err), d)
}

// Outcome classifies err into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrCommitUncertain):
		return "commit_uncertain"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "duplicate"
	case errors.Is(err, ErrEmptyTransaction), errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrInvalidPrice), errors.Is(err, shared.ErrActorRequired):
		return "rejected"
	default:
		return "error"
	}
}

func validateLines(kind ledger.Kind, lines []lineRequest) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidKind, kind)
	}
	if len(lines) == 0 {
		return ErrEmptyTransaction
	}
	for i, line := range lines {
		if line.ProductID <= 0 {
			return &ProductNotFoundError{ProductID: line.ProductID}
		}
		if line.Quantity < 1 {
			return fmt.Errorf("inventory: line %d: %w", i+1, pricing.ErrInvalidQuantity)
		}
		if kind == ledger.KindPurchase && line.UnitCost.IsNegative() {
			return fmt.Errorf("inventory: line %d: %w", i+1, pricing.ErrInvalidPrice)
		}
	}
	return nil
}

func distinctProductIDs(lines []lineRequest) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func newTransactionCode(kind ledger.Kind) string {
	return kind.CodePrefix() + "-" + strings.ToUpper(uuid.NewString())
}
