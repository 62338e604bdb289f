package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/pricing"
)

// Kind tags a transaction as a sale or a purchase.
type Kind string

const (
	// KindSale removes stock and earns revenue.
	KindSale Kind = "SALE"
	// KindPurchase adds stock at a cost.
	KindPurchase Kind = "PURCHASE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSale || k == KindPurchase
}

// Sign is -1 for sales and +1 for purchases.
func (k Kind) Sign() int64 {
	if k == KindSale {
		return -1
	}
	return 1
}

// CodePrefix is the public reference prefix for k.
func (k Kind) CodePrefix() string {
	if k == KindSale {
		return "SAL"
	}
	return "PUR"
}

// Transaction is an immutable ledger entry with its line items.
type Transaction struct {
	ID           int64           `json:"id"`
	Code         string          `json:"code"`
	Kind         Kind            `json:"kind"`
	Counterparty string          `json:"counterparty,omitempty"`
	InvoiceRef   string          `json:"invoice_ref,omitempty"`
	Total        decimal.Decimal `json:"total"`
	Lines        []LineItem      `json:"lines"`
	PostedAt     time.Time       `json:"posted_at"`
	ActorID      string          `json:"actor_id"`
}

// LineItem captures one product movement with the unit price in force when
// the transaction was recorded.
type LineItem struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	LineNo        int             `json:"line_no"`
	ProductID     int64           `json:"product_id"`
	Quantity      int64           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

// Filter selects transactions posted in [From, To).
type Filter struct {
	Kind  Kind
	From  time.Time
	To    time.Time
	Limit int
}

var (
	// ErrNotFound indicates the transaction does not exist.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrInvalidRange indicates From is after To.
	ErrInvalidRange = errors.New("ledger: range start after end")
	// ErrInvalidKind indicates an unknown kind filter.
	ErrInvalidKind = errors.New("ledger: unknown transaction kind")
	// ErrInconsistent is returned by Verify when stored amounts do not recompute.
	ErrInconsistent = errors.New("ledger: transaction amounts inconsistent")
)

// Verify recomputes every subtotal and the total.
func (t Transaction) Verify() error {
	if len(t.Lines) == 0 {
		return fmt.Errorf("%w: no line items", ErrInconsistent)
	}
	subtotals := make([]decimal.Decimal, 0, len(t.Lines))
	for _, line := range t.Lines {
		if line.Quantity < 1 {
			return fmt.Errorf("%w: line %d quantity %d", ErrInconsistent, line.LineNo, line.Quantity)
		}
		want := pricing.Extend(line.Quantity, line.UnitPrice)
		if !line.Subtotal.Equal(want) {
			return fmt.Errorf("%w: line %d subtotal %s, want %s", ErrInconsistent, line.LineNo, line.Subtotal.StringFixed(2), want.StringFixed(2))
		}
		subtotals = append(subtotals, line.Subtotal)
	}
	if want := pricing.Total(subtotals...); !t.Total.Equal(want) {
		return fmt.Errorf("%w: total %s, want %s", ErrInconsistent, t.Total.StringFixed(2), want.StringFixed(2))
	}
	return nil
}

// Validate checks the kind and range. Zero bounds are open.
func (f Filter) Validate() error {
	if f.Kind != "" && !f.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, f.Kind)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return ErrInvalidRange
	}
	return nil
}
