package inventory

import (
	"context"

	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// TransactionRecordedEvent is published after a sale or purchase commits.
type TransactionRecordedEvent struct {
	Transaction ledger.Transaction
	Stock       []StockChange
}

// IntegrationHandler receives committed transactions, e.g. to invalidate
// report caches.
type IntegrationHandler interface {
	HandleTransactionRecorded(ctx context.Context, evt TransactionRecordedEvent) error
}

// Hooks fans an event out to several handlers.
type Hooks []IntegrationHandler

// HandleTransactionRecorded calls every handler and returns the first error.
func (h Hooks) HandleTransactionRecorded(ctx context.Context, evt TransactionRecordedEvent) error {
	var first error
	for _, handler := range h {
		if handler == nil {
			continue
		}
		if err := handler.HandleTransactionRecorded(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
