package ledger

import (
	"context"
	"time"
)

// Service exposes read access to the append-only ledger. Writes happen only
// through the inventory engine's unit of work.
type Service struct {
	repo Repository
}

// NewService constructs Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the transaction with id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (Transaction, error) {
	if id <= 0 {
		return Transaction{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// ListBetween returns transactions of kind posted in [start, end), newest
// first. An empty kind returns both kinds.
func (s *Service) ListBetween(ctx context.Context, kind Kind, start, end time.Time) ([]Transaction, error) {
	return s.List(ctx, Filter{Kind: kind, From: start, To: end})
}

// List is ListBetween with an optional row limit.
func (s *Service) List(ctx context.Context, filter Filter) ([]Transaction, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	txs, err := s.repo.ListBetween(ctx, filter)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, nil
}
