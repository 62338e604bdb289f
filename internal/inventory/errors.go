package inventory

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyTransaction rejects a request without line items.
	ErrEmptyTransaction = errors.New("inventory: transaction has no line items")
	// ErrProductNotFound matches *ProductNotFoundError.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrInsufficientStock matches *InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrencyConflict matches *ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("inventory: concurrent modification, retry the request")
	// ErrTimeout matches *TimeoutError.
	ErrTimeout = errors.New("inventory: timed out waiting for stock locks")
	// ErrInvariantViolation matches *InvariantViolationError.
	ErrInvariantViolation = errors.New("inventory: invariant violated")

	// ErrLockTimeout is returned by repositories when a product lock could not
	// be acquired within the requested wait.
	ErrLockTimeout = errors.New("inventory: lock wait timeout")
	// ErrCommitUncertain is returned by repositories when the commit was sent
	// but its result is unknown. The transaction may have been applied.
	ErrCommitUncertain = errors.New("inventory: commit outcome unknown")
	// ErrSerialization is returned by repositories when the unit of work lost
	// a race and may be retried as a whole.
	ErrSerialization = errors.New("inventory: serialization failure")
)

// ProductNotFoundError names the unknown product.
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("inventory: product %d not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrProductNotFound }

// InsufficientStockError reports the first line that could not be served.
// Available already accounts for earlier lines of the same request.
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// ConcurrencyConflictError is returned once the retry budget is spent.
type ConcurrencyConflictError struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("inventory: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// TimeoutError is returned when locks were not granted in time.
type TimeoutError struct {
	Wait time.Duration
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("inventory: stock locks not acquired within %s: %v", e.Wait, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// InvariantViolationError signals an engine or storage bug. The transaction
// is aborted and nothing is corrected automatically.
type InvariantViolationError struct {
	Code   string
	Reason string
	Err    error
}

func (e *InvariantViolationError) Error() string {
	msg := "inventory: invariant violated"
	if e.Code != "" {
		msg += " in " + e.Code
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvariantViolationError) Unwrap() error { return e.Err }

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }
