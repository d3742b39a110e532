package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a stock key has no balance row.
	ErrNotFound = errors.New("inventory: stock balance not found")
	// ErrInsufficientStock is returned when a movement would drive a balance negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInvalidMovementType is returned for tags outside the known set.
	ErrInvalidMovementType = errors.New("inventory: invalid movement type")
	// ErrValidation marks malformed movement input.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrDuplicateReference signals that a movement for the same reference and key already exists.
	ErrDuplicateReference = errors.New("inventory: duplicate reference")
	// ErrTransientStorage wraps lock timeouts, serialization failures and connection errors.
	ErrTransientStorage = errors.New("inventory: transient storage error")
	// ErrCostInvariant is returned when the moving average cannot be computed.
	ErrCostInvariant = errors.New("inventory: cost invariant violated")
)

// InsufficientStockError reports the quantity on hand against the quantity requested.
type InsufficientStockError struct {
	Key       Key
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d at location %d: available %s, requested %s",
		e.Key.ProductID, e.Key.LocationID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// LineError locates a failure inside a batch.
type LineError struct {
	Index int
	Key   Key
	Err   error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("inventory: line %d (product %d, location %d): %v", e.Index, e.Key.ProductID, e.Key.LocationID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may retry the operation with backoff.
// Only transient storage failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
