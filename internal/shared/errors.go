package shared

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core. Typed errors below report the
// quantities and states a caller needs to decide the next action; they match
// these sentinels through errors.Is.
var (
	// ErrNotFound indicates a record absent or outside the caller's company scope.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates an operation attempted from a disallowed status.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientStock indicates a deduction exceeding available quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrQuantityExceeded indicates a return or margin acceptance beyond the remaining balance.
	ErrQuantityExceeded = errors.New("quantity exceeded")
	// ErrPermissionDenied indicates the actor lacks the capability for the action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("validation failed")
)

// InvalidStateError reports a rejected transition or edit.
type InvalidStateError struct {
	Entity    string
	Current   string
	Attempted string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: cannot %s while in status %s", e.Entity, e.Attempted, e.Current)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// InsufficientStockError reports a deduction that exceeds available stock.
type InsufficientStockError struct {
	ItemID      int64
	WarehouseID int64
	Requested   float64
	Available   float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("item %d: requested %.2f exceeds available %.2f in warehouse %d",
		e.ItemID, e.Requested, e.Available, e.WarehouseID)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// QuantityExceededError reports a return quantity beyond the remaining balance
// of a source line item.
type QuantityExceededError struct {
	ChallanID  int64
	LineItemID string
	Requested  float64
	Available  float64
}

func (e *QuantityExceededError) Error() string {
	return fmt.Sprintf("challan %d item %s: requested %.2f exceeds available balance %.2f",
		e.ChallanID, e.LineItemID, e.Requested, e.Available)
}

func (e *QuantityExceededError) Is(target error) bool { return target == ErrQuantityExceeded }

// ValidationError reports the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
