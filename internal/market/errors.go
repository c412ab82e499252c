package market

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("concurrent state change")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("not authorized for this operation")
	ErrTransition          = errors.New("invalid status for this operation")
)

// StateError reports a rejected transition together with the entity's
// current status so the caller can resynchronize.
type StateError struct {
	Err    error
	Entity string
	ID     string
	Status string
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s is %s: %s", e.Entity, e.ID, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s %s is %s: %v", e.Entity, e.ID, e.Status, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Transition returns a StateError wrapping ErrTransition.
func Transition(entity, id, status, reason string) error {
	return &StateError{Err: ErrTransition, Entity: entity, ID: id, Status: status, Reason: reason}
}

// Conflict returns a StateError wrapping ErrConflict.
func Conflict(entity, id, status, reason string) error {
	return &StateError{Err: ErrConflict, Entity: entity, ID: id, Status: status, Reason: reason}
}

// Invalid wraps ErrValidation with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CurrentStatus extracts the authoritative status carried by err, if any.
func CurrentStatus(err error) string {
	var se *StateError
	if errors.As(err, &se) {
		return se.Status
	}
	return ""
}

// Retryable reports whether a caller may safely retry after err with fresh state.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
