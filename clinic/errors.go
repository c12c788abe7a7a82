/*
errors.go - Centralized error types for the clinic engine

PURPOSE:
  All error types in one place. Sentinels are matched with errors.Is();
  structured errors carry context for the caller and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Capacity      - SlotFullError (the patient may have been waitlisted)
  2. Lifecycle     - InvalidTransitionError for any status move not in a table
  3. Lookup        - NotFoundError for doctors, appointments, entries, memos
  4. Input         - ValidationError, raised before the ledger is touched
  5. Concurrency   - ConcurrencyConflictError after the internal retry is spent

USAGE:
  _, err := c.Appointments.Book(ctx, req)
  var full *clinic.SlotFullError
  if errors.As(err, &full) && full.Waitlisted != nil {
      // patient is on the waitlist
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
  - store/sqlite/sqlite.go: returns ErrNotFound / ErrConcurrentModification
*/
package clinic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSlotFull is returned when a slot has no remaining capacity.
	ErrSlotFull = errors.New("slot full")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentModification is returned when a uniqueness guard rejects a
	// write because another transaction claimed the same row first.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SlotFullError reports a booking attempt against a full slot.
// Waitlisted is set when the patient was enrolled on the waitlist instead.
type SlotFullError struct {
	Key        SlotKey
	Capacity   int
	Waitlisted *WaitlistEntry
}

func (e *SlotFullError) Error() string {
	if e.Waitlisted != nil {
		return fmt.Sprintf("slot %s is full (capacity %d); waitlisted as %s", e.Key, e.Capacity, e.Waitlisted.ID)
	}
	return fmt.Sprintf("slot %s is full (capacity %d)", e.Key, e.Capacity)
}

func (e *SlotFullError) Unwrap() error { return ErrSlotFull }

type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConcurrencyConflictError is surfaced when a write lost a race twice.
type ConcurrencyConflictError struct {
	Operation string
	Err       error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s: concurrent update, retry the request: %v", e.Operation, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrentModification }

// notFound converts a store-level ErrNotFound into a NotFoundError.
func notFound(err error, kind, id string) error {
	if errors.Is(err, ErrNotFound) {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return err
		}
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSlotFull)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
