/*
errors.go - Error taxonomy for the reconciliation engine

PURPOSE:
  All error types in one place. Callers classify errors with errors.Is /
  errors.As and the helpers at the bottom of this file; the request layer
  maps the classes to HTTP status codes.

ERROR CATEGORIES:
  1. ValidationError      - Malformed input, rejected before any write
  2. NotFoundError        - Missing or void invoice, unknown customer
  3. ConflictError        - Concurrent write on the same customer (retried)
  4. ConsistencyViolation - An invariant would break. Always a bug, never repaired

USAGE:
  if errors.Is(err, ledger.ErrNotFound) {
      // 404
  }
  var v *ledger.ValidationError
  if errors.As(err, &v) {
      fmt.Println(v.Field, v.Reason)
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the class of every input error.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced invoice or customer doesn't exist
	// (void invoices count as missing for new payments and returns).
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by a store when a concurrent transaction touched
	// the same rows. The engine retries these.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrConsistencyViolation means committing would break a ledger invariant.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrDuplicateEvent is returned when a balance event id was already applied.
	ErrDuplicateEvent = errors.New("balance event already applied")

	// ErrDuplicateIdempotencyKey is returned when an idempotency key is reused.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidPeriod is returned when a period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError explains which field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind   string // "invoice", "customer", "payment", "return"
	ID     string
	Reason string // optional, e.g. "invoice is void"
}

func (e *NotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s not found: %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is surfaced when retries were exhausted.
type ConflictError struct {
	Key      string // lock key the operation ran under
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ConsistencyViolation describes a broken invariant.
type ConsistencyViolation struct {
	CustomerID string          `json:"customerId"`
	InvoiceID  string          `json:"invoiceId,omitempty"`
	Rule       string          `json:"rule"`
	Expected   decimal.Decimal `json:"expected"`
	Actual     decimal.Decimal `json:"actual"`
}

func (e *ConsistencyViolation) Error() string {
	subject := "customer " + e.CustomerID
	if e.InvoiceID != "" {
		subject = "invoice " + e.InvoiceID
	}
	return fmt.Sprintf("consistency violation on %s: %s (expected %s, actual %s)",
		subject, e.Rule, e.Expected.String(), e.Actual.String())
}

func (e *ConsistencyViolation) Unwrap() error { return ErrConsistencyViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
