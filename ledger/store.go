/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between reconciliation logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Reader: Point lookups and period queries (used by reports)
  Writer: Raw writes, only reachable inside a transaction
  Tx:     Reader + Writer + per-customer lock, bound to one transaction
  Store:  Reader + WithTx

APPEND-ONLY CONTRACT:
  Payments and returns are append-only: there is no Update or Delete for
  them. The only mutable rows are invoices (DueAmount, Status, void fields)
  and customer balances, and both carry a Version for lost-update detection.

ATOMICITY:
  WithTx() commits all writes made through the Tx or none of them. A sale
  that writes an invoice, a balance and an idempotency record either lands
  completely or not at all. Readers outside the transaction observe either
  the pre-image or the post-image, never an intermediate state.

IMPLEMENTATIONS:
  - ledger/store/memory.go:    In-memory, for tests and development
  - store/sqlite/sqlite.go:    SQLite (single node)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - ledger.go:  Referential integrity on top of Tx
  - balance.go: Balance tracker on top of Tx
*/
package ledger

import "context"

// =============================================================================
// FILTERS
// =============================================================================

// InvoiceFilter selects invoices. Zero values mean "no constraint".
type InvoiceFilter struct {
	Period          *Period // by CreatedAt
	CustomerID      string
	Statuses        []InvoiceStatus
	OutstandingOnly bool // DueAmount > 0 and not void
}

// PaymentFilter selects payments. Zero values mean "no constraint".
type PaymentFilter struct {
	Period     *Period // by RecordedAt
	CustomerID string
	InvoiceID  string
}

// ReturnFilter selects returns. Zero values mean "no constraint".
type ReturnFilter struct {
	Period     *Period // by RecordedAt
	CustomerID string
	InvoiceID  string
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader exposes the read side of the ledger.
// Query results are ordered by their timestamp, then by ID.
type Reader interface {
	// GetInvoice returns ErrNotFound if the invoice doesn't exist.
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetReturn(ctx context.Context, id string) (Return, error)

	QueryInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	QueryPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	QueryReturns(ctx context.Context, filter ReturnFilter) ([]Return, error)

	// GetBalance returns (balance, false, nil) when the customer is unknown.
	GetBalance(ctx context.Context, customerID string) (CustomerBalance, bool, error)
	ListBalances(ctx context.Context) ([]CustomerBalance, error)

	// LookupIdempotency returns (record, false, nil) when the key is unused.
	LookupIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)
}

// Writer holds the raw write operations. It is only handed out inside WithTx.
type Writer interface {
	InsertInvoice(ctx context.Context, inv Invoice) error

	// UpdateInvoice persists DueAmount, Status and void fields.
	// inv.Version must equal the stored version; the store increments it.
	// Returns ErrConflict on mismatch.
	UpdateInvoice(ctx context.Context, inv Invoice) error

	InsertPayment(ctx context.Context, p Payment) error
	InsertReturn(ctx context.Context, r Return) error

	// PutBalance inserts or updates a balance with the same version rule as
	// UpdateInvoice (Version 0 means "insert").
	PutBalance(ctx context.Context, b CustomerBalance) error

	// MarkEventApplied records a balance event id.
	// Returns ErrDuplicateEvent if it was already recorded.
	MarkEventApplied(ctx context.Context, eventID, customerID string) error

	// SaveIdempotency returns ErrDuplicateIdempotencyKey if the key exists.
	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

// Tx is a view of the store bound to one atomic unit of work.
type Tx interface {
	Reader
	Writer

	// LockCustomer serializes this transaction against every other transaction
	// that locks the same customer. Held until commit or rollback.
	LockCustomer(ctx context.Context, customerID string) error
}

// Store is the durable ledger.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}
