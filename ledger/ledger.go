/*
ledger.go - Referential integrity on top of a store transaction

PURPOSE:
  Ledger turns drafts into persisted records. It assigns IDs and timestamps,
  rejects non-positive amounts, and refuses payments and returns that point
  at a missing or void invoice. It never touches customer balances; that is
  the BalanceTracker's job, and both are driven by the reconciliation engine
  inside one Tx.

CRITICAL INVARIANTS:
  1. Payments and returns reference an existing, non-void invoice (or, for
     account-level payments, an existing customer)
  2. Payment.Amount > 0 and Return.ReturnValue > 0
  3. A payment's allocations plus its advance add up to its amount

SEE ALSO:
  - store.go:            Tx interface
  - reconcile/engine.go: The only caller
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// DRAFTS
// =============================================================================

type InvoiceDraft struct {
	CustomerID      string
	Lines           []InvoiceLine
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Total           decimal.Decimal
	InitialPayments []InitialPayment
	CreditApplied   decimal.Decimal
	CreatedAt       time.Time
	IdempotencyKey  string
}

type PaymentDraft struct {
	CustomerID     string
	InvoiceID      string
	Amount         decimal.Decimal
	Mode           PaymentMode
	Description    string
	RecordedAt     time.Time
	Allocations    []Allocation
	Advance        decimal.Decimal
	IdempotencyKey string
}

type ReturnDraft struct {
	InvoiceID      string
	Lines          []ReturnLine
	ReturnValue    decimal.Decimal // rounded value; Σ line values when zero
	RefundMode     RefundMode
	AppliedToDue   decimal.Decimal
	Advance        decimal.Decimal
	RecordedAt     time.Time
	IdempotencyKey string
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	tx  Tx
	now func() time.Time
}

// New binds a ledger to a transaction. now supplies timestamps for drafts
// that don't carry one.
func New(tx Tx, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{tx: tx, now: now}
}

// CreateInvoice persists a new invoice. DueAmount and Status are derived.
func (l *Ledger) CreateInvoice(ctx context.Context, d InvoiceDraft) (Invoice, error) {
	if len(d.Lines) == 0 {
		return Invoice{}, invalid("lines", "an invoice needs at least one line")
	}
	if d.Total.IsNegative() {
		return Invoice{}, invalid("total", "must not be negative")
	}
	if d.CreditApplied.IsNegative() {
		return Invoice{}, invalid("creditApplied", "must not be negative")
	}

	inv := Invoice{
		ID:              uuid.NewString(),
		CustomerID:      d.CustomerID,
		Lines:           d.Lines,
		Subtotal:        d.Subtotal,
		Tax:             d.Tax,
		Total:           d.Total,
		CreatedAt:       l.stamp(d.CreatedAt),
		InitialPayments: d.InitialPayments,
		CreditApplied:   d.CreditApplied,
		IdempotencyKey:  d.IdempotencyKey,
		Version:         1,
	}
	for i, p := range inv.InitialPayments {
		if !p.Amount.IsPositive() {
			return Invoice{}, invalid("initialPayments", "payment %d must be positive", i)
		}
	}

	inv.DueAmount = inv.Total.Sub(inv.InitialPaid()).Sub(inv.CreditApplied)
	if inv.DueAmount.IsNegative() {
		return Invoice{}, invalid("initialPayments", "payments %s exceed total %s",
			inv.InitialPaid().Add(inv.CreditApplied), inv.Total)
	}
	inv.Status = StatusForDue(inv.DueAmount, inv.Total)

	if err := l.tx.InsertInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// AppendPayment persists a payment after checking what it references.
func (l *Ledger) AppendPayment(ctx context.Context, d PaymentDraft) (Payment, error) {
	if !d.Amount.IsPositive() {
		return Payment{}, invalid("amount", "must be greater than zero")
	}
	if _, err := ParsePaymentMode(string(d.Mode)); err != nil {
		return Payment{}, err
	}
	if d.CustomerID == "" {
		return Payment{}, invalid("customerId", "is required")
	}
	if _, ok, err := l.tx.GetBalance(ctx, d.CustomerID); err != nil {
		return Payment{}, err
	} else if !ok {
		return Payment{}, &NotFoundError{Kind: "customer", ID: d.CustomerID}
	}
	if d.InvoiceID != "" {
		if _, err := l.LiveInvoice(ctx, d.InvoiceID); err != nil {
			return Payment{}, err
		}
	}

	allocated := decimal.Zero
	for _, a := range d.Allocations {
		if !a.Amount.IsPositive() {
			return Payment{}, invalid("allocations", "allocation to %s must be positive", a.InvoiceID)
		}
		allocated = allocated.Add(a.Amount)
	}
	if !allocated.Add(d.Advance).Equal(d.Amount) {
		return Payment{}, &ConsistencyViolation{
			CustomerID: d.CustomerID,
			Rule:       "payment allocations + advance == amount",
			Expected:   d.Amount,
			Actual:     allocated.Add(d.Advance),
		}
	}

	p := Payment{
		ID:             uuid.NewString(),
		CustomerID:     d.CustomerID,
		InvoiceID:      d.InvoiceID,
		Amount:         d.Amount,
		Mode:           d.Mode,
		Description:    d.Description,
		RecordedAt:     l.stamp(d.RecordedAt),
		Allocations:    d.Allocations,
		Advance:        d.Advance,
		IdempotencyKey: d.IdempotencyKey,
	}
	if err := l.tx.InsertPayment(ctx, p); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// AppendReturn persists a return against a live invoice.
func (l *Ledger) AppendReturn(ctx context.Context, d ReturnDraft) (Return, error) {
	if _, err := ParseRefundMode(string(d.RefundMode)); err != nil {
		return Return{}, err
	}
	inv, err := l.LiveInvoice(ctx, d.InvoiceID)
	if err != nil {
		return Return{}, err
	}
	if len(d.Lines) == 0 {
		return Return{}, invalid("lines", "a return needs at least one line")
	}

	value := d.ReturnValue
	if value.IsZero() {
		for _, line := range d.Lines {
			value = value.Add(line.Value())
		}
	}
	if !value.IsPositive() {
		return Return{}, invalid("returnValue", "must be greater than zero")
	}

	r := Return{
		ID:             uuid.NewString(),
		InvoiceID:      inv.ID,
		CustomerID:     inv.CustomerID,
		Lines:          d.Lines,
		ReturnValue:    value,
		RefundMode:     d.RefundMode,
		AppliedToDue:   d.AppliedToDue,
		Advance:        d.Advance,
		RecordedAt:     l.stamp(d.RecordedAt),
		IdempotencyKey: d.IdempotencyKey,
	}
	if err := l.tx.InsertReturn(ctx, r); err != nil {
		return Return{}, err
	}
	return r, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	return l.tx.GetInvoice(ctx, id)
}

// LiveInvoice returns the invoice, or NotFoundError if it is missing or void.
func (l *Ledger) LiveInvoice(ctx context.Context, id string) (Invoice, error) {
	if id == "" {
		return Invoice{}, invalid("invoiceId", "is required")
	}
	inv, err := l.tx.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.IsVoid() {
		return Invoice{}, &NotFoundError{Kind: "invoice", ID: id, Reason: "invoice is void"}
	}
	return inv, nil
}

func (l *Ledger) QueryInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	return l.tx.QueryInvoices(ctx, f)
}

func (l *Ledger) QueryPayments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	return l.tx.QueryPayments(ctx, f)
}

func (l *Ledger) QueryReturns(ctx context.Context, f ReturnFilter) ([]Return, error) {
	return l.tx.QueryReturns(ctx, f)
}

func (l *Ledger) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return l.now().UTC()
	}
	return t.UTC()
}
