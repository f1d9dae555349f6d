/*
Package ledger provides the core records and persistence contracts of the
revenue & dues reconciliation engine.

PURPOSE:
  This package owns the data model shared by every other package: invoices,
  payments, returns and the materialized customer balance. It also defines
  the persistence interfaces (store.go), the referential-integrity layer on
  top of them (ledger.go) and the balance tracker (balance.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice:         A sale. Its DueAmount is the only mutable money field.
  - Payment:         Money received after the sale. Immutable once written.
  - Return:          Goods coming back. Immutable once written.
  - CustomerBalance: Materialized projection of what a customer owes.

DESIGN PRINCIPLES:
  1. Immutability: Payments and Returns are never modified, only compensated
  2. Precision: All money uses decimal.Decimal, never float64
  3. Closed enums: Modes and statuses are validated at the boundary
  4. Auditability: Every write carries an idempotency key and a timestamp

USAGE:
  inv := ledger.Invoice{
      CustomerID: "cust-1",
      Total:      decimal.NewFromInt(100),
      DueAmount:  decimal.NewFromInt(100),
      Status:     ledger.InvoiceOpen,
  }

SEE ALSO:
  - store.go:   Persistence interfaces
  - ledger.go:  Draft validation and referential integrity
  - balance.go: The only writer of CustomerBalance
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

type InvoiceStatus string

const (
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
)

func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceOpen, InvoicePartiallyPaid, InvoicePaid, InvoiceVoid:
		return true
	}
	return false
}

// PaymentMode is how money reached the till.
type PaymentMode string

const (
	ModeCash            PaymentMode = "cash"
	ModeOnline          PaymentMode = "online"
	ModeCard            PaymentMode = "card"
	ModeCreditClearance PaymentMode = "credit-clearance"
)

// ParsePaymentMode rejects anything outside the closed set.
func ParsePaymentMode(s string) (PaymentMode, error) {
	m := PaymentMode(s)
	switch m {
	case ModeCash, ModeOnline, ModeCard, ModeCreditClearance:
		return m, nil
	}
	return "", &ValidationError{Field: "mode", Reason: "unknown payment mode " + quote(s)}
}

// IsInstant reports whether the mode may be used for a payment taken at sale time.
func (m PaymentMode) IsInstant() bool {
	return m == ModeCash || m == ModeOnline || m == ModeCard
}

type RefundMode string

const (
	RefundCash             RefundMode = "cash_refund"
	RefundCreditAdjustment RefundMode = "credit_adjustment"
)

func ParseRefundMode(s string) (RefundMode, error) {
	m := RefundMode(s)
	switch m {
	case RefundCash, RefundCreditAdjustment:
		return m, nil
	}
	return "", &ValidationError{Field: "refundMode", Reason: "unknown refund mode " + quote(s)}
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceLine struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	TaxRate   decimal.Decimal `json:"taxRate"`
}

// Net is quantity × unit price, before tax.
func (l InvoiceLine) Net() decimal.Decimal { return l.Quantity.Mul(l.UnitPrice) }

// GrossUnitPrice is the tax-inclusive price of one unit.
func (l InvoiceLine) GrossUnitPrice() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(1).Add(l.TaxRate))
}

type InitialPayment struct {
	Mode   PaymentMode     `json:"mode"`
	Amount decimal.Decimal `json:"amount"`
}

type Invoice struct {
	ID              string           `json:"id"`
	CustomerID      string           `json:"customerId,omitempty"`
	Lines           []InvoiceLine    `json:"lines"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	Tax             decimal.Decimal  `json:"tax"`
	Total           decimal.Decimal  `json:"total"`
	CreatedAt       time.Time        `json:"createdAt"`
	InitialPayments []InitialPayment `json:"initialPayments"`
	CreditApplied   decimal.Decimal  `json:"creditApplied"`
	DueAmount       decimal.Decimal  `json:"dueAmount"`
	Status          InvoiceStatus    `json:"status"`
	VoidedAt        *time.Time       `json:"voidedAt,omitempty"`
	VoidReason      string           `json:"voidReason,omitempty"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`

	// Version increments on every update; stores use it to detect lost updates.
	Version int64 `json:"version"`
}

// InitialPaid is the sum of payments taken at the till.
func (inv Invoice) InitialPaid() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range inv.InitialPayments {
		sum = sum.Add(p.Amount)
	}
	return sum
}

// DueAtCreation is the credit-sale portion: total minus what was paid at the till.
// Advance credit consumed at creation does not reduce it.
func (inv Invoice) DueAtCreation() decimal.Decimal {
	return inv.Total.Sub(inv.InitialPaid())
}

func (inv Invoice) IsWalkIn() bool { return inv.CustomerID == "" }
func (inv Invoice) IsVoid() bool   { return inv.Status == InvoiceVoid }

// StatusForDue derives the lifecycle status from the remaining due.
func StatusForDue(due, total decimal.Decimal) InvoiceStatus {
	switch {
	case due.IsZero():
		return InvoicePaid
	case due.LessThan(total):
		return InvoicePartiallyPaid
	default:
		return InvoiceOpen
	}
}

// =============================================================================
// PAYMENT
// =============================================================================

// Allocation records how much of a payment or return landed on one invoice.
type Allocation struct {
	InvoiceID string          `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
}

type Payment struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customerId"`
	InvoiceID      string          `json:"invoiceId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Mode           PaymentMode     `json:"mode"`
	Description    string          `json:"description,omitempty"`
	RecordedAt     time.Time       `json:"recordedAt"`
	Allocations    []Allocation    `json:"allocations"`
	Advance        decimal.Decimal `json:"advance"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Allocated is the portion of the payment that reduced invoice dues.
func (p Payment) Allocated() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range p.Allocations {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// =============================================================================
// RETURN
// =============================================================================

type ReturnLine struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitValue decimal.Decimal `json:"unitValue"`
}

func (l ReturnLine) Value() decimal.Decimal { return l.Quantity.Mul(l.UnitValue) }

type Return struct {
	ID             string          `json:"id"`
	InvoiceID      string          `json:"invoiceId"`
	CustomerID     string          `json:"customerId,omitempty"`
	Lines          []ReturnLine    `json:"lines"`
	ReturnValue    decimal.Decimal `json:"returnValue"`
	RefundMode     RefundMode      `json:"refundMode"`
	AppliedToDue   decimal.Decimal `json:"appliedToDue"`
	Advance        decimal.Decimal `json:"advance"`
	RecordedAt     time.Time       `json:"recordedAt"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// =============================================================================
// CUSTOMER BALANCE
// =============================================================================

// CustomerBalance is the materialized projection of what a customer owes.
//
// INVARIANT: AmountDue == Σ DueAmount(non-void invoices) − Advance
type CustomerBalance struct {
	CustomerID string          `json:"customerId"`
	AmountDue  decimal.Decimal `json:"amountDue"`
	Advance    decimal.Decimal `json:"advance"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// InCredit reports whether the customer has paid ahead.
func (b CustomerBalance) InCredit() bool { return b.AmountDue.IsNegative() }

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type OperationKind string

const (
	OpSale    OperationKind = "sale"
	OpPayment OperationKind = "payment"
	OpReturn  OperationKind = "return"
	OpVoid    OperationKind = "void"
)

// IdempotencyRecord maps a client-supplied key to the record it produced.
// Fingerprint digests the request that produced it, so a key reused for a
// different request is told apart from a retry.
type IdempotencyRecord struct {
	Key         string
	Kind        OperationKind
	Fingerprint string
	ResourceID  string
	CreatedAt   time.Time
}

func quote(s string) string { return "\"" + s + "\"" }
