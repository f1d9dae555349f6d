/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  validator tags for shape checks (required fields, enums, list sizes);
  money rules (positive amounts, currency scale, tolerances) are enforced
  by the engine so every entry point shares them.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers around domain records

MONEY:
  Amounts are decimals. Clients may send them as JSON strings ("12.50")
  or numbers; responses always use strings.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain records embedded in responses
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/reconcile"
)

// =============================================================================
// SALES
// =============================================================================

type SaleLineRequest struct {
	ProductID string          `json:"productId" validate:"required,max=128"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	TaxRate   decimal.Decimal `json:"taxRate"`
}

type InitialPaymentRequest struct {
	Mode   string          `json:"mode" validate:"required,oneof=cash online card"`
	Amount decimal.Decimal `json:"amount"`
}

// CreateSaleRequest rings up a sale. Omit customerId for a walk-in sale.
type CreateSaleRequest struct {
	CustomerID      string                  `json:"customerId" validate:"omitempty,max=128"`
	Lines           []SaleLineRequest       `json:"lines" validate:"required,min=1,max=500,dive"`
	Subtotal        decimal.NullDecimal     `json:"subtotal"`
	InitialPayments []InitialPaymentRequest `json:"initialPayments" validate:"max=10,dive"`
	CreatedAt       *time.Time              `json:"createdAt"`
}

func (r CreateSaleRequest) draft(key string) reconcile.SaleDraft {
	d := reconcile.SaleDraft{
		CustomerID:     r.CustomerID,
		Subtotal:       r.Subtotal,
		IdempotencyKey: key,
	}
	for _, l := range r.Lines {
		d.Lines = append(d.Lines, ledger.InvoiceLine{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			TaxRate:   l.TaxRate,
		})
	}
	for _, p := range r.InitialPayments {
		d.InitialPayments = append(d.InitialPayments, ledger.InitialPayment{
			Mode:   ledger.PaymentMode(p.Mode),
			Amount: p.Amount,
		})
	}
	if r.CreatedAt != nil {
		d.CreatedAt = *r.CreatedAt
	}
	return d
}

type SaleResponse struct {
	Invoice  ledger.Invoice          `json:"invoice"`
	Balance  *ledger.CustomerBalance `json:"balance,omitempty"`
	Replayed bool                    `json:"replayed"`
}

// InvoiceResponse is an invoice with everything recorded against it.
type InvoiceResponse struct {
	Invoice  ledger.Invoice   `json:"invoice"`
	Payments []ledger.Payment `json:"payments"`
	Returns  []ledger.Return  `json:"returns"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type RecordPaymentRequest struct {
	InvoiceID   string          `json:"invoiceId" validate:"omitempty,max=128"`
	Amount      decimal.Decimal `json:"amount"`
	Mode        string          `json:"mode" validate:"required,oneof=cash online card credit-clearance"`
	Description string          `json:"description" validate:"max=500"`
	RecordedAt  *time.Time      `json:"recordedAt"`
}

func (r RecordPaymentRequest) draft(customerID, key string) reconcile.PaymentDraft {
	d := reconcile.PaymentDraft{
		CustomerID:     customerID,
		InvoiceID:      r.InvoiceID,
		Amount:         r.Amount,
		Mode:           ledger.PaymentMode(r.Mode),
		Description:    r.Description,
		IdempotencyKey: key,
	}
	if r.RecordedAt != nil {
		d.RecordedAt = *r.RecordedAt
	}
	return d
}

type PaymentResponse struct {
	Payment  ledger.Payment         `json:"payment"`
	Invoices []ledger.Invoice       `json:"invoices"`
	Balance  ledger.CustomerBalance `json:"balance"`
	Replayed bool                   `json:"replayed"`
}

// =============================================================================
// RETURNS AND VOIDS
// =============================================================================

type ReturnLineRequest struct {
	ProductID string          `json:"productId" validate:"required,max=128"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitValue decimal.Decimal `json:"unitValue"`
}

type RecordReturnRequest struct {
	Lines      []ReturnLineRequest `json:"lines" validate:"required,min=1,max=500,dive"`
	RefundMode string              `json:"refundMode" validate:"required,oneof=cash_refund credit_adjustment"`
	RecordedAt *time.Time          `json:"recordedAt"`
}

func (r RecordReturnRequest) draft(invoiceID, key string) reconcile.ReturnDraft {
	d := reconcile.ReturnDraft{
		InvoiceID:      invoiceID,
		RefundMode:     ledger.RefundMode(r.RefundMode),
		IdempotencyKey: key,
	}
	for _, l := range r.Lines {
		d.Lines = append(d.Lines, ledger.ReturnLine{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitValue: l.UnitValue,
		})
	}
	if r.RecordedAt != nil {
		d.RecordedAt = *r.RecordedAt
	}
	return d
}

type ReturnResponse struct {
	Return   ledger.Return           `json:"return"`
	Invoice  ledger.Invoice          `json:"invoice"`
	Balance  *ledger.CustomerBalance `json:"balance,omitempty"`
	Replayed bool                    `json:"replayed"`
}

type VoidRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type VoidResponse struct {
	Invoice  ledger.Invoice          `json:"invoice"`
	Balance  *ledger.CustomerBalance `json:"balance,omitempty"`
	Replayed bool                    `json:"replayed"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string        `json:"error"`
	Details string        `json:"details,omitempty"`
	Fields  []FieldDetail `json:"fields,omitempty"`
}

// FieldDetail names one rejected request field.
type FieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
