package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

// SaleDraft is a sale as rung up at the till.
type SaleDraft struct {
	CustomerID string // empty for walk-in
	Lines      []ledger.InvoiceLine

	// Subtotal as computed by the client. When set it must agree with the
	// lines within Config.Tolerance.
	Subtotal decimal.NullDecimal

	InitialPayments []ledger.InitialPayment
	CreatedAt       time.Time
	IdempotencyKey  string
}

type SaleResult struct {
	Invoice  ledger.Invoice
	Balance  *ledger.CustomerBalance // nil for walk-in sales
	Replayed bool
}

// RecordSale validates the sale, creates its invoice and charges the
// unpaid portion to the customer's balance.
func (e *Engine) RecordSale(ctx context.Context, d SaleDraft) (SaleResult, error) {
	subtotal, tax, err := e.priceLines(d)
	if err != nil {
		return SaleResult{}, err
	}
	total := subtotal.Add(tax)

	paid := decimal.Zero
	for i, p := range d.InitialPayments {
		if !p.Mode.IsInstant() {
			return SaleResult{}, &ledger.ValidationError{
				Field:  fmt.Sprintf("initialPayments[%d].mode", i),
				Reason: fmt.Sprintf("%q cannot be taken at the till", p.Mode),
			}
		}
		if !p.Amount.IsPositive() {
			return SaleResult{}, &ledger.ValidationError{Field: fmt.Sprintf("initialPayments[%d].amount", i), Reason: "must be greater than zero"}
		}
		if err := e.checkScale(fmt.Sprintf("initialPayments[%d].amount", i), p.Amount); err != nil {
			return SaleResult{}, err
		}
		paid = paid.Add(p.Amount)
	}
	if paid.GreaterThan(total) {
		return SaleResult{}, &ledger.ValidationError{
			Field:  "initialPayments",
			Reason: fmt.Sprintf("payments %s exceed total %s", paid, total),
		}
	}
	if d.CustomerID == "" && !paid.Equal(total) {
		return SaleResult{}, &ledger.ValidationError{
			Field:  "customerId",
			Reason: fmt.Sprintf("walk-in sales must be paid in full (total %s, paid %s)", total, paid),
		}
	}

	op := operation{kind: ledger.OpSale, customerID: d.CustomerID, key: d.IdempotencyKey}
	if d.CustomerID != "" {
		op.lockKey = "customer:" + d.CustomerID
	}

	fp := d.fingerprint()
	var res SaleResult
	err = e.run(ctx, op, func(tx ledger.Tx) error {
		res = SaleResult{}
		rec, seen, err := replay(ctx, tx, ledger.OpSale, d.IdempotencyKey, fp)
		if err != nil {
			return err
		}
		if seen {
			inv, err := tx.GetInvoice(ctx, rec.ResourceID)
			if err != nil {
				return err
			}
			res.Invoice, res.Replayed = inv, true
			if !inv.IsWalkIn() {
				b, _, err := tx.GetBalance(ctx, inv.CustomerID)
				if err != nil {
					return err
				}
				res.Balance = &b
			}
			return nil
		}

		tracker := ledger.NewBalanceTracker(tx, e.now)
		credit := decimal.Zero
		if d.CustomerID != "" {
			b, err := tracker.Open(ctx, d.CustomerID)
			if err != nil {
				return err
			}
			if e.cfg.AutoApplyAdvance && b.Advance.IsPositive() {
				credit = decimal.Min(b.Advance, total.Sub(paid))
			}
		}

		inv, err := ledger.New(tx, e.now).CreateInvoice(ctx, ledger.InvoiceDraft{
			CustomerID:      d.CustomerID,
			Lines:           d.Lines,
			Subtotal:        subtotal,
			Tax:             tax,
			Total:           total,
			InitialPayments: d.InitialPayments,
			CreditApplied:   credit,
			CreatedAt:       d.CreatedAt,
			IdempotencyKey:  d.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		res.Invoice = inv

		if d.CustomerID != "" {
			b, _, err := tracker.Adjust(ctx, ledger.Adjustment{
				CustomerID:   d.CustomerID,
				Delta:        inv.DueAtCreation(),
				AdvanceDelta: credit.Neg(),
				EventID:      eventID(ledger.OpSale, d.IdempotencyKey, inv.ID),
			})
			if err != nil {
				return err
			}
			res.Balance = &b
		}
		return e.remember(ctx, tx, ledger.OpSale, d.IdempotencyKey, fp, inv.ID)
	})
	if err != nil {
		return SaleResult{}, err
	}
	return res, nil
}

// priceLines validates the lines and returns the rounded subtotal and tax.
func (e *Engine) priceLines(d SaleDraft) (decimal.Decimal, decimal.Decimal, error) {
	if len(d.Lines) == 0 {
		return decimal.Zero, decimal.Zero, &ledger.ValidationError{Field: "lines", Reason: "a sale needs at least one line"}
	}
	one := decimal.NewFromInt(1)
	subtotal, tax := decimal.Zero, decimal.Zero
	for i, line := range d.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		switch {
		case line.ProductID == "":
			return decimal.Zero, decimal.Zero, &ledger.ValidationError{Field: field + ".productId", Reason: "is required"}
		case !line.Quantity.IsPositive():
			return decimal.Zero, decimal.Zero, &ledger.ValidationError{Field: field + ".quantity", Reason: "must be greater than zero"}
		case line.UnitPrice.IsNegative():
			return decimal.Zero, decimal.Zero, &ledger.ValidationError{Field: field + ".unitPrice", Reason: "must not be negative"}
		case line.TaxRate.IsNegative() || line.TaxRate.GreaterThan(one):
			return decimal.Zero, decimal.Zero, &ledger.ValidationError{Field: field + ".taxRate", Reason: "must be between 0 and 1"}
		}
		subtotal = subtotal.Add(line.Net())
		tax = tax.Add(line.Net().Mul(line.TaxRate))
	}

	if d.Subtotal.Valid && d.Subtotal.Decimal.Sub(subtotal).Abs().GreaterThan(e.cfg.Tolerance) {
		return decimal.Zero, decimal.Zero, &ledger.ValidationError{
			Field:  "subtotal",
			Reason: fmt.Sprintf("%s does not match line total %s", d.Subtotal.Decimal, e.round(subtotal)),
		}
	}
	return e.round(subtotal), e.round(tax), nil
}
