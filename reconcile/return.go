package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

// ReturnDraft is goods coming back against an invoice. A line with a zero
// UnitValue is valued at the invoice line's tax-inclusive unit price.
type ReturnDraft struct {
	InvoiceID      string
	Lines          []ledger.ReturnLine
	RefundMode     ledger.RefundMode
	RecordedAt     time.Time
	IdempotencyKey string
}

type ReturnResult struct {
	Return   ledger.Return
	Invoice  ledger.Invoice
	Balance  *ledger.CustomerBalance // nil for walk-in invoices
	Replayed bool
}

// RecordReturn records a return. With credit_adjustment the value first
// reduces the invoice's due and any excess becomes advance credit; with
// cash_refund money leaves the till and the balance is untouched.
func (e *Engine) RecordReturn(ctx context.Context, d ReturnDraft) (ReturnResult, error) {
	if _, err := ledger.ParseRefundMode(string(d.RefundMode)); err != nil {
		return ReturnResult{}, err
	}
	if len(d.Lines) == 0 {
		return ReturnResult{}, &ledger.ValidationError{Field: "lines", Reason: "a return needs at least one line"}
	}
	for i, line := range d.Lines {
		if line.ProductID == "" {
			return ReturnResult{}, &ledger.ValidationError{Field: fmt.Sprintf("lines[%d].productId", i), Reason: "is required"}
		}
		if !line.Quantity.IsPositive() {
			return ReturnResult{}, &ledger.ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be greater than zero"}
		}
		if line.UnitValue.IsNegative() {
			return ReturnResult{}, &ledger.ValidationError{Field: fmt.Sprintf("lines[%d].unitValue", i), Reason: "must not be negative"}
		}
	}

	lockKey, customerID, err := e.customerOf(ctx, d.InvoiceID)
	if err != nil {
		return ReturnResult{}, err
	}
	op := operation{kind: ledger.OpReturn, lockKey: lockKey, customerID: customerID, key: d.IdempotencyKey}

	fp := d.fingerprint()
	var res ReturnResult
	err = e.run(ctx, op, func(tx ledger.Tx) error {
		res = ReturnResult{}
		rec, seen, err := replay(ctx, tx, ledger.OpReturn, d.IdempotencyKey, fp)
		if err != nil {
			return err
		}
		if seen {
			r, err := tx.GetReturn(ctx, rec.ResourceID)
			if err != nil {
				return err
			}
			inv, err := tx.GetInvoice(ctx, r.InvoiceID)
			if err != nil {
				return err
			}
			res.Return, res.Invoice, res.Replayed = r, inv, true
			if !inv.IsWalkIn() {
				b, _, err := tx.GetBalance(ctx, inv.CustomerID)
				if err != nil {
					return err
				}
				res.Balance = &b
			}
			return nil
		}

		l := ledger.New(tx, e.now)
		inv, err := l.LiveInvoice(ctx, d.InvoiceID)
		if err != nil {
			return err
		}
		if inv.IsWalkIn() && d.RefundMode == ledger.RefundCreditAdjustment {
			return &ledger.ValidationError{
				Field:  "refundMode",
				Reason: "walk-in invoices have no account to credit; use cash_refund",
			}
		}

		prior, err := l.QueryReturns(ctx, ledger.ReturnFilter{InvoiceID: inv.ID})
		if err != nil {
			return err
		}
		lines, value, err := e.priceReturn(inv, prior, d.Lines)
		if err != nil {
			return err
		}

		applied, advance := decimal.Zero, decimal.Zero
		if d.RefundMode == ledger.RefundCreditAdjustment {
			applied = decimal.Min(value, inv.DueAmount)
			advance = value.Sub(applied)
			if applied.IsPositive() {
				if inv, err = applyToInvoice(ctx, tx, inv, applied); err != nil {
					return err
				}
			}
		}
		res.Invoice = inv

		r, err := l.AppendReturn(ctx, ledger.ReturnDraft{
			InvoiceID:      inv.ID,
			Lines:          lines,
			ReturnValue:    value,
			RefundMode:     d.RefundMode,
			AppliedToDue:   applied,
			Advance:        advance,
			RecordedAt:     d.RecordedAt,
			IdempotencyKey: d.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		res.Return = r

		if !inv.IsWalkIn() {
			tracker := ledger.NewBalanceTracker(tx, e.now)
			var b ledger.CustomerBalance
			if d.RefundMode == ledger.RefundCreditAdjustment {
				b, _, err = tracker.Adjust(ctx, ledger.Adjustment{
					CustomerID:   inv.CustomerID,
					Delta:        value.Neg(),
					AdvanceDelta: advance,
					EventID:      eventID(ledger.OpReturn, d.IdempotencyKey, r.ID),
				})
			} else {
				b, err = tracker.Balance(ctx, inv.CustomerID)
			}
			if err != nil {
				return err
			}
			res.Balance = &b
		}
		return e.remember(ctx, tx, ledger.OpReturn, d.IdempotencyKey, fp, r.ID)
	})
	if err != nil {
		return ReturnResult{}, err
	}
	return res, nil
}

// priceReturn fills in default unit values and enforces the return ceiling:
// per product, returned quantity may not exceed sold minus already returned,
// and the total returned value may not exceed the invoice total.
func (e *Engine) priceReturn(inv ledger.Invoice, prior []ledger.Return, lines []ledger.ReturnLine) ([]ledger.ReturnLine, decimal.Decimal, error) {
	sold := make(map[string]decimal.Decimal)
	unitValue := make(map[string]decimal.Decimal)
	for _, line := range inv.Lines {
		sold[line.ProductID] = sold[line.ProductID].Add(line.Quantity)
		if _, ok := unitValue[line.ProductID]; !ok {
			unitValue[line.ProductID] = line.GrossUnitPrice()
		}
	}

	returned := make(map[string]decimal.Decimal)
	priorValue := decimal.Zero
	for _, r := range prior {
		priorValue = priorValue.Add(r.ReturnValue)
		for _, line := range r.Lines {
			returned[line.ProductID] = returned[line.ProductID].Add(line.Quantity)
		}
	}

	priced := make([]ledger.ReturnLine, 0, len(lines))
	value := decimal.Zero
	for i, line := range lines {
		qty, ok := sold[line.ProductID]
		if !ok {
			return nil, decimal.Zero, &ledger.ValidationError{
				Field:  fmt.Sprintf("lines[%d].productId", i),
				Reason: fmt.Sprintf("product %s is not on invoice %s", line.ProductID, inv.ID),
			}
		}
		returned[line.ProductID] = returned[line.ProductID].Add(line.Quantity)
		if returned[line.ProductID].GreaterThan(qty) {
			return nil, decimal.Zero, &ledger.ValidationError{
				Field:  fmt.Sprintf("lines[%d].quantity", i),
				Reason: fmt.Sprintf("returning %s of %s exceeds the %s sold",
					returned[line.ProductID], line.ProductID, qty),
			}
		}
		if line.UnitValue.IsZero() {
			line.UnitValue = unitValue[line.ProductID]
		}
		priced = append(priced, line)
		value = value.Add(line.Value())
	}

	value = e.round(value)
	if !value.IsPositive() {
		return nil, decimal.Zero, &ledger.ValidationError{Field: "returnValue", Reason: "must be greater than zero"}
	}

	// Line-level rounding can leave a full return a cent above what is left
	// of the invoice total.
	remaining := inv.Total.Sub(priorValue)
	if value.GreaterThan(remaining) && remaining.IsPositive() && allReturned(sold, returned) &&
		value.Sub(remaining).LessThanOrEqual(e.cfg.Tolerance) {
		value = remaining
	}
	if value.GreaterThan(remaining) {
		return nil, decimal.Zero, &ledger.ValidationError{
			Field:  "returnValue",
			Reason: fmt.Sprintf("return of %s plus prior returns %s exceeds invoice total %s",
				value, priorValue, inv.Total),
		}
	}
	return priced, value, nil
}

func allReturned(sold, returned map[string]decimal.Decimal) bool {
	for product, qty := range sold {
		if returned[product].LessThan(qty) {
			return false
		}
	}
	return true
}
