package reconcile

import (
	"context"
	"fmt"

	"github.com/warp/revenue-ledger/ledger"
)

// VoidDraft cancels an invoice that was rung up by mistake.
type VoidDraft struct {
	InvoiceID      string
	Reason         string
	IdempotencyKey string
}

type VoidResult struct {
	Invoice  ledger.Invoice
	Balance  *ledger.CustomerBalance
	Replayed bool
}

// VoidInvoice moves an open or partially paid invoice to void and removes
// its remaining due from the customer's balance. Paid invoices, and
// invoices that already have returns, are settled through returns instead.
func (e *Engine) VoidInvoice(ctx context.Context, d VoidDraft) (VoidResult, error) {
	lockKey, customerID, err := e.customerOf(ctx, d.InvoiceID)
	if err != nil {
		return VoidResult{}, err
	}
	op := operation{kind: ledger.OpVoid, lockKey: lockKey, customerID: customerID, key: d.IdempotencyKey}

	fp := d.fingerprint()
	var res VoidResult
	err = e.run(ctx, op, func(tx ledger.Tx) error {
		res = VoidResult{}
		rec, seen, err := replay(ctx, tx, ledger.OpVoid, d.IdempotencyKey, fp)
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

		l := ledger.New(tx, e.now)
		inv, err := l.LiveInvoice(ctx, d.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == ledger.InvoicePaid {
			return &ledger.ValidationError{
				Field:  "invoiceId",
				Reason: fmt.Sprintf("invoice %s is paid; record a return instead", inv.ID),
			}
		}
		returns, err := l.QueryReturns(ctx, ledger.ReturnFilter{InvoiceID: inv.ID})
		if err != nil {
			return err
		}
		if len(returns) > 0 {
			return &ledger.ValidationError{
				Field:  "invoiceId",
				Reason: fmt.Sprintf("invoice %s has %d return(s); settle it through returns instead", inv.ID, len(returns)),
			}
		}

		voidedAt := e.now().UTC()
		due := inv.DueAmount
		inv.Status = ledger.InvoiceVoid
		inv.VoidedAt = &voidedAt
		inv.VoidReason = d.Reason
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		inv.Version++
		res.Invoice = inv

		if !inv.IsWalkIn() {
			b, _, err := ledger.NewBalanceTracker(tx, e.now).Adjust(ctx, ledger.Adjustment{
				CustomerID: inv.CustomerID,
				Delta:      due.Neg(),
				EventID:    eventID(ledger.OpVoid, d.IdempotencyKey, inv.ID),
			})
			if err != nil {
				return err
			}
			res.Balance = &b
		}
		return e.remember(ctx, tx, ledger.OpVoid, d.IdempotencyKey, fp, inv.ID)
	})
	if err != nil {
		return VoidResult{}, err
	}
	return res, nil
}
