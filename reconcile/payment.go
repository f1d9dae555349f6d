package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

// PaymentDraft is money received from a customer after the sale.
type PaymentDraft struct {
	CustomerID     string
	InvoiceID      string // optional; settled first when set
	Amount         decimal.Decimal
	Mode           ledger.PaymentMode
	Description    string
	RecordedAt     time.Time
	IdempotencyKey string
}

type PaymentResult struct {
	Payment  ledger.Payment
	Invoices []ledger.Invoice // invoices the payment settled, in allocation order
	Balance  ledger.CustomerBalance
	Replayed bool
}

// RecordPayment settles the targeted invoice, spills the excess over the
// customer's other outstanding invoices per the spillover policy and keeps
// whatever is left as advance credit. The balance drops by the full amount.
func (e *Engine) RecordPayment(ctx context.Context, d PaymentDraft) (PaymentResult, error) {
	if d.CustomerID == "" {
		return PaymentResult{}, &ledger.ValidationError{Field: "customerId", Reason: "is required"}
	}
	if !d.Amount.IsPositive() {
		return PaymentResult{}, &ledger.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if err := e.checkScale("amount", d.Amount); err != nil {
		return PaymentResult{}, err
	}
	if _, err := ledger.ParsePaymentMode(string(d.Mode)); err != nil {
		return PaymentResult{}, err
	}

	op := operation{
		kind:       ledger.OpPayment,
		lockKey:    "customer:" + d.CustomerID,
		customerID: d.CustomerID,
		key:        d.IdempotencyKey,
	}

	fp := d.fingerprint()
	var res PaymentResult
	err := e.run(ctx, op, func(tx ledger.Tx) error {
		res = PaymentResult{}
		rec, seen, err := replay(ctx, tx, ledger.OpPayment, d.IdempotencyKey, fp)
		if err != nil {
			return err
		}
		if seen {
			p, err := tx.GetPayment(ctx, rec.ResourceID)
			if err != nil {
				return err
			}
			b, _, err := tx.GetBalance(ctx, p.CustomerID)
			if err != nil {
				return err
			}
			res.Payment, res.Balance, res.Replayed = p, b, true
			return nil
		}

		l := ledger.New(tx, e.now)
		tracker := ledger.NewBalanceTracker(tx, e.now)
		if _, err := tracker.Balance(ctx, d.CustomerID); err != nil {
			return err
		}

		var targets []ledger.Invoice
		if d.InvoiceID != "" {
			inv, err := l.LiveInvoice(ctx, d.InvoiceID)
			if err != nil {
				return err
			}
			if inv.CustomerID != d.CustomerID {
				return &ledger.ValidationError{Field: "invoiceId", Reason: "invoice belongs to a different customer"}
			}
			targets = append(targets, inv)
		}

		outstanding, err := l.QueryInvoices(ctx, ledger.InvoiceFilter{CustomerID: d.CustomerID, OutstandingOnly: true})
		if err != nil {
			return err
		}
		rest := outstanding[:0]
		for _, inv := range outstanding {
			if inv.ID != d.InvoiceID {
				rest = append(rest, inv)
			}
		}
		e.policy.Order(rest)
		targets = append(targets, rest...)

		allocations, advance := allocate(d.Amount, targets)
		byID := make(map[string]ledger.Invoice, len(targets))
		for _, inv := range targets {
			byID[inv.ID] = inv
		}
		for _, a := range allocations {
			inv, err := applyToInvoice(ctx, tx, byID[a.InvoiceID], a.Amount)
			if err != nil {
				return err
			}
			res.Invoices = append(res.Invoices, inv)
		}

		p, err := l.AppendPayment(ctx, ledger.PaymentDraft{
			CustomerID:     d.CustomerID,
			InvoiceID:      d.InvoiceID,
			Amount:         d.Amount,
			Mode:           d.Mode,
			Description:    d.Description,
			RecordedAt:     d.RecordedAt,
			Allocations:    allocations,
			Advance:        advance,
			IdempotencyKey: d.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		res.Payment = p

		b, _, err := tracker.Adjust(ctx, ledger.Adjustment{
			CustomerID:   d.CustomerID,
			Delta:        d.Amount.Neg(),
			AdvanceDelta: advance,
			EventID:      eventID(ledger.OpPayment, d.IdempotencyKey, p.ID),
		})
		if err != nil {
			return err
		}
		res.Balance = b
		return e.remember(ctx, tx, ledger.OpPayment, d.IdempotencyKey, fp, p.ID)
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return res, nil
}
