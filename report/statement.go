package report

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/revenue-ledger/ledger"
)

// Statement entry kinds.
const (
	EntrySale    = "sale"
	EntryPayment = "payment"
	EntryReturn  = "return"
	EntryVoid    = "void"
)

// StatementEntry is one movement of a customer's amount due.
// Amount is signed: positive raises what the customer owes.
type StatementEntry struct {
	At          time.Time       `json:"at"`
	Kind        string          `json:"kind"`
	ReferenceID string          `json:"referenceId"`
	InvoiceID   string          `json:"invoiceId,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Running     decimal.Decimal `json:"running"`
}

// Statement is a customer's account activity over a period.
// ClosingBalance for a period ending today equals Current.AmountDue.
type Statement struct {
	CustomerID     string                 `json:"customerId"`
	Period         PeriodRange            `json:"period"`
	OpeningBalance decimal.Decimal        `json:"openingBalance"`
	Entries        []StatementEntry       `json:"entries"`
	ClosingBalance decimal.Decimal        `json:"closingBalance"`
	Current        ledger.CustomerBalance `json:"current"`
}

// CustomerStatement replays the customer's whole history to derive the
// opening balance, then lists the movements that fall in the period.
//
// Movements mirror the balance tracker:
//   - sale:    +due at creation
//   - payment: −amount
//   - return:  −value for credit adjustments (cash refunds leave the balance alone)
//   - void:    −remaining due at void time
func (a *Aggregator) CustomerStatement(ctx context.Context, customerID string, p ledger.Period) (Statement, error) {
	if err := p.Validate(); err != nil {
		return Statement{}, err
	}

	var (
		balance  ledger.CustomerBalance
		found    bool
		invoices []ledger.Invoice
		payments []ledger.Payment
		returns  []ledger.Return
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, found, err = a.store.GetBalance(gctx, customerID)
		return err
	})
	g.Go(func() error {
		var err error
		invoices, err = a.store.QueryInvoices(gctx, ledger.InvoiceFilter{CustomerID: customerID})
		return err
	})
	g.Go(func() error {
		var err error
		payments, err = a.store.QueryPayments(gctx, ledger.PaymentFilter{CustomerID: customerID})
		return err
	})
	g.Go(func() error {
		var err error
		returns, err = a.store.QueryReturns(gctx, ledger.ReturnFilter{CustomerID: customerID})
		return err
	})
	if err := g.Wait(); err != nil {
		return Statement{}, err
	}
	if !found {
		return Statement{}, &ledger.NotFoundError{Kind: "customer", ID: customerID}
	}

	var history []StatementEntry
	for _, inv := range invoices {
		history = append(history, StatementEntry{
			At: inv.CreatedAt, Kind: EntrySale, ReferenceID: inv.ID, InvoiceID: inv.ID,
			Amount: inv.DueAtCreation(),
		})
		if inv.IsVoid() && inv.VoidedAt != nil {
			history = append(history, StatementEntry{
				At: *inv.VoidedAt, Kind: EntryVoid, ReferenceID: inv.ID, InvoiceID: inv.ID,
				Amount: inv.DueAmount.Neg(),
			})
		}
	}
	for _, pay := range payments {
		history = append(history, StatementEntry{
			At: pay.RecordedAt, Kind: EntryPayment, ReferenceID: pay.ID, InvoiceID: pay.InvoiceID,
			Amount: pay.Amount.Neg(),
		})
	}
	for _, ret := range returns {
		if ret.RefundMode != ledger.RefundCreditAdjustment {
			continue
		}
		history = append(history, StatementEntry{
			At: ret.RecordedAt, Kind: EntryReturn, ReferenceID: ret.ID, InvoiceID: ret.InvoiceID,
			Amount: ret.ReturnValue.Neg(),
		})
	}
	sort.SliceStable(history, func(i, j int) bool {
		if !history[i].At.Equal(history[j].At) {
			return history[i].At.Before(history[j].At)
		}
		return history[i].ReferenceID < history[j].ReferenceID
	})

	st := Statement{
		CustomerID: customerID,
		Period:     PeriodRange{Start: p.Start.Format(time.DateOnly), End: p.End.Format(time.DateOnly)},
		Entries:    []StatementEntry{},
		Current:    balance,
	}
	running := decimal.Zero
	for _, e := range history {
		if !e.At.Before(p.Until()) {
			break
		}
		running = running.Add(e.Amount)
		if e.At.Before(p.From()) {
			st.OpeningBalance = running
			continue
		}
		e.Running = running
		st.Entries = append(st.Entries, e)
	}
	st.ClosingBalance = running
	return st, nil
}
