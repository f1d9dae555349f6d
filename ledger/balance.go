/*
balance.go - Materialized customer balances

PURPOSE:
  The BalanceTracker owns CustomerBalance. It is the only code that writes
  balances, and it is only ever driven by the reconciliation engine inside
  the same Tx as the invoice, payment or return write it accompanies.

KEY INSIGHT:
  The balance is never computed by scanning invoices on the request path.
  A scan would race with concurrent payments; the materialized row plus the
  per-customer lock makes the value strongly consistent.

EXACTLY-ONCE:
  Every Adjust carries an event id (the idempotency key of the operation, or
  the record id when the caller supplied none). The id is stored alongside
  the balance in the same transaction, so a retried event is a no-op.

BALANCE COMPONENTS:
  AmountDue: Signed. Positive = customer owes, negative = customer is ahead
  Advance:   Credit not attached to any invoice (overpayments, excess returns)

  AmountDue == Σ DueAmount(non-void invoices) − Advance

SEE ALSO:
  - reconcile/engine.go: The only caller of Adjust
  - reconcile/audit.go:  Recomputes the invariant across all customers
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Adjustment is one balance change caused by one event.
type Adjustment struct {
	CustomerID   string
	Delta        decimal.Decimal // applied to AmountDue
	AdvanceDelta decimal.Decimal // applied to Advance
	EventID      string
}

type BalanceTracker struct {
	tx  Tx
	now func() time.Time
}

func NewBalanceTracker(tx Tx, now func() time.Time) *BalanceTracker {
	if now == nil {
		now = time.Now
	}
	return &BalanceTracker{tx: tx, now: now}
}

// Balance returns the customer's balance, or NotFoundError for unknown customers.
func (t *BalanceTracker) Balance(ctx context.Context, customerID string) (CustomerBalance, error) {
	b, ok, err := t.tx.GetBalance(ctx, customerID)
	if err != nil {
		return CustomerBalance{}, err
	}
	if !ok {
		return CustomerBalance{}, &NotFoundError{Kind: "customer", ID: customerID}
	}
	return b, nil
}

// Open creates a zero balance for a new customer. Existing balances are returned as is.
func (t *BalanceTracker) Open(ctx context.Context, customerID string) (CustomerBalance, error) {
	b, ok, err := t.tx.GetBalance(ctx, customerID)
	if err != nil {
		return CustomerBalance{}, err
	}
	if ok {
		return b, nil
	}
	b = CustomerBalance{
		CustomerID: customerID,
		AmountDue:  decimal.Zero,
		Advance:    decimal.Zero,
		UpdatedAt:  t.now().UTC(),
	}
	if err := t.tx.PutBalance(ctx, b); err != nil {
		return CustomerBalance{}, err
	}
	b.Version = 1
	return b, nil
}

// Adjust applies the adjustment exactly once per event id.
// Returns applied=false when the event was already recorded.
func (t *BalanceTracker) Adjust(ctx context.Context, adj Adjustment) (CustomerBalance, bool, error) {
	if adj.EventID == "" {
		return CustomerBalance{}, false, invalid("eventId", "balance adjustments need an event id")
	}
	b, err := t.Balance(ctx, adj.CustomerID)
	if err != nil {
		return CustomerBalance{}, false, err
	}

	if err := t.tx.MarkEventApplied(ctx, adj.EventID, adj.CustomerID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return b, false, nil
		}
		return CustomerBalance{}, false, err
	}

	b.AmountDue = b.AmountDue.Add(adj.Delta)
	b.Advance = b.Advance.Add(adj.AdvanceDelta)
	if b.Advance.IsNegative() {
		return CustomerBalance{}, false, &ConsistencyViolation{
			CustomerID: adj.CustomerID,
			Rule:       "advance must not go negative",
			Expected:   decimal.Zero,
			Actual:     b.Advance,
		}
	}
	b.UpdatedAt = t.now().UTC()

	if err := t.tx.PutBalance(ctx, b); err != nil {
		return CustomerBalance{}, false, err
	}
	b.Version++
	return b, true, nil
}
