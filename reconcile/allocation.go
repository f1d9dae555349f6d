/*
allocation.go - Spreading a payment across outstanding invoices

PURPOSE:
  When a payment exceeds the targeted invoice's due (or targets no invoice),
  the remainder is spread over the customer's other outstanding invoices.
  The order is a policy so stores can pick FIFO or "clear the biggest first".

POLICIES:
  oldest_first:      By createdAt ascending, then id (default)
  largest_due_first: By dueAmount descending, then createdAt, then id

  Whatever is left after every invoice is settled becomes advance credit.

EXAMPLE:
  Invoices: A(due 100, day 1), B(due 30, day 3)
  Payment 150 against A, oldest_first:
    A ← 100, B ← 30, advance 20
*/
package reconcile

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

// SpilloverPolicy orders outstanding invoices for allocation.
type SpilloverPolicy interface {
	Name() string
	// Order sorts invoices in place, first to be paid first.
	Order(invoices []ledger.Invoice)
}

const (
	PolicyOldestFirst     = "oldest_first"
	PolicyLargestDueFirst = "largest_due_first"
)

// OldestFirst settles invoices in the order they were raised.
type OldestFirst struct{}

func (OldestFirst) Name() string { return PolicyOldestFirst }

func (OldestFirst) Order(invoices []ledger.Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		if !invoices[i].CreatedAt.Equal(invoices[j].CreatedAt) {
			return invoices[i].CreatedAt.Before(invoices[j].CreatedAt)
		}
		return invoices[i].ID < invoices[j].ID
	})
}

// LargestDueFirst settles the biggest outstanding amounts first.
type LargestDueFirst struct{}

func (LargestDueFirst) Name() string { return PolicyLargestDueFirst }

func (LargestDueFirst) Order(invoices []ledger.Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		a, b := invoices[i], invoices[j]
		if !a.DueAmount.Equal(b.DueAmount) {
			return a.DueAmount.GreaterThan(b.DueAmount)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (SpilloverPolicy, error) {
	switch name {
	case "", PolicyOldestFirst:
		return OldestFirst{}, nil
	case PolicyLargestDueFirst:
		return LargestDueFirst{}, nil
	}
	return nil, fmt.Errorf("unknown spillover policy %q", name)
}

// allocate settles targets in the given order. It returns one allocation per
// invoice that received money and whatever could not be placed.
func allocate(amount decimal.Decimal, targets []ledger.Invoice) ([]ledger.Allocation, decimal.Decimal) {
	remaining := amount
	var allocations []ledger.Allocation
	for _, inv := range targets {
		if !remaining.IsPositive() {
			break
		}
		if inv.IsVoid() || !inv.DueAmount.IsPositive() {
			continue
		}
		applied := decimal.Min(remaining, inv.DueAmount)
		allocations = append(allocations, ledger.Allocation{InvoiceID: inv.ID, Amount: applied})
		remaining = remaining.Sub(applied)
	}
	return allocations, remaining
}
