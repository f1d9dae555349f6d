// Package storetest is the conformance suite every ledger.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-ledger/ledger"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) ledger.Store

// Run exercises the full ledger.Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"InvoiceRoundTrip", testInvoiceRoundTrip},
		{"QueryInvoicesByPeriodAndCustomer", testQueryInvoices},
		{"UpdateInvoiceDetectsStaleVersion", testStaleInvoiceVersion},
		{"RollbackDiscardsAllWrites", testRollback},
		{"PaymentsAndReturnsQueries", testPaymentsAndReturns},
		{"BalanceVersioning", testBalanceVersioning},
		{"EventsAppliedOnce", testEventsAppliedOnce},
		{"IdempotencyKeysUnique", testIdempotency},
		{"MissingRecordsAreNotFound", testNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func invoice(customerID string, createdAt time.Time, total string) ledger.Invoice {
	return ledger.Invoice{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Lines: []ledger.InvoiceLine{{
			ProductID: "sku-1",
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: money(total),
			TaxRate:   decimal.Zero,
		}},
		Subtotal:        money(total),
		Tax:             decimal.Zero,
		Total:           money(total),
		CreatedAt:       createdAt,
		InitialPayments: []ledger.InitialPayment{},
		CreditApplied:   decimal.Zero,
		DueAmount:       money(total),
		Status:          ledger.InvoiceOpen,
		Version:         1,
	}
}

func insert(t *testing.T, s ledger.Store, invs ...ledger.Invoice) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		for _, inv := range invs {
			if err := tx.InsertInvoice(context.Background(), inv); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// CASES
// =============================================================================

func testInvoiceRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	inv := invoice("cust-1", ledger.Day(2025, time.March, 10).Add(14*time.Hour), "120.50")
	inv.InitialPayments = []ledger.InitialPayment{{Mode: ledger.ModeCash, Amount: money("20.50")}}
	inv.DueAmount = money("100")
	inv.Status = ledger.InvoicePartiallyPaid
	insert(t, s, inv)

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.CustomerID, got.CustomerID)
	assert.True(t, inv.Total.Equal(got.Total))
	assert.True(t, inv.DueAmount.Equal(got.DueAmount))
	assert.Equal(t, ledger.InvoicePartiallyPaid, got.Status)
	assert.True(t, inv.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.InitialPayments, 1)
	assert.Equal(t, ledger.ModeCash, got.InitialPayments[0].Mode)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "sku-1", got.Lines[0].ProductID)
	assert.Equal(t, int64(1), got.Version)
}

func testQueryInvoices(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	march1 := invoice("cust-1", ledger.Day(2025, time.March, 1), "10")
	march31 := invoice("cust-1", ledger.Day(2025, time.March, 31).Add(23*time.Hour+59*time.Minute), "20")
	april1 := invoice("cust-1", ledger.Day(2025, time.April, 1), "30")
	other := invoice("cust-2", ledger.Day(2025, time.March, 15), "40")
	paid := invoice("cust-2", ledger.Day(2025, time.March, 16), "50")
	paid.DueAmount = decimal.Zero
	paid.Status = ledger.InvoicePaid
	insert(t, s, april1, march31, march1, other, paid)

	march := ledger.MonthOf(ledger.Day(2025, time.March, 1))
	got, err := s.QueryInvoices(ctx, ledger.InvoiceFilter{Period: &march})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, march1.ID, got[0].ID, "ordered by creation time")
	assert.Equal(t, march31.ID, got[3].ID, "end day is inclusive")

	got, err = s.QueryInvoices(ctx, ledger.InvoiceFilter{CustomerID: "cust-2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryInvoices(ctx, ledger.InvoiceFilter{CustomerID: "cust-2", OutstandingOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)

	got, err = s.QueryInvoices(ctx, ledger.InvoiceFilter{Statuses: []ledger.InvoiceStatus{ledger.InvoicePaid}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, paid.ID, got[0].ID)
}

func testStaleInvoiceVersion(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	inv := invoice("cust-1", ledger.Day(2025, time.March, 1), "100")
	insert(t, s, inv)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		current, err := tx.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		current.DueAmount = money("40")
		current.Status = ledger.InvoicePartiallyPaid
		return tx.UpdateInvoice(ctx, current)
	})
	require.NoError(t, err)

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, money("40").Equal(got.DueAmount))
	assert.Equal(t, int64(2), got.Version)

	// Writing from the stale copy must fail.
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		inv.DueAmount = money("0")
		return tx.UpdateInvoice(ctx, inv)
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func testRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	inv := invoice("cust-1", ledger.Day(2025, time.March, 1), "100")

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.PutBalance(ctx, ledger.CustomerBalance{CustomerID: "cust-1", AmountDue: money("100"), Advance: decimal.Zero, UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		if err := tx.MarkEventApplied(ctx, "evt-1", "cust-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, ok, err := s.GetBalance(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The event id must still be usable.
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.MarkEventApplied(ctx, "evt-1", "cust-1")
	})
	assert.NoError(t, err)
}

func testPaymentsAndReturns(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	inv := invoice("cust-1", ledger.Day(2025, time.March, 1), "100")
	insert(t, s, inv)

	p1 := ledger.Payment{
		ID: uuid.NewString(), CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("60"),
		Mode: ledger.ModeCard, RecordedAt: ledger.Day(2025, time.March, 5),
		Allocations: []ledger.Allocation{{InvoiceID: inv.ID, Amount: money("60")}}, Advance: decimal.Zero,
	}
	p2 := ledger.Payment{
		ID: uuid.NewString(), CustomerID: "cust-1", Amount: money("50"),
		Mode: ledger.ModeCash, RecordedAt: ledger.Day(2025, time.April, 2),
		Allocations: []ledger.Allocation{{InvoiceID: inv.ID, Amount: money("40")}}, Advance: money("10"),
	}
	r := ledger.Return{
		ID:           uuid.NewString(),
		InvoiceID:    inv.ID,
		CustomerID:   "cust-1",
		Lines:        []ledger.ReturnLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitValue: money("5")}},
		ReturnValue:  money("5"),
		RefundMode:   ledger.RefundCash,
		AppliedToDue: decimal.Zero,
		Advance:      decimal.Zero,
		RecordedAt:   ledger.Day(2025, time.March, 20),
	}
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertPayment(ctx, p2); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, p1); err != nil {
			return err
		}
		return tx.InsertReturn(ctx, r)
	})
	require.NoError(t, err)

	march := ledger.MonthOf(ledger.Day(2025, time.March, 1))
	payments, err := s.QueryPayments(ctx, ledger.PaymentFilter{Period: &march})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, p1.ID, payments[0].ID)

	payments, err = s.QueryPayments(ctx, ledger.PaymentFilter{CustomerID: "cust-1"})
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, p1.ID, payments[0].ID, "ordered by recordedAt")
	require.Len(t, payments[1].Allocations, 1)
	assert.True(t, money("10").Equal(payments[1].Advance))

	got, err := s.GetPayment(ctx, p2.ID)
	require.NoError(t, err)
	assert.Empty(t, got.InvoiceID)

	returns, err := s.QueryReturns(ctx, ledger.ReturnFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	require.Len(t, returns, 1)
	assert.Equal(t, ledger.RefundCash, returns[0].RefundMode)
	assert.True(t, money("5").Equal(returns[0].ReturnValue))

	gotReturn, err := s.GetReturn(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, gotReturn.InvoiceID)
}

func testBalanceVersioning(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		b := ledger.CustomerBalance{CustomerID: "cust-1", AmountDue: money("10"), Advance: decimal.Zero, UpdatedAt: time.Now().UTC()}
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}
		got, ok, err := tx.GetBalance(ctx, "cust-1")
		if err != nil || !ok {
			return errors.New("balance not visible inside its own transaction")
		}
		got.AmountDue = money("25")
		return tx.PutBalance(ctx, got)
	})
	require.NoError(t, err)

	b, ok, err := s.GetBalance(ctx, "cust-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, money("25").Equal(b.AmountDue))
	assert.Equal(t, int64(2), b.Version)

	// Inserting again with version 0 is a conflict.
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutBalance(ctx, ledger.CustomerBalance{CustomerID: "cust-1", AmountDue: decimal.Zero, Advance: decimal.Zero, UpdatedAt: time.Now().UTC()})
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	list, err := s.ListBalances(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testEventsAppliedOnce(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.MarkEventApplied(ctx, "evt-1", "cust-1")
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.MarkEventApplied(ctx, "evt-1", "cust-1")
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
}

func testIdempotency(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	rec := ledger.IdempotencyRecord{Key: "key-1", Kind: ledger.OpPayment, Fingerprint: "3f9a", ResourceID: "pay-1", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveIdempotency(ctx, rec) }))

	got, ok, err := s.LookupIdempotency(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.OpPayment, got.Kind)
	assert.Equal(t, "pay-1", got.ResourceID)
	assert.Equal(t, "3f9a", got.Fingerprint)

	err = s.WithTx(ctx, func(tx ledger.Tx) error { return tx.SaveIdempotency(ctx, rec) })
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	_, ok, err = s.LookupIdempotency(ctx, "key-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testNotFound(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.GetInvoice(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetPayment(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetReturn(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
