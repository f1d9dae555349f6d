package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/ledger/store"
	"github.com/warp/revenue-ledger/reconcile"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(d int) time.Time { return ledger.Day(2025, time.January, d).Add(10 * time.Hour) }

func newEngine(t *testing.T, opts ...reconcile.Option) (*reconcile.Engine, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	return reconcile.New(m, reconcile.DefaultConfig(), opts...), m
}

// creditSale rings up one untaxed line of the given total with nothing paid.
func creditSale(t *testing.T, e *reconcile.Engine, customerID, total string, at time.Time) ledger.Invoice {
	t.Helper()
	res, err := e.RecordSale(context.Background(), reconcile.SaleDraft{
		CustomerID: customerID,
		Lines:      []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money(total)}},
		CreatedAt:  at,
	})
	require.NoError(t, err)
	return res.Invoice
}

func balanceOf(t *testing.T, s ledger.Store, customerID string) ledger.CustomerBalance {
	t.Helper()
	b, ok, err := s.GetBalance(context.Background(), customerID)
	require.NoError(t, err)
	require.True(t, ok, "customer %s has no balance", customerID)
	return b
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, money(want).Equal(got), append([]any{fmt.Sprintf("want %s, got %s", want, got)}, msgAndArgs...)...)
}

func assertAuditClean(t *testing.T, e *reconcile.Engine) {
	t.Helper()
	report, err := e.Audit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
}

// =============================================================================
// SALES
// =============================================================================

func TestRecordSale_CreditSaleChargesBalance(t *testing.T) {
	// GIVEN: A new customer
	// WHEN: A 200 sale is rung up with nothing paid
	// THEN: The invoice is open with due 200 and the balance is 200

	e, m := newEngine(t)
	inv := creditSale(t, e, "cust-1", "200", day(1))

	assert.Equal(t, ledger.InvoiceOpen, inv.Status)
	assertMoney(t, "200", inv.DueAmount)
	assertMoney(t, "200", balanceOf(t, m, "cust-1").AmountDue)
	assertAuditClean(t, e)
}

func TestRecordSale_ComputesTaxAndPartialPayment(t *testing.T) {
	e, m := newEngine(t)
	res, err := e.RecordSale(context.Background(), reconcile.SaleDraft{
		CustomerID: "cust-1",
		Lines: []ledger.InvoiceLine{
			{ProductID: "sku-1", Quantity: decimal.NewFromInt(2), UnitPrice: money("50"), TaxRate: money("0.18")},
		},
		Subtotal:        decimal.NewNullDecimal(money("100.005")),
		InitialPayments: []ledger.InitialPayment{{Mode: ledger.ModeCash, Amount: money("18")}},
	})
	require.NoError(t, err)

	assertMoney(t, "100", res.Invoice.Subtotal)
	assertMoney(t, "18", res.Invoice.Tax)
	assertMoney(t, "118", res.Invoice.Total)
	assertMoney(t, "100", res.Invoice.DueAmount)
	assert.Equal(t, ledger.InvoicePartiallyPaid, res.Invoice.Status)
	require.NotNil(t, res.Balance)
	assertMoney(t, "100", res.Balance.AmountDue)
	assertMoney(t, "100", balanceOf(t, m, "cust-1").AmountDue)
}

func TestRecordSale_Validation(t *testing.T) {
	line := ledger.InvoiceLine{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("100")}

	tests := []struct {
		name  string
		draft reconcile.SaleDraft
	}{
		{"no lines", reconcile.SaleDraft{CustomerID: "c"}},
		{"zero quantity", reconcile.SaleDraft{CustomerID: "c", Lines: []ledger.InvoiceLine{{ProductID: "sku-1", UnitPrice: money("1")}}}},
		{"tax rate above one", reconcile.SaleDraft{CustomerID: "c", Lines: []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("1"), TaxRate: money("1.5")}}}},
		{"subtotal mismatch", reconcile.SaleDraft{CustomerID: "c", Lines: []ledger.InvoiceLine{line}, Subtotal: decimal.NewNullDecimal(money("99.90"))}},
		{"overpaid at till", reconcile.SaleDraft{CustomerID: "c", Lines: []ledger.InvoiceLine{line}, InitialPayments: []ledger.InitialPayment{{Mode: ledger.ModeCard, Amount: money("100.01")}}}},
		{"credit clearance at till", reconcile.SaleDraft{CustomerID: "c", Lines: []ledger.InvoiceLine{line}, InitialPayments: []ledger.InitialPayment{{Mode: ledger.ModeCreditClearance, Amount: money("10")}}}},
		{"walk-in not fully paid", reconcile.SaleDraft{Lines: []ledger.InvoiceLine{line}, InitialPayments: []ledger.InitialPayment{{Mode: ledger.ModeCash, Amount: money("50")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, m := newEngine(t)
			_, err := e.RecordSale(context.Background(), tt.draft)
			assert.ErrorIs(t, err, ledger.ErrValidation)

			invs, err := m.QueryInvoices(context.Background(), ledger.InvoiceFilter{})
			require.NoError(t, err)
			assert.Empty(t, invs, "rejected sales leave no trace")
		})
	}
}

func TestRecordSale_WalkInPaidInFull(t *testing.T) {
	e, m := newEngine(t)
	res, err := e.RecordSale(context.Background(), reconcile.SaleDraft{
		Lines:           []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("40")}},
		InitialPayments: []ledger.InitialPayment{{Mode: ledger.ModeOnline, Amount: money("40")}},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, res.Invoice.Status)
	assert.Nil(t, res.Balance)

	balances, err := m.ListBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestRecordSale_ConsumesAdvanceCredit(t *testing.T) {
	// GIVEN: A customer who overpaid by 50
	// WHEN: They buy for 80
	// THEN: 50 of credit is applied and 30 remains due

	e, m := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "100", day(1))
	_, err := e.RecordPayment(ctx, reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("150"), Mode: ledger.ModeCash})
	require.NoError(t, err)
	assertMoney(t, "-50", balanceOf(t, m, "cust-1").AmountDue)

	next := creditSale(t, e, "cust-1", "80", day(2))
	assertMoney(t, "50", next.CreditApplied)
	assertMoney(t, "30", next.DueAmount)
	assert.Equal(t, ledger.InvoicePartiallyPaid, next.Status)

	b := balanceOf(t, m, "cust-1")
	assertMoney(t, "30", b.AmountDue)
	assertMoney(t, "0", b.Advance)
	assertAuditClean(t, e)
}

func TestRecordSale_AdvanceKeptWhenAutoApplyOff(t *testing.T) {
	m := store.NewMemory()
	cfg := reconcile.DefaultConfig()
	cfg.AutoApplyAdvance = false
	e := reconcile.New(m, cfg)
	ctx := context.Background()

	inv := creditSale(t, e, "cust-1", "100", day(1))
	_, err := e.RecordPayment(ctx, reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("150"), Mode: ledger.ModeCash})
	require.NoError(t, err)

	next := creditSale(t, e, "cust-1", "80", day(2))
	assertMoney(t, "80", next.DueAmount)
	b := balanceOf(t, m, "cust-1")
	assertMoney(t, "30", b.AmountDue)
	assertMoney(t, "50", b.Advance)
	assertAuditClean(t, e)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_OverpaymentBecomesAdvance(t *testing.T) {
	// GIVEN: One invoice with due 100
	// WHEN: The customer pays 150 against it
	// THEN: The invoice is paid, the balance is -50 and 50 is advance

	e, m := newEngine(t)
	inv := creditSale(t, e, "cust-1", "100", day(1))

	res, err := e.RecordPayment(context.Background(), reconcile.PaymentDraft{
		CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("150"), Mode: ledger.ModeCash,
	})
	require.NoError(t, err)

	got, err := m.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, got.Status)
	assertMoney(t, "0", got.DueAmount)

	assertMoney(t, "-50", res.Balance.AmountDue)
	assertMoney(t, "50", res.Balance.Advance)
	assertMoney(t, "50", res.Payment.Advance)
	require.Len(t, res.Payment.Allocations, 1)
	assertMoney(t, "100", res.Payment.Allocations[0].Amount)
	assert.True(t, res.Balance.InCredit())
	assertAuditClean(t, e)
}

func TestRecordPayment_SpillsOldestFirst(t *testing.T) {
	e, m := newEngine(t)
	ctx := context.Background()
	newer := creditSale(t, e, "cust-1", "30", day(3))
	older := creditSale(t, e, "cust-1", "100", day(1))
	target := creditSale(t, e, "cust-1", "50", day(5))

	res, err := e.RecordPayment(ctx, reconcile.PaymentDraft{
		CustomerID: "cust-1", InvoiceID: target.ID, Amount: money("170"), Mode: ledger.ModeCard,
	})
	require.NoError(t, err)

	require.Len(t, res.Payment.Allocations, 3)
	assert.Equal(t, target.ID, res.Payment.Allocations[0].InvoiceID, "targeted invoice first")
	assert.Equal(t, older.ID, res.Payment.Allocations[1].InvoiceID)
	assertMoney(t, "100", res.Payment.Allocations[1].Amount)
	assert.Equal(t, newer.ID, res.Payment.Allocations[2].InvoiceID)
	assertMoney(t, "20", res.Payment.Allocations[2].Amount)
	assertMoney(t, "0", res.Payment.Advance)

	got, err := m.GetInvoice(ctx, newer.ID)
	require.NoError(t, err)
	assertMoney(t, "10", got.DueAmount)
	assert.Equal(t, ledger.InvoicePartiallyPaid, got.Status)
	assertMoney(t, "10", balanceOf(t, m, "cust-1").AmountDue)
	assertAuditClean(t, e)
}

func TestRecordPayment_LargestDueFirst(t *testing.T) {
	e, m := newEngine(t, reconcile.WithPolicy(reconcile.LargestDueFirst{}))
	ctx := context.Background()
	small := creditSale(t, e, "cust-1", "20", day(1))
	big := creditSale(t, e, "cust-1", "80", day(2))
	mid := creditSale(t, e, "cust-1", "50", day(3))

	res, err := e.RecordPayment(ctx, reconcile.PaymentDraft{CustomerID: "cust-1", Amount: money("100"), Mode: ledger.ModeOnline})
	require.NoError(t, err)

	require.Len(t, res.Payment.Allocations, 2)
	assert.Equal(t, big.ID, res.Payment.Allocations[0].InvoiceID)
	assert.Equal(t, mid.ID, res.Payment.Allocations[1].InvoiceID)
	assertMoney(t, "20", res.Payment.Allocations[1].Amount)

	got, err := m.GetInvoice(ctx, small.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceOpen, got.Status)
	assertMoney(t, "50", balanceOf(t, m, "cust-1").AmountDue)
}

func TestRecordPayment_IdempotentReplay(t *testing.T) {
	// GIVEN: A payment recorded with an idempotency key
	// WHEN: The same request is retried
	// THEN: The original payment is returned and the balance moves once

	e, m := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "100", day(1))
	draft := reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("40"), Mode: ledger.ModeCash, IdempotencyKey: "pay-001"}

	first, err := e.RecordPayment(ctx, draft)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := e.RecordPayment(ctx, draft)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	payments, err := m.QueryPayments(ctx, ledger.PaymentFilter{CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	assertMoney(t, "60", balanceOf(t, m, "cust-1").AmountDue)

	// The key cannot be reused for another kind of operation.
	_, err = e.VoidInvoice(ctx, reconcile.VoidDraft{InvoiceID: inv.ID, IdempotencyKey: "pay-001"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRecordPayment_KeyReusedByAnotherCustomer(t *testing.T) {
	// GIVEN: alice paid 40 with key k1
	// WHEN: bob sends a payment of 250 with the same key
	// THEN: bob's request is rejected and neither ledger is touched

	e, m := newEngine(t)
	ctx := context.Background()
	aliceInv := creditSale(t, e, "alice", "100", day(1))
	bobInv := creditSale(t, e, "bob", "300", day(1))

	_, err := e.RecordPayment(ctx, reconcile.PaymentDraft{
		CustomerID: "alice", InvoiceID: aliceInv.ID, Amount: money("40"), Mode: ledger.ModeCash, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	res, err := e.RecordPayment(ctx, reconcile.PaymentDraft{
		CustomerID: "bob", InvoiceID: bobInv.ID, Amount: money("250"), Mode: ledger.ModeCard, IdempotencyKey: "k1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotencyKey", verr.Field)
	assert.False(t, res.Replayed)
	assert.Empty(t, res.Payment.ID)

	assertMoney(t, "60", balanceOf(t, m, "alice").AmountDue)
	assertMoney(t, "300", balanceOf(t, m, "bob").AmountDue)
	bobPayments, err := m.QueryPayments(ctx, ledger.PaymentFilter{CustomerID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, bobPayments)
	assertAuditClean(t, e)
}

func TestRecordPayment_KeyReusedWithDifferentPayload(t *testing.T) {
	// GIVEN: A payment of 40 recorded with key pay-1
	// WHEN: The same customer retries with 40.00, then sends 45 under the same key
	// THEN: The retry replays; the changed amount is rejected

	e, m := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "100", day(1))
	draft := reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("40"), Mode: ledger.ModeCash, IdempotencyKey: "pay-1"}

	first, err := e.RecordPayment(ctx, draft)
	require.NoError(t, err)

	retry := draft
	retry.Amount = money("40.00")
	retry.RecordedAt = day(2)
	second, err := e.RecordPayment(ctx, retry)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	changed := draft
	changed.Amount = money("45")
	_, err = e.RecordPayment(ctx, changed)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	assertMoney(t, "60", balanceOf(t, m, "cust-1").AmountDue)
}

func TestRecordSale_KeyReusedByAnotherCustomer(t *testing.T) {
	// GIVEN: A credit sale to alice under key sale-1
	// WHEN: A sale to bob arrives with the same key
	// THEN: It is rejected instead of returning alice's invoice

	e, m := newEngine(t)
	ctx := context.Background()
	line := []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("80")}}

	_, err := e.RecordSale(ctx, reconcile.SaleDraft{CustomerID: "alice", Lines: line, IdempotencyKey: "sale-1"})
	require.NoError(t, err)

	res, err := e.RecordSale(ctx, reconcile.SaleDraft{CustomerID: "bob", Lines: line, IdempotencyKey: "sale-1"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Empty(t, res.Invoice.ID)

	_, ok, err := m.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordPayment_Errors(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "100", day(1))
	other := creditSale(t, e, "cust-2", "10", day(1))
	voided := creditSale(t, e, "cust-1", "5", day(2))
	_, err := e.VoidInvoice(ctx, reconcile.VoidDraft{InvoiceID: voided.ID})
	require.NoError(t, err)

	tests := []struct {
		name  string
		draft reconcile.PaymentDraft
		want  error
	}{
		{"zero amount", reconcile.PaymentDraft{CustomerID: "cust-1", Amount: decimal.Zero, Mode: ledger.ModeCash}, ledger.ErrValidation},
		{"negative amount", reconcile.PaymentDraft{CustomerID: "cust-1", Amount: money("-1"), Mode: ledger.ModeCash}, ledger.ErrValidation},
		{"sub-cent amount", reconcile.PaymentDraft{CustomerID: "cust-1", Amount: money("1.005"), Mode: ledger.ModeCash}, ledger.ErrValidation},
		{"unknown mode", reconcile.PaymentDraft{CustomerID: "cust-1", Amount: money("1"), Mode: "cheque"}, ledger.ErrValidation},
		{"unknown customer", reconcile.PaymentDraft{CustomerID: "ghost", Amount: money("1"), Mode: ledger.ModeCash}, ledger.ErrNotFound},
		{"missing invoice", reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: "missing", Amount: money("1"), Mode: ledger.ModeCash}, ledger.ErrNotFound},
		{"void invoice", reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: voided.ID, Amount: money("1"), Mode: ledger.ModeCash}, ledger.ErrNotFound},
		{"other customer's invoice", reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: other.ID, Amount: money("1"), Mode: ledger.ModeCash}, ledger.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RecordPayment(ctx, tt.draft)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, err := e.Store().GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assertMoney(t, "100", got.DueAmount, "failed payments must not touch invoices")
}

// =============================================================================
// RETURNS
// =============================================================================

func twoUnitSale(t *testing.T, e *reconcile.Engine, customerID string, paid string) ledger.Invoice {
	t.Helper()
	draft := reconcile.SaleDraft{
		CustomerID: customerID,
		Lines:      []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(2), UnitPrice: money("50")}},
		CreatedAt:  day(1),
	}
	if paid != "" {
		draft.InitialPayments = []ledger.InitialPayment{{Mode: ledger.ModeCash, Amount: money(paid)}}
	}
	res, err := e.RecordSale(context.Background(), draft)
	require.NoError(t, err)
	return res.Invoice
}

func returnOne(invoiceID string, mode ledger.RefundMode) reconcile.ReturnDraft {
	return reconcile.ReturnDraft{
		InvoiceID:  invoiceID,
		Lines:      []ledger.ReturnLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1)}},
		RefundMode: mode,
	}
}

func TestRecordReturn_CreditAdjustmentExcessBecomesAdvance(t *testing.T) {
	// GIVEN: A 100 invoice with 80 paid (due 20)
	// WHEN: One unit worth 50 is returned as credit_adjustment
	// THEN: 20 clears the due, 30 becomes advance, balance -30

	e, m := newEngine(t)
	inv := twoUnitSale(t, e, "cust-1", "80")

	res, err := e.RecordReturn(context.Background(), returnOne(inv.ID, ledger.RefundCreditAdjustment))
	require.NoError(t, err)

	assertMoney(t, "50", res.Return.ReturnValue, "defaults to the invoice unit price")
	assertMoney(t, "20", res.Return.AppliedToDue)
	assertMoney(t, "30", res.Return.Advance)
	assert.Equal(t, ledger.InvoicePaid, res.Invoice.Status)
	require.NotNil(t, res.Balance)
	assertMoney(t, "-30", res.Balance.AmountDue)
	assertMoney(t, "-30", balanceOf(t, m, "cust-1").AmountDue)
	assertAuditClean(t, e)
}

func TestRecordReturn_CashRefundLeavesBalance(t *testing.T) {
	e, m := newEngine(t)
	inv := twoUnitSale(t, e, "cust-1", "")

	res, err := e.RecordReturn(context.Background(), returnOne(inv.ID, ledger.RefundCash))
	require.NoError(t, err)

	assertMoney(t, "0", res.Return.AppliedToDue)
	assertMoney(t, "100", res.Invoice.DueAmount)
	assertMoney(t, "100", balanceOf(t, m, "cust-1").AmountDue)
	assertAuditClean(t, e)
}

func TestRecordReturn_Ceiling(t *testing.T) {
	// GIVEN: A two-unit sale
	// WHEN: Returns exceed the quantity sold or the invoice total
	// THEN: Each is rejected and leaves invoice, balance and returns unchanged

	e, m := newEngine(t)
	ctx := context.Background()
	inv := twoUnitSale(t, e, "cust-1", "")

	type state struct {
		due     decimal.Decimal
		balance decimal.Decimal
		returns int
	}
	snapshot := func(invoiceID string) state {
		t.Helper()
		got, err := m.GetInvoice(ctx, invoiceID)
		require.NoError(t, err)
		returns, err := m.QueryReturns(ctx, ledger.ReturnFilter{InvoiceID: invoiceID})
		require.NoError(t, err)
		return state{due: got.DueAmount, balance: balanceOf(t, m, "cust-1").AmountDue, returns: len(returns)}
	}
	assertUnchanged := func(before state, invoiceID string) {
		t.Helper()
		after := snapshot(invoiceID)
		assertMoney(t, before.due.String(), after.due, "invoice due")
		assertMoney(t, before.balance.String(), after.balance, "balance")
		assert.Equal(t, before.returns, after.returns, "returns")
	}

	before := snapshot(inv.ID)
	tooMany := returnOne(inv.ID, ledger.RefundCreditAdjustment)
	tooMany.Lines[0].Quantity = decimal.NewFromInt(3)
	_, err := e.RecordReturn(ctx, tooMany)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assertUnchanged(before, inv.ID)

	_, err = e.RecordReturn(ctx, returnOne(inv.ID, ledger.RefundCreditAdjustment))
	require.NoError(t, err)
	_, err = e.RecordReturn(ctx, returnOne(inv.ID, ledger.RefundCreditAdjustment))
	require.NoError(t, err)

	before = snapshot(inv.ID)
	assert.Equal(t, 2, before.returns)
	_, err = e.RecordReturn(ctx, returnOne(inv.ID, ledger.RefundCreditAdjustment))
	assert.ErrorIs(t, err, ledger.ErrValidation, "everything sold is already back")
	assertUnchanged(before, inv.ID)

	fresh := twoUnitSale(t, e, "cust-1", "")
	before = snapshot(fresh.ID)
	overValued := returnOne(fresh.ID, ledger.RefundCash)
	overValued.Lines[0].UnitValue = money("500")
	_, err = e.RecordReturn(ctx, overValued)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assertUnchanged(before, fresh.ID)
	assertAuditClean(t, e)
}

func TestRecordReturn_UnknownProductAndModes(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	inv := twoUnitSale(t, e, "cust-1", "")

	wrong := returnOne(inv.ID, ledger.RefundCash)
	wrong.Lines[0].ProductID = "sku-9"
	_, err := e.RecordReturn(ctx, wrong)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.RecordReturn(ctx, returnOne(inv.ID, "store_credit"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.RecordReturn(ctx, returnOne("missing", ledger.RefundCash))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRecordReturn_WalkIn(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	inv := twoUnitSale(t, e, "", "100")

	_, err := e.RecordReturn(ctx, returnOne(inv.ID, ledger.RefundCreditAdjustment))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	res, err := e.RecordReturn(ctx, returnOne(inv.ID, ledger.RefundCash))
	require.NoError(t, err)
	assert.Nil(t, res.Balance)
	assertMoney(t, "50", res.Return.ReturnValue)
}

func TestRecordReturn_FullReturnAbsorbsRounding(t *testing.T) {
	// Three units at 1.00 with 0.5% tax: each unit is worth 1.01 after
	// rounding, but the invoice total is only 3.02.
	e, _ := newEngine(t)
	ctx := context.Background()
	var lines []ledger.InvoiceLine
	for _, p := range []string{"a", "b", "c"} {
		lines = append(lines, ledger.InvoiceLine{ProductID: p, Quantity: decimal.NewFromInt(1), UnitPrice: money("1"), TaxRate: money("0.005")})
	}
	res, err := e.RecordSale(ctx, reconcile.SaleDraft{CustomerID: "cust-1", Lines: lines})
	require.NoError(t, err)
	inv := res.Invoice
	assertMoney(t, "3.02", inv.Total)

	total := decimal.Zero
	for _, p := range []string{"a", "b", "c"} {
		r, err := e.RecordReturn(ctx, reconcile.ReturnDraft{
			InvoiceID:  inv.ID,
			Lines:      []ledger.ReturnLine{{ProductID: p, Quantity: decimal.NewFromInt(1)}},
			RefundMode: ledger.RefundCreditAdjustment,
		})
		require.NoError(t, err)
		total = total.Add(r.Return.ReturnValue)
	}
	assertMoney(t, "3.02", total)

	got, err := e.Store().GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, got.Status)
	assertAuditClean(t, e)
}

// =============================================================================
// VOID
// =============================================================================

func TestVoidInvoice(t *testing.T) {
	e, m := newEngine(t)
	ctx := context.Background()
	open := creditSale(t, e, "cust-1", "100", day(1))
	paid := creditSale(t, e, "cust-1", "30", day(2))
	_, err := e.RecordPayment(ctx, reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: paid.ID, Amount: money("30"), Mode: ledger.ModeCash})
	require.NoError(t, err)

	res, err := e.VoidInvoice(ctx, reconcile.VoidDraft{InvoiceID: open.ID, Reason: "rung up twice"})
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceVoid, res.Invoice.Status)
	require.NotNil(t, res.Invoice.VoidedAt)
	assertMoney(t, "0", balanceOf(t, m, "cust-1").AmountDue)

	_, err = e.VoidInvoice(ctx, reconcile.VoidDraft{InvoiceID: paid.ID})
	assert.ErrorIs(t, err, ledger.ErrValidation, "paid invoices are returned, not voided")

	_, err = e.VoidInvoice(ctx, reconcile.VoidDraft{InvoiceID: open.ID})
	assert.ErrorIs(t, err, ledger.ErrNotFound, "already void")

	_, err = e.RecordReturn(ctx, returnOne(open.ID, ledger.RefundCash))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assertAuditClean(t, e)
}

func TestVoidInvoice_RejectedAfterReturn(t *testing.T) {
	// GIVEN: A 100 credit sale with one unit returned for cash
	// WHEN: The invoice is voided
	// THEN: The void is rejected and the invoice stays live

	e, m := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "100", day(2))
	_, err := e.RecordReturn(ctx, returnOne(inv.ID, ledger.RefundCash))
	require.NoError(t, err)

	_, err = e.VoidInvoice(ctx, reconcile.VoidDraft{InvoiceID: inv.ID, Reason: "rung up twice"})
	require.Error(t, err)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invoiceId", verr.Field)

	got, err := m.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceOpen, got.Status)
	assert.Nil(t, got.VoidedAt)
	assertMoney(t, "100", balanceOf(t, m, "cust-1").AmountDue)
	assertAuditClean(t, e)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentPayments_NoLostUpdates(t *testing.T) {
	// GIVEN: One invoice with due 1000
	// WHEN: 50 goroutines each pay 10 at the same time
	// THEN: The balance is exactly 500 and the invariant holds

	e, m := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "1000", day(1))

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.RecordPayment(ctx, reconcile.PaymentDraft{
				CustomerID:     "cust-1",
				InvoiceID:      inv.ID,
				Amount:         money("10"),
				Mode:           ledger.ModeCash,
				IdempotencyKey: fmt.Sprintf("pay-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assertMoney(t, "500", balanceOf(t, m, "cust-1").AmountDue)
	got, err := m.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assertMoney(t, "500", got.DueAmount)
	assertAuditClean(t, e)
}

func TestConcurrentOperations_AcrossCustomers(t *testing.T) {
	e, m := newEngine(t)
	ctx := context.Background()

	customers := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for _, c := range customers {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(c string, i int) {
				defer wg.Done()
				res, err := e.RecordSale(ctx, reconcile.SaleDraft{
					CustomerID: c,
					Lines:      []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("20")}},
				})
				if !assert.NoError(t, err) {
					return
				}
				_, err = e.RecordPayment(ctx, reconcile.PaymentDraft{CustomerID: c, InvoiceID: res.Invoice.ID, Amount: money("5"), Mode: ledger.ModeCard})
				assert.NoError(t, err)
			}(c, i)
		}
	}
	wg.Wait()

	for _, c := range customers {
		assertMoney(t, "150", balanceOf(t, m, c).AmountDue, "customer %s", c)
	}
	assertAuditClean(t, e)
}

// =============================================================================
// CONSISTENCY AND RETRIES
// =============================================================================

func TestConsistencyViolation_AbortsOperation(t *testing.T) {
	// GIVEN: A balance that drifted from its invoices outside the engine
	// WHEN: A payment is recorded
	// THEN: The payment is rejected and nothing is written

	e, m := newEngine(t)
	ctx := context.Background()
	inv := creditSale(t, e, "cust-1", "100", day(1))

	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		b, _, err := tx.GetBalance(ctx, "cust-1")
		if err != nil {
			return err
		}
		b.AmountDue = b.AmountDue.Add(decimal.NewFromInt(1))
		return tx.PutBalance(ctx, b)
	}))

	_, err := e.RecordPayment(ctx, reconcile.PaymentDraft{CustomerID: "cust-1", InvoiceID: inv.ID, Amount: money("10"), Mode: ledger.ModeCash})
	assert.ErrorIs(t, err, ledger.ErrConsistencyViolation)

	payments, err := m.QueryPayments(ctx, ledger.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, payments)

	report, err := e.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "cust-1", report.Violations[0].CustomerID)
	assertMoney(t, "100", report.Violations[0].Expected)
	assertMoney(t, "101", report.Violations[0].Actual)
}

// flakyStore fails the first n transactions with ErrConflict.
type flakyStore struct {
	ledger.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("commit: %w", ledger.ErrConflict)
	}
	return f.Store.WithTx(ctx, fn)
}

func TestRetry_ConflictsAreRetried(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemory(), fails: 2}
	cfg := reconcile.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	e := reconcile.New(fs, cfg)

	_, err := e.RecordSale(context.Background(), reconcile.SaleDraft{
		CustomerID: "cust-1",
		Lines:      []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("10")}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)
}

func TestRetry_ExhaustedReturnsConflictError(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemory(), fails: 100}
	cfg := reconcile.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	e := reconcile.New(fs, cfg)

	_, err := e.RecordSale(context.Background(), reconcile.SaleDraft{
		CustomerID: "cust-1",
		Lines:      []ledger.InvoiceLine{{ProductID: "sku-1", Quantity: decimal.NewFromInt(1), UnitPrice: money("10")}},
	})
	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, "customer:cust-1", conflict.Key)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}
