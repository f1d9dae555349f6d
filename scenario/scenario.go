/*
Package scenario seeds the ledger with demo data for development and demos.

PURPOSE:
  Provides pre-built scenarios that populate the ledger with realistic
  activity. Each scenario drives the reconciliation engine, so the seeded
  data obeys every ledger rule and shows up in reports like real traffic.

AVAILABLE SCENARIOS:
  credit-customer: Credit sale settled over two instalments
  overpayment:     Overpayment kept as advance, consumed by the next sale
  period-boundary: Sale in one month, payment in the next
  returns:         Credit adjustment on an account sale, cash refund on a walk-in
  spillover:       One payment clearing several invoices oldest first

HOW SCENARIOS WORK:
 1. Customers are named "<scenario>-<n>" so scenarios never collide
 2. Every step carries the idempotency key "scenario:<id>:<step>"
 3. Loading a scenario twice replays the stored results; nothing is duplicated

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Write the loader: func(ctx, *seeder) error
 3. Register it in 'loaders'

SEE ALSO:
  - reconcile/engine.go: Every step goes through the engine
  - api/scenarios.go: HTTP endpoints
*/
package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/reconcile"
)

// Scenario describes one demo data set.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []Scenario{
	{
		ID:          "credit-customer",
		Name:        "Credit Customer",
		Description: "A 240 credit sale paid back in two instalments",
	},
	{
		ID:          "overpayment",
		Name:        "Overpayment",
		Description: "Paying 150 on a 100 invoice leaves 50 advance, used by the next sale",
	},
	{
		ID:          "period-boundary",
		Name:        "Period Boundary",
		Description: "Sale on day 1, payment on day 35: outstanding in one month, collected in the next",
	},
	{
		ID:          "returns",
		Name:        "Returns",
		Description: "Credit adjustment on an account sale and a cash refund on a walk-in sale",
	},
	{
		ID:          "spillover",
		Name:        "Spillover",
		Description: "One payment clearing three invoices in spillover order",
	},
}

var loaders = map[string]func(context.Context, *seeder) error{
	"credit-customer": loadCreditCustomer,
	"overpayment":     loadOverpayment,
	"period-boundary": loadPeriodBoundary,
	"returns":         loadReturns,
	"spillover":       loadSpillover,
}

// List returns the available scenarios.
func List() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// Load runs scenario id through the engine. Activity is dated from base.
func Load(ctx context.Context, engine *reconcile.Engine, id string, base time.Time) error {
	load, ok := loaders[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "scenario", ID: id}
	}
	s := &seeder{engine: engine, id: id, base: base.UTC()}
	if err := load(ctx, s); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// SEEDER
// =============================================================================

type seeder struct {
	engine *reconcile.Engine
	id     string
	base   time.Time
}

func (s *seeder) customer(n int) string { return fmt.Sprintf("%s-%d", s.id, n) }

func (s *seeder) key(step string) string { return "scenario:" + s.id + ":" + step }

// day returns 10:00 on the given day counted from base (day 1 is base).
func (s *seeder) day(n int) time.Time {
	return ledger.Day(s.base.Year(), s.base.Month(), s.base.Day()+n-1).Add(10 * time.Hour)
}

func (s *seeder) sale(ctx context.Context, step, customerID string, day int, lines []ledger.InvoiceLine, paid ...ledger.InitialPayment) (ledger.Invoice, error) {
	res, err := s.engine.RecordSale(ctx, reconcile.SaleDraft{
		CustomerID:      customerID,
		Lines:           lines,
		InitialPayments: paid,
		CreatedAt:       s.day(day),
		IdempotencyKey:  s.key(step),
	})
	return res.Invoice, err
}

func (s *seeder) pay(ctx context.Context, step, customerID, invoiceID string, day int, amount string, mode ledger.PaymentMode) error {
	_, err := s.engine.RecordPayment(ctx, reconcile.PaymentDraft{
		CustomerID:     customerID,
		InvoiceID:      invoiceID,
		Amount:         decimal.RequireFromString(amount),
		Mode:           mode,
		RecordedAt:     s.day(day),
		IdempotencyKey: s.key(step),
	})
	return err
}

func (s *seeder) giveBack(ctx context.Context, step, invoiceID string, day int, mode ledger.RefundMode, lines ...ledger.ReturnLine) error {
	_, err := s.engine.RecordReturn(ctx, reconcile.ReturnDraft{
		InvoiceID:      invoiceID,
		Lines:          lines,
		RefundMode:     mode,
		RecordedAt:     s.day(day),
		IdempotencyKey: s.key(step),
	})
	return err
}

func line(product string, qty int64, price, taxRate string) ledger.InvoiceLine {
	return ledger.InvoiceLine{
		ProductID: product,
		Quantity:  decimal.NewFromInt(qty),
		UnitPrice: decimal.RequireFromString(price),
		TaxRate:   decimal.RequireFromString(taxRate),
	}
}

func paid(mode ledger.PaymentMode, amount string) ledger.InitialPayment {
	return ledger.InitialPayment{Mode: mode, Amount: decimal.RequireFromString(amount)}
}

// =============================================================================
// LOADERS
// =============================================================================

func loadCreditCustomer(ctx context.Context, s *seeder) error {
	cust := s.customer(1)
	inv, err := s.sale(ctx, "sale", cust, 1, []ledger.InvoiceLine{
		line("rice-25kg", 2, "100", "0.2"),
	}, paid(ledger.ModeCash, "40"))
	if err != nil {
		return err
	}
	if err := s.pay(ctx, "instalment-1", cust, inv.ID, 10, "100", ledger.ModeOnline); err != nil {
		return err
	}
	return s.pay(ctx, "instalment-2", cust, inv.ID, 20, "100", ledger.ModeCash)
}

func loadOverpayment(ctx context.Context, s *seeder) error {
	cust := s.customer(1)
	inv, err := s.sale(ctx, "sale-1", cust, 1, []ledger.InvoiceLine{line("oil-5l", 4, "25", "0")})
	if err != nil {
		return err
	}
	if err := s.pay(ctx, "payment", cust, inv.ID, 3, "150", ledger.ModeCard); err != nil {
		return err
	}
	_, err = s.sale(ctx, "sale-2", cust, 5, []ledger.InvoiceLine{line("sugar-1kg", 3, "10", "0")})
	return err
}

func loadPeriodBoundary(ctx context.Context, s *seeder) error {
	cust := s.customer(1)
	inv, err := s.sale(ctx, "sale", cust, 1, []ledger.InvoiceLine{line("flour-10kg", 4, "50", "0")})
	if err != nil {
		return err
	}
	return s.pay(ctx, "payment", cust, inv.ID, 35, "200", ledger.ModeOnline)
}

func loadReturns(ctx context.Context, s *seeder) error {
	cust := s.customer(1)
	inv, err := s.sale(ctx, "account-sale", cust, 1, []ledger.InvoiceLine{
		line("kettle", 2, "50", "0"),
	}, paid(ledger.ModeCash, "30"))
	if err != nil {
		return err
	}
	if err := s.giveBack(ctx, "credit-return", inv.ID, 2, ledger.RefundCreditAdjustment,
		ledger.ReturnLine{ProductID: "kettle", Quantity: decimal.NewFromInt(1)}); err != nil {
		return err
	}

	walkIn, err := s.sale(ctx, "walk-in-sale", "", 3, []ledger.InvoiceLine{
		line("toaster", 1, "40", "0"),
	}, paid(ledger.ModeCard, "40"))
	if err != nil {
		return err
	}
	return s.giveBack(ctx, "cash-return", walkIn.ID, 4, ledger.RefundCash,
		ledger.ReturnLine{ProductID: "toaster", Quantity: decimal.NewFromInt(1)})
}

func loadSpillover(ctx context.Context, s *seeder) error {
	cust := s.customer(1)
	for i, price := range []string{"100", "50", "20"} {
		if _, err := s.sale(ctx, fmt.Sprintf("sale-%d", i+1), cust, i+1,
			[]ledger.InvoiceLine{line("bulk-order", 1, price, "0")}); err != nil {
			return err
		}
	}
	return s.pay(ctx, "payment", cust, "", 10, "160", ledger.ModeOnline)
}
