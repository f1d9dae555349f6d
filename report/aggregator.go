/*
Package report computes read-only financial summaries over a period.

PURPOSE:
  The Aggregator turns the ledger's invoices, payments and returns into the
  figures the revenue screens and exports show. It never writes.

TWO WINDOWS:
  Sales-time figures (grossRevenue, creditSales, instantCollection) use
  invoices CREATED in the window. Collection figures (duesCollected) use
  payments RECORDED in the window, whatever the age of the invoice they
  settle. Keeping the two apart is what makes stillOutstanding add up:

    Sale 200 on day 1, payment 200 on day 35
      [day 1, day 30]:  creditSales 200, duesCollected 0,   stillOutstanding  200
      [day 31, day 40]: creditSales 0,   duesCollected 200, stillOutstanding -200

FORMULAS:
  netRevenue       = grossRevenue − returns
  totalCollected   = instantCollection + duesCollected
  collectionRate   = totalCollected / grossRevenue × 100
  stillOutstanding = creditSales − duesCollected (negative = advance)

  Void invoices are left out of every sales-time figure and reported in
  voidedCount/voidedValue instead.

CONSISTENCY:
  Each engine transaction commits atomically, so a query sees a payment's
  whole allocation spread or none of it. Queries fan out concurrently and
  are not a single snapshot across tables.

SEE ALSO:
  - reconcile/engine.go: The writer
*/
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/revenue-ledger/ledger"
)

// Version is the schema version of Report. Bump on any field change.
const Version = "v1"

// =============================================================================
// REPORT
// =============================================================================

type Report struct {
	Version     string      `json:"version"`
	Period      PeriodRange `json:"period"`
	GeneratedAt time.Time   `json:"generatedAt"`

	Summary                Summary   `json:"summary"`
	ComprehensiveBreakdown Breakdown `json:"comprehensiveBreakdown"`
	DuesSummary            Dues      `json:"duesSummary"`
}

type PeriodRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Summary struct {
	GrossRevenue      decimal.Decimal `json:"grossRevenue"`
	Returns           decimal.Decimal `json:"returns"`
	NetRevenue        decimal.Decimal `json:"netRevenue"`
	InstantCollection decimal.Decimal `json:"instantCollection"`
	TotalCollected    decimal.Decimal `json:"totalCollected"`
	CollectionRate    decimal.Decimal `json:"collectionRate"`
	InvoiceCount      int             `json:"invoiceCount"`
	PaymentCount      int             `json:"paymentCount"`
	ReturnCount       int             `json:"returnCount"`
}

type Breakdown struct {
	InstantSales        decimal.Decimal                        `json:"instantSales"`
	CreditSales         decimal.Decimal                        `json:"creditSales"`
	DuesCollected       decimal.Decimal                        `json:"duesCollected"`
	DuesFromPeriodSales decimal.Decimal                        `json:"duesFromPeriodSales"`
	DuesFromPriorSales  decimal.Decimal                        `json:"duesFromPriorSales"`
	AdvancesReceived    decimal.Decimal                        `json:"advancesReceived"`
	CashRefunds         decimal.Decimal                        `json:"cashRefunds"`
	CreditAdjustments   decimal.Decimal                        `json:"creditAdjustments"`
	CollectionByMode    map[ledger.PaymentMode]decimal.Decimal `json:"collectionByMode"`
	VoidedCount         int                                    `json:"voidedCount"`
	VoidedValue         decimal.Decimal                        `json:"voidedValue"`
}

type Dues struct {
	PeriodBased PeriodDues  `json:"periodBased"`
	Current     CurrentDues `json:"current"`
}

type PeriodDues struct {
	CreditSales      decimal.Decimal `json:"creditSales"`
	DuesCollected    decimal.Decimal `json:"duesCollected"`
	StillOutstanding decimal.Decimal `json:"stillOutstanding"`
	IsAdvance        bool            `json:"isAdvance"`
}

// CurrentDues is a snapshot at query time, independent of the period.
type CurrentDues struct {
	TotalOutstanding  decimal.Decimal `json:"totalOutstanding"`
	TotalAdvance      decimal.Decimal `json:"totalAdvance"`
	CustomersWithDues int             `json:"customersWithDues"`
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	store  ledger.Reader
	logger *zap.Logger
	now    func() time.Time
	scale  int32
}

type Option func(*Aggregator)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithScale sets the decimal places of collectionRate.
func WithScale(scale int32) Option {
	return func(a *Aggregator) { a.scale = scale }
}

func New(store ledger.Reader, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, logger: zap.NewNop(), now: time.Now, scale: 2}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// dataset is everything one period query needs.
type dataset struct {
	invoices []ledger.Invoice
	payments []ledger.Payment
	returns  []ledger.Return
	balances []ledger.CustomerBalance
}

func (a *Aggregator) load(ctx context.Context, p ledger.Period, withBalances bool) (dataset, error) {
	var ds dataset
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ds.invoices, err = a.store.QueryInvoices(ctx, ledger.InvoiceFilter{Period: &p})
		return err
	})
	g.Go(func() error {
		var err error
		ds.payments, err = a.store.QueryPayments(ctx, ledger.PaymentFilter{Period: &p})
		return err
	})
	g.Go(func() error {
		var err error
		ds.returns, err = a.store.QueryReturns(ctx, ledger.ReturnFilter{Period: &p})
		return err
	})
	if withBalances {
		g.Go(func() error {
			var err error
			ds.balances, err = a.store.ListBalances(ctx)
			return err
		})
	}
	return ds, g.Wait()
}

// Summarize computes the period report.
func (a *Aggregator) Summarize(ctx context.Context, p ledger.Period) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{}, err
	}
	ds, err := a.load(ctx, p, true)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		Version:     Version,
		Period:      PeriodRange{Start: p.Start.Format(time.DateOnly), End: p.End.Format(time.DateOnly)},
		GeneratedAt: a.now().UTC(),
	}
	s := &r.Summary
	b := &r.ComprehensiveBreakdown
	b.CollectionByMode = make(map[ledger.PaymentMode]decimal.Decimal)

	inPeriod := make(map[string]bool, len(ds.invoices))
	for _, inv := range ds.invoices {
		if inv.IsVoid() {
			b.VoidedCount++
			b.VoidedValue = b.VoidedValue.Add(inv.Total)
			continue
		}
		inPeriod[inv.ID] = true
		s.InvoiceCount++
		s.GrossRevenue = s.GrossRevenue.Add(inv.Total)

		paid := inv.InitialPaid()
		s.InstantCollection = s.InstantCollection.Add(paid)
		for _, ip := range inv.InitialPayments {
			b.CollectionByMode[ip.Mode] = b.CollectionByMode[ip.Mode].Add(ip.Amount)
		}
		if due := inv.DueAtCreation(); due.IsPositive() {
			b.CreditSales = b.CreditSales.Add(due)
		} else {
			b.InstantSales = b.InstantSales.Add(inv.Total)
		}
	}

	for _, pay := range ds.payments {
		s.PaymentCount++
		b.DuesCollected = b.DuesCollected.Add(pay.Amount)
		b.CollectionByMode[pay.Mode] = b.CollectionByMode[pay.Mode].Add(pay.Amount)
		for _, alloc := range pay.Allocations {
			if inPeriod[alloc.InvoiceID] {
				b.DuesFromPeriodSales = b.DuesFromPeriodSales.Add(alloc.Amount)
			} else {
				b.DuesFromPriorSales = b.DuesFromPriorSales.Add(alloc.Amount)
			}
		}
		b.AdvancesReceived = b.AdvancesReceived.Add(pay.Advance)
	}

	for _, ret := range ds.returns {
		s.ReturnCount++
		s.Returns = s.Returns.Add(ret.ReturnValue)
		switch ret.RefundMode {
		case ledger.RefundCash:
			b.CashRefunds = b.CashRefunds.Add(ret.ReturnValue)
		case ledger.RefundCreditAdjustment:
			b.CreditAdjustments = b.CreditAdjustments.Add(ret.ReturnValue)
		}
	}

	s.NetRevenue = s.GrossRevenue.Sub(s.Returns)
	s.TotalCollected = s.InstantCollection.Add(b.DuesCollected)
	s.CollectionRate = percent(s.TotalCollected, s.GrossRevenue, a.scale)

	still := b.CreditSales.Sub(b.DuesCollected)
	r.DuesSummary.PeriodBased = PeriodDues{
		CreditSales:      b.CreditSales,
		DuesCollected:    b.DuesCollected,
		StillOutstanding: still,
		IsAdvance:        still.IsNegative(),
	}
	r.DuesSummary.Current = currentDues(ds.balances)

	a.logger.Debug("period summarized",
		zap.String("period", p.String()),
		zap.Int("invoices", s.InvoiceCount),
		zap.Int("payments", s.PaymentCount),
		zap.Int("returns", s.ReturnCount),
	)
	return r, nil
}

func currentDues(balances []ledger.CustomerBalance) CurrentDues {
	var c CurrentDues
	for _, b := range balances {
		if b.AmountDue.IsPositive() {
			c.TotalOutstanding = c.TotalOutstanding.Add(b.AmountDue)
			c.CustomersWithDues++
		}
		c.TotalAdvance = c.TotalAdvance.Add(b.Advance)
	}
	return c
}

// percent returns part/whole × 100, or zero when whole is zero.
func percent(part, whole decimal.Decimal, scale int32) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(decimal.NewFromInt(100)).DivRound(whole, scale)
}
