package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

// DailyPoint is one day of the revenue trend.
type DailyPoint struct {
	Date         string          `json:"date"`
	GrossRevenue decimal.Decimal `json:"grossRevenue"`
	Returns      decimal.Decimal `json:"returns"`
	NetRevenue   decimal.Decimal `json:"netRevenue"`
	Collected    decimal.Decimal `json:"collected"`
}

// DailyTrend returns one point per day of the period, including empty days.
// Summing the points gives the period's Summarize figures.
func (a *Aggregator) DailyTrend(ctx context.Context, p ledger.Period) ([]DailyPoint, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ds, err := a.load(ctx, p, false)
	if err != nil {
		return nil, err
	}

	days := p.Days()
	points := make([]DailyPoint, len(days))
	index := make(map[string]int, len(days))
	for i, d := range days {
		key := d.Format(time.DateOnly)
		points[i] = DailyPoint{Date: key}
		index[key] = i
	}
	at := func(t time.Time) *DailyPoint {
		i, ok := index[t.UTC().Format(time.DateOnly)]
		if !ok {
			return nil
		}
		return &points[i]
	}

	for _, inv := range ds.invoices {
		pt := at(inv.CreatedAt)
		if pt == nil || inv.IsVoid() {
			continue
		}
		pt.GrossRevenue = pt.GrossRevenue.Add(inv.Total)
		pt.Collected = pt.Collected.Add(inv.InitialPaid())
	}
	for _, pay := range ds.payments {
		if pt := at(pay.RecordedAt); pt != nil {
			pt.Collected = pt.Collected.Add(pay.Amount)
		}
	}
	for _, ret := range ds.returns {
		if pt := at(ret.RecordedAt); pt != nil {
			pt.Returns = pt.Returns.Add(ret.ReturnValue)
		}
	}
	for i := range points {
		points[i].NetRevenue = points[i].GrossRevenue.Sub(points[i].Returns)
	}
	return points, nil
}
