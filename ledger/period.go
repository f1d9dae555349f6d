package ledger

import "time"

// =============================================================================
// PERIOD - Reporting window
// =============================================================================

// Period is an inclusive window of calendar days in UTC.
// A record belongs to the period if it happened on any day from Start to End.
//
// Examples:
//   - A single day:    2025-03-10 .. 2025-03-10
//   - Calendar month:  2025-03-01 .. 2025-03-31
type Period struct {
	Start time.Time
	End   time.Time
}

// Day returns midnight UTC on the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// NewPeriod normalizes both ends to day boundaries and validates ordering.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: startOfDay(start), End: startOfDay(end)}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// ParsePeriod parses two YYYY-MM-DD dates.
func ParsePeriod(start, end string) (Period, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return Period{}, invalid("start", "expected YYYY-MM-DD, got %q", start)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return Period{}, invalid("end", "expected YYYY-MM-DD, got %q", end)
	}
	return NewPeriod(s, e)
}

func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

// From is the first instant inside the period.
func (p Period) From() time.Time { return startOfDay(p.Start) }

// Until is the first instant after the period.
func (p Period) Until() time.Time { return startOfDay(p.End).AddDate(0, 0, 1) }

// Contains returns true if t falls on a day within [Start, End].
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.From()) && t.Before(p.Until())
}

// Days returns every day in the period.
func (p Period) Days() []time.Time {
	var days []time.Time
	for d := p.From(); d.Before(p.Until()); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.DateOnly) + ", " + p.End.Format(time.DateOnly) + "]"
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := Day(t.Year(), t.Month(), 1)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
