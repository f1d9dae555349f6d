/*
audit.go - Store-wide invariant check and its background scheduler

PURPOSE:
  The engine checks one customer before every commit. Audit re-derives every
  customer's balance from their invoices, so drift introduced outside the
  engine (manual SQL, a restored backup) is noticed.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Logs every violation at error level; never mutates anything

USAGE:
  scheduler := NewAuditScheduler(engine, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/revenue-ledger/ledger"
)

// AuditReport is the outcome of one audit pass.
type AuditReport struct {
	CheckedAt  time.Time                     `json:"checkedAt"`
	Customers  int                           `json:"customers"`
	Invoices   int                           `json:"invoices"`
	Violations []ledger.ConsistencyViolation `json:"violations"`
}

// OK reports whether every invariant held.
func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// Audit verifies the balance invariant for every customer.
func (e *Engine) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{CheckedAt: e.now().UTC()}

	balances, err := e.store.ListBalances(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	for _, b := range balances {
		if err := ctx.Err(); err != nil {
			return AuditReport{}, err
		}
		invoices, err := e.store.QueryInvoices(ctx, ledger.InvoiceFilter{CustomerID: b.CustomerID})
		if err != nil {
			return AuditReport{}, err
		}
		report.Customers++
		report.Invoices += len(invoices)
		report.Violations = append(report.Violations, verify(b, invoices)...)
	}
	return report, nil
}

// =============================================================================
// SCHEDULER
// =============================================================================

// AuditScheduler runs Audit periodically.
type AuditScheduler struct {
	Engine        *Engine
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.Mutex
	last   AuditReport
}

// NewAuditScheduler creates a scheduler. A non-positive interval disables it.
func NewAuditScheduler(engine *Engine, interval time.Duration, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Engine:        engine,
		CheckInterval: interval,
		Enabled:       interval > 0,
		logger:        logger.Named("audit"),
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight audit.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow()
	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one audit pass and logs the outcome.
func (s *AuditScheduler) RunNow() AuditReport {
	report, err := s.Engine.Audit(context.Background())
	if err != nil {
		s.logger.Error("audit failed", zap.Error(err))
		return AuditReport{}
	}

	for _, v := range report.Violations {
		s.logger.Error("consistency violation",
			zap.String("customer_id", v.CustomerID),
			zap.String("invoice_id", v.InvoiceID),
			zap.String("rule", v.Rule),
			zap.String("expected", v.Expected.String()),
			zap.String("actual", v.Actual.String()),
		)
	}
	s.logger.Info("audit completed",
		zap.Int("customers", report.Customers),
		zap.Int("invoices", report.Invoices),
		zap.Int("violations", len(report.Violations)),
	)

	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()
	return report
}

// LastReport returns the most recent audit outcome.
func (s *AuditScheduler) LastReport() AuditReport {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}
