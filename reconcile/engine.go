/*
Package reconcile is the only writer of invoices, payments, returns and
customer balances.

PURPOSE:
  Every business mutation (sale, payment, return, void) runs through the
  Engine. It turns a request into ledger records and balance adjustments
  inside ONE store transaction, so a customer's balance can never disagree
  with the invoices it summarizes.

OPERATION PIPELINE:
  1. Validate the request shape (no store access)
  2. Take the per-customer lock (in process) for the operation's key
  3. Open a store transaction and take the store-level customer lock
  4. Replay: if the idempotency key was seen, return the original record
  5. Write ledger records and adjust the balance
  6. Re-check the balance invariant for the customer, abort on mismatch
  7. Commit; on ErrConflict retry from step 3 with exponential backoff

CONCURRENCY:
  Operations on different customers run in parallel. Operations on the same
  customer are serialized by the keyed mutex; stores add their own guard
  (advisory lock, BEGIN IMMEDIATE or optimistic versions) for writers in
  other processes. Walk-in invoices have no customer and lock on
  "invoice:<id>".

SEE ALSO:
  - sale.go, payment.go, return.go, void.go: The operations
  - allocation.go: Spillover policies
  - audit.go:      Store-wide invariant check
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/revenue-ledger/ledger"
)

// Config tunes the engine. Zero values fall back to DefaultConfig.
type Config struct {
	// Tolerance is the allowed gap between a client's subtotal and the
	// computed one.
	Tolerance decimal.Decimal

	// CurrencyScale is the number of decimal places money is kept at.
	CurrencyScale int32

	// AutoApplyAdvance consumes a customer's advance credit against new sales.
	AutoApplyAdvance bool

	// Retry settings for ErrConflict.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tolerance:        decimal.RequireFromString("0.01"),
		CurrencyScale:    2,
		AutoApplyAdvance: true,
		MaxAttempts:      5,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       500 * time.Millisecond,
	}
}

// Engine records sales, payments and returns.
type Engine struct {
	store  ledger.Store
	cfg    Config
	policy SpilloverPolicy
	logger *zap.Logger
	now    func() time.Time
	locks  *keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPolicy sets the spillover policy. Defaults to OldestFirst.
func WithPolicy(p SpilloverPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over store.
func New(store ledger.Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.CurrencyScale <= 0 {
		cfg.CurrencyScale = def.CurrencyScale
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	e := &Engine{
		store:  store,
		cfg:    cfg,
		policy: OldestFirst{},
		logger: zap.NewNop(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store for read paths.
func (e *Engine) Store() ledger.Store { return e.store }

// Policy returns the active spillover policy.
func (e *Engine) Policy() SpilloverPolicy { return e.policy }

// =============================================================================
// TRANSACTION RUNNER
// =============================================================================

// operation describes one run of the pipeline.
type operation struct {
	kind       ledger.OperationKind
	lockKey    string // in-process lock; empty for no lock
	customerID string // store-level lock and invariant check; empty for walk-in
	key        string // idempotency key
}

// run executes fn in a store transaction under the operation's locks,
// retrying conflicts. The customer invariant is checked before commit.
func (e *Engine) run(ctx context.Context, op operation, fn func(tx ledger.Tx) error) error {
	if op.lockKey != "" {
		unlock := e.locks.Lock(op.lockKey)
		defer unlock()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialBackoff
	policy.MaxInterval = e.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
			if op.customerID != "" {
				if err := tx.LockCustomer(ctx, op.customerID); err != nil {
					return err
				}
			}
			if err := fn(tx); err != nil {
				return err
			}
			if op.customerID != "" {
				return e.checkCustomer(ctx, tx, op.customerID)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			// Another writer committed the same key; the retry replays it.
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		if ledger.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		e.logger.Warn("conflict, retrying",
			zap.String("op", string(op.kind)),
			zap.String("lock_key", op.lockKey),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	if err == nil {
		e.logger.Debug("committed",
			zap.String("op", string(op.kind)),
			zap.String("customer_id", op.customerID),
			zap.String("idempotency_key", op.key),
			zap.Int("attempts", attempts),
		)
		return nil
	}
	var violation *ledger.ConsistencyViolation
	if errors.As(err, &violation) {
		e.logger.Error("consistency violation, transaction aborted",
			zap.String("op", string(op.kind)),
			zap.String("customer_id", violation.CustomerID),
			zap.String("invoice_id", violation.InvoiceID),
			zap.String("rule", violation.Rule),
			zap.String("expected", violation.Expected.String()),
			zap.String("actual", violation.Actual.String()),
		)
		return err
	}
	if ledger.IsRetryable(err) {
		return &ledger.ConflictError{Key: op.lockKey, Attempts: attempts, Err: err}
	}
	return err
}

// =============================================================================
// INVARIANT CHECK
// =============================================================================

// checkCustomer verifies, inside the transaction, that the materialized
// balance matches the customer's invoices.
func (e *Engine) checkCustomer(ctx context.Context, tx ledger.Tx, customerID string) error {
	b, ok, err := tx.GetBalance(ctx, customerID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	invoices, err := tx.QueryInvoices(ctx, ledger.InvoiceFilter{CustomerID: customerID})
	if err != nil {
		return err
	}
	violations := verify(b, invoices)
	if len(violations) > 0 {
		return &violations[0]
	}
	return nil
}

// verify returns every broken rule for one customer.
func verify(b ledger.CustomerBalance, invoices []ledger.Invoice) []ledger.ConsistencyViolation {
	var violations []ledger.ConsistencyViolation
	outstanding := decimal.Zero
	for _, inv := range invoices {
		if inv.DueAmount.IsNegative() || inv.DueAmount.GreaterThan(inv.Total) {
			violations = append(violations, ledger.ConsistencyViolation{
				CustomerID: b.CustomerID,
				InvoiceID:  inv.ID,
				Rule:       "0 <= dueAmount <= total",
				Expected:   inv.Total,
				Actual:     inv.DueAmount,
			})
		}
		if inv.IsVoid() {
			continue
		}
		if want := ledger.StatusForDue(inv.DueAmount, inv.Total); inv.Status != want {
			violations = append(violations, ledger.ConsistencyViolation{
				CustomerID: b.CustomerID,
				InvoiceID:  inv.ID,
				Rule:       fmt.Sprintf("status %s does not match due (want %s)", inv.Status, want),
				Expected:   inv.DueAmount,
				Actual:     inv.DueAmount,
			})
		}
		outstanding = outstanding.Add(inv.DueAmount)
	}
	if b.Advance.IsNegative() {
		violations = append(violations, ledger.ConsistencyViolation{
			CustomerID: b.CustomerID,
			Rule:       "advance >= 0",
			Expected:   decimal.Zero,
			Actual:     b.Advance,
		})
	}
	expected := outstanding.Sub(b.Advance)
	if !b.AmountDue.Equal(expected) {
		violations = append(violations, ledger.ConsistencyViolation{
			CustomerID: b.CustomerID,
			Rule:       "amountDue == sum(dueAmount of non-void invoices) - advance",
			Expected:   expected,
			Actual:     b.AmountDue,
		})
	}
	return violations
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) round(d decimal.Decimal) decimal.Decimal {
	return d.Round(e.cfg.CurrencyScale)
}

// checkScale rejects amounts finer than the currency's minor unit.
func (e *Engine) checkScale(field string, d decimal.Decimal) error {
	if !d.Equal(e.round(d)) {
		return &ledger.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("%s has more than %d decimal places", d, e.cfg.CurrencyScale),
		}
	}
	return nil
}

// customerOf resolves the lock key and customer for an invoice-scoped operation.
func (e *Engine) customerOf(ctx context.Context, invoiceID string) (lockKey, customerID string, err error) {
	if invoiceID == "" {
		return "", "", &ledger.ValidationError{Field: "invoiceId", Reason: "is required"}
	}
	inv, err := e.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return "", "", err
	}
	if inv.IsWalkIn() {
		return "invoice:" + inv.ID, "", nil
	}
	return "customer:" + inv.CustomerID, inv.CustomerID, nil
}

// applyToInvoice reduces an invoice's due and writes it back.
func applyToInvoice(ctx context.Context, tx ledger.Tx, inv ledger.Invoice, amount decimal.Decimal) (ledger.Invoice, error) {
	inv.DueAmount = inv.DueAmount.Sub(amount)
	if inv.DueAmount.IsNegative() {
		return ledger.Invoice{}, &ledger.ConsistencyViolation{
			CustomerID: inv.CustomerID,
			InvoiceID:  inv.ID,
			Rule:       "dueAmount must not go negative",
			Expected:   decimal.Zero,
			Actual:     inv.DueAmount,
		}
	}
	inv.Status = ledger.StatusForDue(inv.DueAmount, inv.Total)
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return ledger.Invoice{}, err
	}
	inv.Version++
	return inv, nil
}
