/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Multi-writer persistence. Several server processes can share one database;
  per-customer serialization then comes from transaction-scoped advisory
  locks rather than from the in-process lock table.

SCHEMA:
  Same tables as the SQLite store. Money columns are NUMERIC(18,4), times are
  TIMESTAMPTZ, and line/allocation arrays are JSONB.

CONCURRENCY:
  - LockCustomer takes pg_advisory_xact_lock(hashtext(customer_id)); the lock
    is released when the transaction ends
  - Version-checked UPDATEs return ledger.ErrConflict on a stale write
  - SQLSTATE 40001 (serialization_failure) and 40P01 (deadlock_detected)
    also map to ledger.ErrConflict and are retried by the engine

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node implementation
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/revenue-ledger/ledger"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	conn
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{conn: conn{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL DEFAULT '',
		lines_json JSONB NOT NULL,
		subtotal NUMERIC(18,4) NOT NULL,
		tax NUMERIC(18,4) NOT NULL,
		total NUMERIC(18,4) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		initial_payments_json JSONB NOT NULL,
		credit_applied NUMERIC(18,4) NOT NULL,
		due_amount NUMERIC(18,4) NOT NULL,
		status TEXT NOT NULL,
		voided_at TIMESTAMPTZ,
		void_reason TEXT,
		idempotency_key TEXT,
		version BIGINT NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_created_at ON invoices(created_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_customer_created ON invoices(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		invoice_id TEXT REFERENCES invoices(id),
		amount NUMERIC(18,4) NOT NULL,
		mode TEXT NOT NULL,
		description TEXT,
		recorded_at TIMESTAMPTZ NOT NULL,
		allocations_json JSONB NOT NULL,
		advance NUMERIC(18,4) NOT NULL,
		idempotency_key TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_payments_recorded_at ON payments(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_payments_customer ON payments(customer_id, recorded_at);

	CREATE TABLE IF NOT EXISTS returns (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		customer_id TEXT NOT NULL DEFAULT '',
		lines_json JSONB NOT NULL,
		return_value NUMERIC(18,4) NOT NULL,
		refund_mode TEXT NOT NULL,
		applied_to_due NUMERIC(18,4) NOT NULL,
		advance NUMERIC(18,4) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		idempotency_key TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_returns_recorded_at ON returns(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_returns_invoice ON returns(invoice_id);

	CREATE TABLE IF NOT EXISTS customer_balances (
		customer_id TEXT PRIMARY KEY,
		amount_due NUMERIC(18,4) NOT NULL,
		advance NUMERIC(18,4) NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balance_events (
		event_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	ALTER TABLE idempotency_keys ADD COLUMN IF NOT EXISTS fingerprint TEXT NOT NULL DEFAULT '';
	`)
	return err
}

// WithTx runs fn inside a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{conn: conn{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	conn
}

func (ts *txStore) LockCustomer(ctx context.Context, customerID string) error {
	_, err := ts.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", customerID)
	if err != nil {
		return mapError(fmt.Errorf("failed to lock customer %s: %w", customerID, err))
	}
	return nil
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	linesJSON, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	paymentsJSON, err := json.Marshal(inv.InitialPayments)
	if err != nil {
		return err
	}

	_, err = ts.q.Exec(ctx, `
		INSERT INTO invoices
		(id, customer_id, lines_json, subtotal, tax, total, created_at, initial_payments_json,
		 credit_applied, due_amount, status, voided_at, void_reason, idempotency_key, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
	`,
		inv.ID, inv.CustomerID, string(linesJSON),
		inv.Subtotal.String(), inv.Tax.String(), inv.Total.String(),
		inv.CreatedAt.UTC(), string(paymentsJSON),
		inv.CreditApplied.String(), inv.DueAmount.String(), string(inv.Status),
		inv.VoidedAt, nullable(inv.VoidReason), nullable(inv.IdempotencyKey),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert invoice: %w", err))
	}
	return nil
}

func (ts *txStore) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE invoices
		SET due_amount = $1, status = $2, voided_at = $3, void_reason = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, inv.DueAmount.String(), string(inv.Status), inv.VoidedAt, nullable(inv.VoidReason), inv.ID, inv.Version)
	if err != nil {
		return mapError(fmt.Errorf("failed to update invoice: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice %s at version %d: %w", inv.ID, inv.Version, ledger.ErrConflict)
	}
	return nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	allocationsJSON, err := json.Marshal(p.Allocations)
	if err != nil {
		return err
	}
	_, err = ts.q.Exec(ctx, `
		INSERT INTO payments
		(id, customer_id, invoice_id, amount, mode, description, recorded_at,
		 allocations_json, advance, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		p.ID, p.CustomerID, nullable(p.InvoiceID), p.Amount.String(), string(p.Mode),
		nullable(p.Description), p.RecordedAt.UTC(), string(allocationsJSON),
		p.Advance.String(), nullable(p.IdempotencyKey),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert payment: %w", err))
	}
	return nil
}

func (ts *txStore) InsertReturn(ctx context.Context, r ledger.Return) error {
	linesJSON, err := json.Marshal(r.Lines)
	if err != nil {
		return err
	}
	_, err = ts.q.Exec(ctx, `
		INSERT INTO returns
		(id, invoice_id, customer_id, lines_json, return_value, refund_mode,
		 applied_to_due, advance, recorded_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		r.ID, r.InvoiceID, r.CustomerID, string(linesJSON), r.ReturnValue.String(),
		string(r.RefundMode), r.AppliedToDue.String(), r.Advance.String(),
		r.RecordedAt.UTC(), nullable(r.IdempotencyKey),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert return: %w", err))
	}
	return nil
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.CustomerBalance) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if b.Version == 0 {
		tag, err = ts.q.Exec(ctx, `
			INSERT INTO customer_balances (customer_id, amount_due, advance, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (customer_id) DO NOTHING
		`, b.CustomerID, b.AmountDue.String(), b.Advance.String(), b.UpdatedAt.UTC())
	} else {
		tag, err = ts.q.Exec(ctx, `
			UPDATE customer_balances
			SET amount_due = $1, advance = $2, version = version + 1, updated_at = $3
			WHERE customer_id = $4 AND version = $5
		`, b.AmountDue.String(), b.Advance.String(), b.UpdatedAt.UTC(), b.CustomerID, b.Version)
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to write balance: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %s at version %d: %w", b.CustomerID, b.Version, ledger.ErrConflict)
	}
	return nil
}

func (ts *txStore) MarkEventApplied(ctx context.Context, eventID, customerID string) error {
	tag, err := ts.q.Exec(ctx, `
		INSERT INTO balance_events (event_id, customer_id) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, customerID)
	if err != nil {
		return mapError(fmt.Errorf("failed to record balance event: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrDuplicateEvent
	}
	return nil
}

func (ts *txStore) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	tag, err := ts.q.Exec(ctx, `
		INSERT INTO idempotency_keys (key, kind, fingerprint, resource_id, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, string(rec.Kind), rec.Fingerprint, rec.ResourceID, rec.CreatedAt.UTC())
	if err != nil {
		return mapError(fmt.Errorf("failed to save idempotency key: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

const invoiceColumns = `id, customer_id, lines_json, subtotal, tax, total, created_at,
	initial_payments_json, credit_applied, due_amount, status, voided_at, void_reason,
	idempotency_key, version`

const paymentColumns = `id, customer_id, invoice_id, amount, mode, description, recorded_at,
	allocations_json, advance, idempotency_key`

const returnColumns = `id, invoice_id, customer_id, lines_json, return_value, refund_mode,
	applied_to_due, advance, recorded_at, idempotency_key`

func (c conn) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	invs, err := c.queryInvoices(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if len(invs) == 0 {
		return ledger.Invoice{}, &ledger.NotFoundError{Kind: "invoice", ID: id}
	}
	return invs[0], nil
}

func (c conn) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	ps, err := c.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if err != nil {
		return ledger.Payment{}, err
	}
	if len(ps) == 0 {
		return ledger.Payment{}, &ledger.NotFoundError{Kind: "payment", ID: id}
	}
	return ps[0], nil
}

func (c conn) GetReturn(ctx context.Context, id string) (ledger.Return, error) {
	rs, err := c.queryReturns(ctx, "SELECT "+returnColumns+" FROM returns WHERE id = $1", id)
	if err != nil {
		return ledger.Return{}, err
	}
	if len(rs) == 0 {
		return ledger.Return{}, &ledger.NotFoundError{Kind: "return", ID: id}
	}
	return rs[0], nil
}

func (c conn) QueryInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	w := &where{}
	if f.Period != nil {
		w.add("created_at >= ?", f.Period.From())
		w.add("created_at < ?", f.Period.Until())
	}
	if f.CustomerID != "" {
		w.add("customer_id = ?", f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.add("status = ANY(?)", statuses)
	}
	if f.OutstandingOnly {
		w.add("status <> ?", string(ledger.InvoiceVoid))
		w.add("due_amount > ?", "0")
	}
	return c.queryInvoices(ctx,
		"SELECT "+invoiceColumns+" FROM invoices"+w.sql()+" ORDER BY created_at ASC, id ASC",
		w.args...)
}

func (c conn) QueryPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	w := &where{}
	if f.Period != nil {
		w.add("recorded_at >= ?", f.Period.From())
		w.add("recorded_at < ?", f.Period.Until())
	}
	if f.CustomerID != "" {
		w.add("customer_id = ?", f.CustomerID)
	}
	if f.InvoiceID != "" {
		w.add("invoice_id = ?", f.InvoiceID)
	}
	return c.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payments"+w.sql()+" ORDER BY recorded_at ASC, id ASC",
		w.args...)
}

func (c conn) QueryReturns(ctx context.Context, f ledger.ReturnFilter) ([]ledger.Return, error) {
	w := &where{}
	if f.Period != nil {
		w.add("recorded_at >= ?", f.Period.From())
		w.add("recorded_at < ?", f.Period.Until())
	}
	if f.CustomerID != "" {
		w.add("customer_id = ?", f.CustomerID)
	}
	if f.InvoiceID != "" {
		w.add("invoice_id = ?", f.InvoiceID)
	}
	return c.queryReturns(ctx,
		"SELECT "+returnColumns+" FROM returns"+w.sql()+" ORDER BY recorded_at ASC, id ASC",
		w.args...)
}

func (c conn) GetBalance(ctx context.Context, customerID string) (ledger.CustomerBalance, bool, error) {
	var b ledger.CustomerBalance
	err := c.q.QueryRow(ctx, `
		SELECT customer_id, amount_due, advance, version, updated_at
		FROM customer_balances WHERE customer_id = $1
	`, customerID).Scan(&b.CustomerID, &b.AmountDue, &b.Advance, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CustomerBalance{}, false, nil
	}
	if err != nil {
		return ledger.CustomerBalance{}, false, mapError(fmt.Errorf("failed to fetch balance: %w", err))
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, true, nil
}

func (c conn) ListBalances(ctx context.Context) ([]ledger.CustomerBalance, error) {
	rows, err := c.q.Query(ctx, `
		SELECT customer_id, amount_due, advance, version, updated_at
		FROM customer_balances ORDER BY customer_id
	`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query balances: %w", err))
	}
	defer rows.Close()

	var balances []ledger.CustomerBalance
	for rows.Next() {
		var b ledger.CustomerBalance
		if err := rows.Scan(&b.CustomerID, &b.AmountDue, &b.Advance, &b.Version, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (c conn) LookupIdempotency(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	var rec ledger.IdempotencyRecord
	var kind string
	err := c.q.QueryRow(ctx,
		"SELECT key, kind, fingerprint, resource_id, created_at FROM idempotency_keys WHERE key = $1", key,
	).Scan(&rec.Key, &kind, &rec.Fingerprint, &rec.ResourceID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, mapError(fmt.Errorf("failed to look up idempotency key: %w", err))
	}
	rec.Kind = ledger.OperationKind(kind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

func (c conn) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query invoices: %w", err))
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		var (
			inv                        ledger.Invoice
			linesJSON, paymentsJSON    []byte
			status                     string
			voidedAt                   *time.Time
			voidReason, idempotencyKey *string
		)
		err := rows.Scan(
			&inv.ID, &inv.CustomerID, &linesJSON, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.CreatedAt,
			&paymentsJSON, &inv.CreditApplied, &inv.DueAmount, &status, &voidedAt, &voidReason,
			&idempotencyKey, &inv.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		if err := json.Unmarshal(linesJSON, &inv.Lines); err != nil {
			return nil, fmt.Errorf("invoice %s lines: %w", inv.ID, err)
		}
		if err := json.Unmarshal(paymentsJSON, &inv.InitialPayments); err != nil {
			return nil, fmt.Errorf("invoice %s initial payments: %w", inv.ID, err)
		}
		inv.Status = ledger.InvoiceStatus(status)
		inv.CreatedAt = inv.CreatedAt.UTC()
		if voidedAt != nil {
			t := voidedAt.UTC()
			inv.VoidedAt = &t
		}
		inv.VoidReason = deref(voidReason)
		inv.IdempotencyKey = deref(idempotencyKey)
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (c conn) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                           ledger.Payment
			mode                        string
			invoiceID, description, key *string
			allocs                      []byte
		)
		err := rows.Scan(
			&p.ID, &p.CustomerID, &invoiceID, &p.Amount, &mode, &description, &p.RecordedAt,
			&allocs, &p.Advance, &key,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if err := json.Unmarshal(allocs, &p.Allocations); err != nil {
			return nil, fmt.Errorf("payment %s allocations: %w", p.ID, err)
		}
		p.Mode = ledger.PaymentMode(mode)
		p.InvoiceID = deref(invoiceID)
		p.Description = deref(description)
		p.IdempotencyKey = deref(key)
		p.RecordedAt = p.RecordedAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (c conn) queryReturns(ctx context.Context, query string, args ...any) ([]ledger.Return, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query returns: %w", err))
	}
	defer rows.Close()

	var returns []ledger.Return
	for rows.Next() {
		var (
			r         ledger.Return
			mode      string
			linesJSON []byte
			key       *string
		)
		err := rows.Scan(
			&r.ID, &r.InvoiceID, &r.CustomerID, &linesJSON, &r.ReturnValue, &mode,
			&r.AppliedToDue, &r.Advance, &r.RecordedAt, &key,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan return: %w", err)
		}
		if err := json.Unmarshal(linesJSON, &r.Lines); err != nil {
			return nil, fmt.Errorf("return %s lines: %w", r.ID, err)
		}
		r.RefundMode = ledger.RefundMode(mode)
		r.RecordedAt = r.RecordedAt.UTC()
		r.IdempotencyKey = deref(key)
		returns = append(returns, r)
	}
	return returns, rows.Err()
}

// where builds a conjunction with positional placeholders.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected:
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		case uniqueViolation:
			// Two writers inserted the same balance or record concurrently.
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
	}
	return err
}

var _ ledger.Store = (*Store)(nil)
