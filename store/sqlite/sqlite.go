/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable single-node persistence for invoices, payments, returns and
  customer balances. The same schema is used by the PostgreSQL store with
  only dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on payments and returns
  - Invoices and customer_balances are updated with a version check
    (WHERE version = ?), so a stale writer gets ledger.ErrConflict

KEY TABLES:
  invoices:          Sales with lines, initial payments and remaining due
  payments:          Immutable payments with their allocation spread
  returns:           Immutable returns
  customer_balances: Materialized per-customer balance
  balance_events:    Event ids already applied to a balance (exactly-once)
  idempotency_keys:  Client keys mapped to the record they produced

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so
  SQLite takes its write lock up front and a competing writer waits up to
  the busy timeout. SQLITE_BUSY/SQLITE_LOCKED surface as ledger.ErrConflict
  and are retried by the engine.

MONEY AND TIME:
  Decimals are stored as TEXT to keep exact values. Timestamps are stored as
  fixed-width UTC strings so lexical order equals chronological order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL DEFAULT '',
		lines_json TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		created_at TEXT NOT NULL,
		initial_payments_json TEXT NOT NULL,
		credit_applied TEXT NOT NULL,
		due_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		voided_at TEXT,
		void_reason TEXT,
		idempotency_key TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_created_at
		ON invoices(created_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_customer_created
		ON invoices(customer_id, created_at);

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		invoice_id TEXT REFERENCES invoices(id),
		amount TEXT NOT NULL,
		mode TEXT NOT NULL,
		description TEXT,
		recorded_at TEXT NOT NULL,
		allocations_json TEXT NOT NULL,
		advance TEXT NOT NULL,
		idempotency_key TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_recorded_at
		ON payments(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_payments_customer
		ON payments(customer_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id) WHERE invoice_id IS NOT NULL;

	-- Returns (append-only)
	CREATE TABLE IF NOT EXISTS returns (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		customer_id TEXT NOT NULL DEFAULT '',
		lines_json TEXT NOT NULL,
		return_value TEXT NOT NULL,
		refund_mode TEXT NOT NULL,
		applied_to_due TEXT NOT NULL,
		advance TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		idempotency_key TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_returns_recorded_at
		ON returns(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_returns_invoice
		ON returns(invoice_id);

	CREATE TABLE IF NOT EXISTS customer_balances (
		customer_id TEXT PRIMARY KEY,
		amount_due TEXT NOT NULL,
		advance TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balance_events (
		event_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created before fingerprints were stored lack the column.
	_, err := s.db.Exec("ALTER TABLE idempotency_keys ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''")
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return err
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	conn
}

// LockCustomer is a no-op: BEGIN IMMEDIATE already holds the database write lock.
func (ts *txStore) LockCustomer(context.Context, string) error { return nil }

func (ts *txStore) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	linesJSON, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	paymentsJSON, err := json.Marshal(inv.InitialPayments)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO invoices
		(id, customer_id, lines_json, subtotal, tax, total, created_at, initial_payments_json,
		 credit_applied, due_amount, status, voided_at, void_reason, idempotency_key, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`
	_, err = ts.q.ExecContext(ctx, query,
		inv.ID,
		inv.CustomerID,
		string(linesJSON),
		inv.Subtotal.String(),
		inv.Tax.String(),
		inv.Total.String(),
		formatTime(inv.CreatedAt),
		string(paymentsJSON),
		inv.CreditApplied.String(),
		inv.DueAmount.String(),
		inv.Status,
		nullTime(inv.VoidedAt),
		nullString(inv.VoidReason),
		nullString(inv.IdempotencyKey),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert invoice: %w", err))
	}
	return nil
}

func (ts *txStore) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	query := `
		UPDATE invoices
		SET due_amount = ?, status = ?, voided_at = ?, void_reason = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := ts.q.ExecContext(ctx, query,
		inv.DueAmount.String(),
		inv.Status,
		nullTime(inv.VoidedAt),
		nullString(inv.VoidReason),
		inv.ID,
		inv.Version,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update invoice: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invoice %s at version %d: %w", inv.ID, inv.Version, ledger.ErrConflict)
	}
	return nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	allocationsJSON, err := json.Marshal(p.Allocations)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payments
		(id, customer_id, invoice_id, amount, mode, description, recorded_at,
		 allocations_json, advance, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ts.q.ExecContext(ctx, query,
		p.ID,
		p.CustomerID,
		nullString(p.InvoiceID),
		p.Amount.String(),
		p.Mode,
		nullString(p.Description),
		formatTime(p.RecordedAt),
		string(allocationsJSON),
		p.Advance.String(),
		nullString(p.IdempotencyKey),
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

	query := `
		INSERT INTO returns
		(id, invoice_id, customer_id, lines_json, return_value, refund_mode,
		 applied_to_due, advance, recorded_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ts.q.ExecContext(ctx, query,
		r.ID,
		r.InvoiceID,
		r.CustomerID,
		string(linesJSON),
		r.ReturnValue.String(),
		r.RefundMode,
		r.AppliedToDue.String(),
		r.Advance.String(),
		formatTime(r.RecordedAt),
		nullString(r.IdempotencyKey),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert return: %w", err))
	}
	return nil
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.CustomerBalance) error {
	var (
		res sql.Result
		err error
	)
	if b.Version == 0 {
		res, err = ts.q.ExecContext(ctx, `
			INSERT INTO customer_balances (customer_id, amount_due, advance, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(customer_id) DO NOTHING
		`, b.CustomerID, b.AmountDue.String(), b.Advance.String(), formatTime(b.UpdatedAt))
	} else {
		res, err = ts.q.ExecContext(ctx, `
			UPDATE customer_balances
			SET amount_due = ?, advance = ?, version = version + 1, updated_at = ?
			WHERE customer_id = ? AND version = ?
		`, b.AmountDue.String(), b.Advance.String(), formatTime(b.UpdatedAt), b.CustomerID, b.Version)
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to write balance: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("balance %s at version %d: %w", b.CustomerID, b.Version, ledger.ErrConflict)
	}
	return nil
}

func (ts *txStore) MarkEventApplied(ctx context.Context, eventID, customerID string) error {
	_, err := ts.q.ExecContext(ctx,
		"INSERT INTO balance_events (event_id, customer_id, applied_at) VALUES (?, ?, ?)",
		eventID, customerID, formatTime(time.Now()),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateEvent
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to record balance event: %w", err))
	}
	return nil
}

func (ts *txStore) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	_, err := ts.q.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, kind, fingerprint, resource_id, created_at) VALUES (?, ?, ?, ?, ?)",
		rec.Key, rec.Kind, rec.Fingerprint, rec.ResourceID, formatTime(rec.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to save idempotency key: %w", err))
	}
	return nil
}

// =============================================================================
// READS (shared by Store and txStore)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
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
	invs, err := c.queryInvoices(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if len(invs) == 0 {
		return ledger.Invoice{}, &ledger.NotFoundError{Kind: "invoice", ID: id}
	}
	return invs[0], nil
}

func (c conn) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	ps, err := c.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	if err != nil {
		return ledger.Payment{}, err
	}
	if len(ps) == 0 {
		return ledger.Payment{}, &ledger.NotFoundError{Kind: "payment", ID: id}
	}
	return ps[0], nil
}

func (c conn) GetReturn(ctx context.Context, id string) (ledger.Return, error) {
	rs, err := c.queryReturns(ctx, "SELECT "+returnColumns+" FROM returns WHERE id = ?", id)
	if err != nil {
		return ledger.Return{}, err
	}
	if len(rs) == 0 {
		return ledger.Return{}, &ledger.NotFoundError{Kind: "return", ID: id}
	}
	return rs[0], nil
}

func (c conn) QueryInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if f.Period != nil {
		where = append(where, "created_at >= ? AND created_at < ?")
		args = append(args, formatTime(f.Period.From()), formatTime(f.Period.Until()))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	query := "SELECT " + invoiceColumns + " FROM invoices" + whereClause(where) +
		" ORDER BY created_at ASC, id ASC"

	invs, err := c.queryInvoices(ctx, query, args...)
	if err != nil || !f.OutstandingOnly {
		return invs, err
	}
	// Due is stored as TEXT, so the positivity filter runs here.
	outstanding := invs[:0]
	for _, inv := range invs {
		if !inv.IsVoid() && inv.DueAmount.IsPositive() {
			outstanding = append(outstanding, inv)
		}
	}
	return outstanding, nil
}

func (c conn) QueryPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	var (
		where []string
		args  []any
	)
	if f.Period != nil {
		where = append(where, "recorded_at >= ? AND recorded_at < ?")
		args = append(args, formatTime(f.Period.From()), formatTime(f.Period.Until()))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, f.InvoiceID)
	}
	query := "SELECT " + paymentColumns + " FROM payments" + whereClause(where) +
		" ORDER BY recorded_at ASC, id ASC"
	return c.queryPayments(ctx, query, args...)
}

func (c conn) QueryReturns(ctx context.Context, f ledger.ReturnFilter) ([]ledger.Return, error) {
	var (
		where []string
		args  []any
	)
	if f.Period != nil {
		where = append(where, "recorded_at >= ? AND recorded_at < ?")
		args = append(args, formatTime(f.Period.From()), formatTime(f.Period.Until()))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, f.InvoiceID)
	}
	query := "SELECT " + returnColumns + " FROM returns" + whereClause(where) +
		" ORDER BY recorded_at ASC, id ASC"
	return c.queryReturns(ctx, query, args...)
}

func (c conn) GetBalance(ctx context.Context, customerID string) (ledger.CustomerBalance, bool, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT customer_id, amount_due, advance, version, updated_at FROM customer_balances WHERE customer_id = ?",
		customerID,
	)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CustomerBalance{}, false, nil
	}
	if err != nil {
		return ledger.CustomerBalance{}, false, err
	}
	return b, true, nil
}

func (c conn) ListBalances(ctx context.Context) ([]ledger.CustomerBalance, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT customer_id, amount_due, advance, version, updated_at FROM customer_balances ORDER BY customer_id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []ledger.CustomerBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (c conn) LookupIdempotency(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	var rec ledger.IdempotencyRecord
	var createdAt string
	err := c.q.QueryRowContext(ctx,
		"SELECT key, kind, fingerprint, resource_id, created_at FROM idempotency_keys WHERE key = ?",
		key,
	).Scan(&rec.Key, &rec.Kind, &rec.Fingerprint, &rec.ResourceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, true, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func (c conn) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query invoices: %w", err))
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		var (
			inv                                      ledger.Invoice
			linesJSON, paymentsJSON, createdAt       string
			subtotal, tax, total, creditApplied, due string
			voidedAt, voidReason, idempotencyKey     sql.NullString
		)
		err := rows.Scan(
			&inv.ID, &inv.CustomerID, &linesJSON, &subtotal, &tax, &total, &createdAt,
			&paymentsJSON, &creditApplied, &due, &inv.Status, &voidedAt, &voidReason,
			&idempotencyKey, &inv.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		if err := json.Unmarshal([]byte(linesJSON), &inv.Lines); err != nil {
			return nil, fmt.Errorf("invoice %s lines: %w", inv.ID, err)
		}
		if err := json.Unmarshal([]byte(paymentsJSON), &inv.InitialPayments); err != nil {
			return nil, fmt.Errorf("invoice %s initial payments: %w", inv.ID, err)
		}
		inv.Subtotal = parseDecimal(subtotal)
		inv.Tax = parseDecimal(tax)
		inv.Total = parseDecimal(total)
		inv.CreditApplied = parseDecimal(creditApplied)
		inv.DueAmount = parseDecimal(due)
		inv.CreatedAt = parseTime(createdAt)
		if voidedAt.Valid {
			t := parseTime(voidedAt.String)
			inv.VoidedAt = &t
		}
		inv.VoidReason = voidReason.String
		inv.IdempotencyKey = idempotencyKey.String
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (c conn) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                                   ledger.Payment
			invoiceID, description, key         sql.NullString
			amount, recordedAt, allocs, advance string
		)
		err := rows.Scan(
			&p.ID, &p.CustomerID, &invoiceID, &amount, &p.Mode, &description, &recordedAt,
			&allocs, &advance, &key,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if err := json.Unmarshal([]byte(allocs), &p.Allocations); err != nil {
			return nil, fmt.Errorf("payment %s allocations: %w", p.ID, err)
		}
		p.InvoiceID = invoiceID.String
		p.Description = description.String
		p.IdempotencyKey = key.String
		p.Amount = parseDecimal(amount)
		p.Advance = parseDecimal(advance)
		p.RecordedAt = parseTime(recordedAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (c conn) queryReturns(ctx context.Context, query string, args ...any) ([]ledger.Return, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query returns: %w", err))
	}
	defer rows.Close()

	var returns []ledger.Return
	for rows.Next() {
		var (
			r                                  ledger.Return
			linesJSON, value, applied, advance string
			recordedAt                         string
			key                                sql.NullString
		)
		err := rows.Scan(
			&r.ID, &r.InvoiceID, &r.CustomerID, &linesJSON, &value, &r.RefundMode,
			&applied, &advance, &recordedAt, &key,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan return: %w", err)
		}
		if err := json.Unmarshal([]byte(linesJSON), &r.Lines); err != nil {
			return nil, fmt.Errorf("return %s lines: %w", r.ID, err)
		}
		r.ReturnValue = parseDecimal(value)
		r.AppliedToDue = parseDecimal(applied)
		r.Advance = parseDecimal(advance)
		r.RecordedAt = parseTime(recordedAt)
		r.IdempotencyKey = key.String
		returns = append(returns, r)
	}
	return returns, rows.Err()
}

func scanBalance(row scanner) (ledger.CustomerBalance, error) {
	var (
		b                           ledger.CustomerBalance
		amountDue, advance, updated string
	)
	if err := row.Scan(&b.CustomerID, &amountDue, &advance, &b.Version, &updated); err != nil {
		return ledger.CustomerBalance{}, err
	}
	b.AmountDue = parseDecimal(amountDue)
	b.Advance = parseDecimal(advance)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// Helper functions

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t.UTC()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// mapError turns lock contention into ledger.ErrConflict so the engine retries.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}
