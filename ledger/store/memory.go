// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/revenue-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state in maps guarded by one RWMutex.
// Transactions buffer their writes and publish them in a single short
// critical section at commit, so readers see whole transactions or nothing.
type Memory struct {
	mu          sync.RWMutex
	invoices    map[string]ledger.Invoice
	payments    map[string]ledger.Payment
	returns     map[string]ledger.Return
	balances    map[string]ledger.CustomerBalance
	events      map[string]string
	idempotency map[string]ledger.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{
		invoices:    make(map[string]ledger.Invoice),
		payments:    make(map[string]ledger.Payment),
		returns:     make(map[string]ledger.Return),
		balances:    make(map[string]ledger.CustomerBalance),
		events:      make(map[string]string),
		idempotency: make(map[string]ledger.IdempotencyRecord),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetInvoice(_ context.Context, id string) (ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ledger.Invoice{}, &ledger.NotFoundError{Kind: "invoice", ID: id}
	}
	return inv, nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return ledger.Payment{}, &ledger.NotFoundError{Kind: "payment", ID: id}
	}
	return p, nil
}

func (m *Memory) GetReturn(_ context.Context, id string) (ledger.Return, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.returns[id]
	if !ok {
		return ledger.Return{}, &ledger.NotFoundError{Kind: "return", ID: id}
	}
	return r, nil
}

func (m *Memory) QueryInvoices(_ context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterInvoices(m.invoices, nil, f), nil
}

func (m *Memory) QueryPayments(_ context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterPayments(m.payments, nil, f), nil
}

func (m *Memory) QueryReturns(_ context.Context, f ledger.ReturnFilter) ([]ledger.Return, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterReturns(m.returns, nil, f), nil
}

func (m *Memory) GetBalance(_ context.Context, customerID string) (ledger.CustomerBalance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[customerID]
	return b, ok, nil
}

func (m *Memory) ListBalances(_ context.Context) ([]ledger.CustomerBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.CustomerBalance, 0, len(m.balances))
	for _, b := range m.balances {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CustomerID < result[j].CustomerID })
	return result, nil
}

func (m *Memory) LookupIdempotency(_ context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	return rec, ok, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a buffered view and publishes its writes atomically.
// Version checks at commit turn lost updates into ledger.ErrConflict.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	view := newTxView(m)
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole write set before touching anything.
	for id, base := range v.invoiceBase {
		current, exists := m.invoices[id]
		if base == 0 && exists {
			return fmt.Errorf("invoice %s: %w", id, ledger.ErrConflict)
		}
		if base != 0 && (!exists || current.Version != base) {
			return fmt.Errorf("invoice %s: %w", id, ledger.ErrConflict)
		}
	}
	for id, base := range v.balanceBase {
		current, exists := m.balances[id]
		if base == 0 && exists {
			return fmt.Errorf("balance %s: %w", id, ledger.ErrConflict)
		}
		if base != 0 && (!exists || current.Version != base) {
			return fmt.Errorf("balance %s: %w", id, ledger.ErrConflict)
		}
	}
	for id := range v.events {
		if _, exists := m.events[id]; exists {
			return fmt.Errorf("event %s: %w", id, ledger.ErrConflict)
		}
	}
	for key := range v.idempotency {
		if _, exists := m.idempotency[key]; exists {
			return fmt.Errorf("idempotency key %s: %w", key, ledger.ErrConflict)
		}
	}

	for id, inv := range v.invoices {
		m.invoices[id] = inv
	}
	for _, p := range v.payments {
		m.payments[p.ID] = p
	}
	for _, r := range v.returns {
		m.returns[r.ID] = r
	}
	for id, b := range v.balances {
		m.balances[id] = b
	}
	for id, customer := range v.events {
		m.events[id] = customer
	}
	for key, rec := range v.idempotency {
		m.idempotency[key] = rec
	}
	return nil
}

// txView overlays buffered writes on the committed state.
type txView struct {
	parent *Memory

	invoices    map[string]ledger.Invoice
	invoiceBase map[string]int64 // committed version the tx started from; 0 = new
	payments    map[string]ledger.Payment
	returns     map[string]ledger.Return
	balances    map[string]ledger.CustomerBalance
	balanceBase map[string]int64
	events      map[string]string
	idempotency map[string]ledger.IdempotencyRecord
}

func newTxView(parent *Memory) *txView {
	return &txView{
		parent:      parent,
		invoices:    make(map[string]ledger.Invoice),
		invoiceBase: make(map[string]int64),
		payments:    make(map[string]ledger.Payment),
		returns:     make(map[string]ledger.Return),
		balances:    make(map[string]ledger.CustomerBalance),
		balanceBase: make(map[string]int64),
		events:      make(map[string]string),
		idempotency: make(map[string]ledger.IdempotencyRecord),
	}
}

func (v *txView) LockCustomer(context.Context, string) error { return nil }

func (v *txView) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	if inv, ok := v.invoices[id]; ok {
		return inv, nil
	}
	return v.parent.GetInvoice(ctx, id)
}

func (v *txView) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	if p, ok := v.payments[id]; ok {
		return p, nil
	}
	return v.parent.GetPayment(ctx, id)
}

func (v *txView) GetReturn(ctx context.Context, id string) (ledger.Return, error) {
	if r, ok := v.returns[id]; ok {
		return r, nil
	}
	return v.parent.GetReturn(ctx, id)
}

func (v *txView) QueryInvoices(_ context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return filterInvoices(v.parent.invoices, v.invoices, f), nil
}

func (v *txView) QueryPayments(_ context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return filterPayments(v.parent.payments, v.payments, f), nil
}

func (v *txView) QueryReturns(_ context.Context, f ledger.ReturnFilter) ([]ledger.Return, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return filterReturns(v.parent.returns, v.returns, f), nil
}

func (v *txView) GetBalance(ctx context.Context, customerID string) (ledger.CustomerBalance, bool, error) {
	if b, ok := v.balances[customerID]; ok {
		return b, true, nil
	}
	return v.parent.GetBalance(ctx, customerID)
}

func (v *txView) ListBalances(ctx context.Context) ([]ledger.CustomerBalance, error) {
	committed, err := v.parent.ListBalances(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]ledger.CustomerBalance, len(committed))
	for _, b := range committed {
		merged[b.CustomerID] = b
	}
	for id, b := range v.balances {
		merged[id] = b
	}
	result := make([]ledger.CustomerBalance, 0, len(merged))
	for _, b := range merged {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CustomerID < result[j].CustomerID })
	return result, nil
}

func (v *txView) LookupIdempotency(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	if rec, ok := v.idempotency[key]; ok {
		return rec, true, nil
	}
	return v.parent.LookupIdempotency(ctx, key)
}

func (v *txView) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	if _, err := v.GetInvoice(ctx, inv.ID); err == nil {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	inv.Version = 1
	v.invoices[inv.ID] = inv
	v.invoiceBase[inv.ID] = 0
	return nil
}

func (v *txView) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	current, err := v.GetInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	if current.Version != inv.Version {
		return fmt.Errorf("invoice %s version %d, have %d: %w", inv.ID, current.Version, inv.Version, ledger.ErrConflict)
	}
	if _, tracked := v.invoiceBase[inv.ID]; !tracked {
		v.invoiceBase[inv.ID] = current.Version
	}
	inv.Version++
	v.invoices[inv.ID] = inv
	return nil
}

func (v *txView) InsertPayment(_ context.Context, p ledger.Payment) error {
	v.payments[p.ID] = p
	return nil
}

func (v *txView) InsertReturn(_ context.Context, r ledger.Return) error {
	v.returns[r.ID] = r
	return nil
}

func (v *txView) PutBalance(ctx context.Context, b ledger.CustomerBalance) error {
	current, exists, err := v.GetBalance(ctx, b.CustomerID)
	if err != nil {
		return err
	}
	if b.Version == 0 && exists || b.Version != 0 && (!exists || current.Version != b.Version) {
		return fmt.Errorf("balance %s: %w", b.CustomerID, ledger.ErrConflict)
	}
	if _, tracked := v.balanceBase[b.CustomerID]; !tracked {
		v.balanceBase[b.CustomerID] = current.Version
	}
	b.Version++
	v.balances[b.CustomerID] = b
	return nil
}

func (v *txView) MarkEventApplied(_ context.Context, eventID, customerID string) error {
	if _, ok := v.events[eventID]; ok {
		return ledger.ErrDuplicateEvent
	}
	v.parent.mu.RLock()
	_, committed := v.parent.events[eventID]
	v.parent.mu.RUnlock()
	if committed {
		return ledger.ErrDuplicateEvent
	}
	v.events[eventID] = customerID
	return nil
}

func (v *txView) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	if _, exists, _ := v.LookupIdempotency(ctx, rec.Key); exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	v.idempotency[rec.Key] = rec
	return nil
}

// =============================================================================
// FILTERING
// =============================================================================

func filterInvoices(committed, overlay map[string]ledger.Invoice, f ledger.InvoiceFilter) []ledger.Invoice {
	var result []ledger.Invoice
	match := func(inv ledger.Invoice) {
		if f.Period != nil && !f.Period.Contains(inv.CreatedAt) {
			return
		}
		if f.CustomerID != "" && inv.CustomerID != f.CustomerID {
			return
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, inv.Status) {
			return
		}
		if f.OutstandingOnly && (inv.IsVoid() || !inv.DueAmount.IsPositive()) {
			return
		}
		result = append(result, inv)
	}
	for id, inv := range committed {
		if _, shadowed := overlay[id]; !shadowed {
			match(inv)
		}
	}
	for _, inv := range overlay {
		match(inv)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func filterPayments(committed, overlay map[string]ledger.Payment, f ledger.PaymentFilter) []ledger.Payment {
	var result []ledger.Payment
	match := func(p ledger.Payment) {
		if f.Period != nil && !f.Period.Contains(p.RecordedAt) {
			return
		}
		if f.CustomerID != "" && p.CustomerID != f.CustomerID {
			return
		}
		if f.InvoiceID != "" && p.InvoiceID != f.InvoiceID {
			return
		}
		result = append(result, p)
	}
	for _, p := range committed {
		match(p)
	}
	for _, p := range overlay {
		match(p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RecordedAt.Equal(result[j].RecordedAt) {
			return result[i].RecordedAt.Before(result[j].RecordedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func filterReturns(committed, overlay map[string]ledger.Return, f ledger.ReturnFilter) []ledger.Return {
	var result []ledger.Return
	match := func(r ledger.Return) {
		if f.Period != nil && !f.Period.Contains(r.RecordedAt) {
			return
		}
		if f.CustomerID != "" && r.CustomerID != f.CustomerID {
			return
		}
		if f.InvoiceID != "" && r.InvoiceID != f.InvoiceID {
			return
		}
		result = append(result, r)
	}
	for _, r := range committed {
		match(r)
	}
	for _, r := range overlay {
		match(r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RecordedAt.Equal(result[j].RecordedAt) {
			return result[i].RecordedAt.Before(result[j].RecordedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func hasStatus(statuses []ledger.InvoiceStatus, s ledger.InvoiceStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
