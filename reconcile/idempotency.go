package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-ledger/ledger"
)

// =============================================================================
// REPLAY
// =============================================================================

// replay looks up an idempotency key inside the transaction. A key reused
// for a different kind of operation, or for a request with a different
// fingerprint, is a client error: the original record is never handed back
// for someone else's request.
func replay(ctx context.Context, tx ledger.Tx, kind ledger.OperationKind, key, fingerprint string) (ledger.IdempotencyRecord, bool, error) {
	if key == "" {
		return ledger.IdempotencyRecord{}, false, nil
	}
	rec, ok, err := tx.LookupIdempotency(ctx, key)
	if err != nil || !ok {
		return ledger.IdempotencyRecord{}, false, err
	}
	if rec.Kind != kind {
		return ledger.IdempotencyRecord{}, false, &ledger.ValidationError{
			Field:  "idempotencyKey",
			Reason: fmt.Sprintf("already used for a %s", rec.Kind),
		}
	}
	if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		return ledger.IdempotencyRecord{}, false, &ledger.ValidationError{
			Field:  "idempotencyKey",
			Reason: fmt.Sprintf("already used for a different %s request", kind),
		}
	}
	return rec, true, nil
}

func (e *Engine) remember(ctx context.Context, tx ledger.Tx, kind ledger.OperationKind, key, fingerprint, resourceID string) error {
	if key == "" {
		return nil
	}
	return tx.SaveIdempotency(ctx, ledger.IdempotencyRecord{
		Key:         key,
		Kind:        kind,
		Fingerprint: fingerprint,
		ResourceID:  resourceID,
		CreatedAt:   e.now().UTC(),
	})
}

// eventID is the balance event id for an operation: the idempotency key
// when the client sent one, otherwise the id of the record written.
func eventID(kind ledger.OperationKind, key, recordID string) string {
	if key != "" {
		return string(kind) + ":" + key
	}
	return string(kind) + ":" + recordID
}

// =============================================================================
// FINGERPRINTS
// =============================================================================

// Fingerprints cover who and how much, not when: a retry that lets the
// server stamp the time again still matches.

func (d SaleDraft) fingerprint() string {
	f := newDigest(ledger.OpSale).str(d.CustomerID)
	f.count(len(d.Lines))
	for _, l := range d.Lines {
		f.str(l.ProductID).dec(l.Quantity).dec(l.UnitPrice).dec(l.TaxRate)
	}
	if d.Subtotal.Valid {
		f.dec(d.Subtotal.Decimal)
	}
	f.count(len(d.InitialPayments))
	for _, p := range d.InitialPayments {
		f.str(string(p.Mode)).dec(p.Amount)
	}
	return f.sum()
}

func (d PaymentDraft) fingerprint() string {
	return newDigest(ledger.OpPayment).
		str(d.CustomerID).
		str(d.InvoiceID).
		dec(d.Amount).
		str(string(d.Mode)).
		sum()
}

func (d ReturnDraft) fingerprint() string {
	f := newDigest(ledger.OpReturn).str(d.InvoiceID).str(string(d.RefundMode))
	f.count(len(d.Lines))
	for _, l := range d.Lines {
		f.str(l.ProductID).dec(l.Quantity).dec(l.UnitValue)
	}
	return f.sum()
}

func (d VoidDraft) fingerprint() string {
	return newDigest(ledger.OpVoid).str(d.InvoiceID).sum()
}

type digest struct{ h hash.Hash }

func newDigest(kind ledger.OperationKind) *digest {
	f := &digest{h: sha256.New()}
	return f.str(string(kind))
}

// str writes a length-prefixed field so adjacent fields cannot run together.
func (f *digest) str(s string) *digest {
	f.h.Write([]byte(strconv.Itoa(len(s))))
	f.h.Write([]byte{':'})
	f.h.Write([]byte(s))
	return f
}

// dec writes the value without trailing zeros, so 40 and 40.00 agree.
func (f *digest) dec(d decimal.Decimal) *digest {
	return f.str(d.String())
}

func (f *digest) count(n int) *digest {
	return f.str(strconv.Itoa(n))
}

func (f *digest) sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}
