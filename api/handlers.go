/*
handlers.go - HTTP API handlers for the revenue ledger

PURPOSE:
  Exposes the reconciliation engine and the period aggregator via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  engine for every mutation.

ENDPOINTS:
  Sales and invoices:
    POST   /api/sales                        Ring up a sale
    GET    /api/invoices/{id}                Invoice with its payments and returns
    POST   /api/invoices/{id}/returns        Record a return
    POST   /api/invoices/{id}/void           Void an unpaid invoice

  Customers:
    POST   /api/customers/{id}/payments      Record a payment
    GET    /api/customers/{id}/balance       Current balance
    GET    /api/customers/{id}/statement     Account activity (?start=&end=)

  Reports:
    GET    /api/reports/revenue              Period summary (?start=&end=)
    GET    /api/reports/trend                Daily trend (?start=&end=)

  Admin:
    POST   /api/admin/audit                  Run a store-wide consistency audit
    GET    /api/admin/audit                  Last scheduled audit

  Scenarios (development only, see scenarios.go):
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Seed a demo scenario

IDEMPOTENCY:
  Mutations honour the Idempotency-Key header. Replaying a key returns the
  original result with "replayed": true and status 200 instead of 201.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Invoice or customer not found (void invoices included)
  - 409: Conflict that survived every retry
  - 500: Consistency violations and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/logger"
	"github.com/warp/revenue-ledger/reconcile"
	"github.com/warp/revenue-ledger/report"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *reconcile.Engine
	Reports *report.Aggregator

	// Audit is optional; without it GET /api/admin/audit reports 404.
	Audit *reconcile.AuditScheduler

	// Scenarios enables the demo data endpoints.
	Scenarios bool

	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a handler over the engine and its store.
func NewHandler(engine *reconcile.Engine, reports *report.Aggregator) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Engine:   engine,
		Reports:  reports,
		validate: v,
		now:      time.Now,
	}
}

// =============================================================================
// SALES AND INVOICES
// =============================================================================

// CreateSale rings up a sale.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.RecordSale(r.Context(), req.draft(idempotencyKey(r)))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, createdStatus(res.Replayed), SaleResponse{
		Invoice:  res.Invoice,
		Balance:  res.Balance,
		Replayed: res.Replayed,
	})
}

// GetInvoice returns an invoice with the payments and returns recorded against it.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	store := h.Engine.Store()

	inv, err := store.GetInvoice(ctx, id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	returns, err := store.QueryReturns(ctx, ledger.ReturnFilter{InvoiceID: id})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	resp := InvoiceResponse{Invoice: inv, Payments: []ledger.Payment{}, Returns: []ledger.Return{}}
	resp.Returns = append(resp.Returns, returns...)
	if !inv.IsWalkIn() {
		payments, err := store.QueryPayments(ctx, ledger.PaymentFilter{CustomerID: inv.CustomerID})
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		for _, p := range payments {
			if touches(p, id) {
				resp.Payments = append(resp.Payments, p)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// touches reports whether any of the payment landed on the invoice.
func touches(p ledger.Payment, invoiceID string) bool {
	if p.InvoiceID == invoiceID {
		return true
	}
	for _, a := range p.Allocations {
		if a.InvoiceID == invoiceID {
			return true
		}
	}
	return false
}

// RecordReturn records goods coming back against an invoice.
func (h *Handler) RecordReturn(w http.ResponseWriter, r *http.Request) {
	var req RecordReturnRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.RecordReturn(r.Context(), req.draft(chi.URLParam(r, "id"), idempotencyKey(r)))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, createdStatus(res.Replayed), ReturnResponse{
		Return:   res.Return,
		Invoice:  res.Invoice,
		Balance:  res.Balance,
		Replayed: res.Replayed,
	})
}

// VoidInvoice cancels an open or partially paid invoice.
func (h *Handler) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.VoidInvoice(r.Context(), reconcile.VoidDraft{
		InvoiceID:      chi.URLParam(r, "id"),
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VoidResponse{
		Invoice:  res.Invoice,
		Balance:  res.Balance,
		Replayed: res.Replayed,
	})
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// RecordPayment records money received from a customer.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.RecordPayment(r.Context(), req.draft(chi.URLParam(r, "id"), idempotencyKey(r)))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	invoices := res.Invoices
	if invoices == nil {
		invoices = []ledger.Invoice{}
	}
	writeJSON(w, createdStatus(res.Replayed), PaymentResponse{
		Payment:  res.Payment,
		Invoices: invoices,
		Balance:  res.Balance,
		Replayed: res.Replayed,
	})
}

// GetBalance returns the customer's current balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, ok, err := h.Engine.Store().GetBalance(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if !ok {
		writeLedgerError(w, r, &ledger.NotFoundError{Kind: "customer", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetStatement returns the customer's account activity over a period.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	p, err := h.period(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	st, err := h.Reports.CustomerStatement(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// REPORTS
// =============================================================================

// GetRevenueReport returns the period summary.
func (h *Handler) GetRevenueReport(w http.ResponseWriter, r *http.Request) {
	p, err := h.period(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	rep, err := h.Reports.Summarize(r.Context(), p)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetTrend returns one point per day of the period.
func (h *Handler) GetTrend(w http.ResponseWriter, r *http.Request) {
	p, err := h.period(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	points, err := h.Reports.DailyTrend(r.Context(), p)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// period reads ?start=&end= (YYYY-MM-DD). Both absent means the current month.
func (h *Handler) period(r *http.Request) (ledger.Period, error) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" && end == "" {
		return ledger.MonthOf(h.now()), nil
	}
	return ledger.ParsePeriod(start, end)
}

// =============================================================================
// ADMIN
// =============================================================================

// RunAudit checks the balance invariant for every customer.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.Audit(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// LastAudit returns the most recent scheduled audit.
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil || !h.Audit.Enabled {
		writeError(w, http.StatusNotFound, "Audit scheduler is disabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Audit.LastReport())
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp := ErrorResponse{Error: "Request validation failed"}
			for _, fe := range verrs {
				resp.Fields = append(resp.Fields, FieldDetail{
					Field:   fieldPath(fe),
					Message: validationMessage(fe),
				})
			}
			writeJSON(w, http.StatusBadRequest, resp)
			return false
		}
		writeError(w, http.StatusBadRequest, "Request validation failed", err)
		return false
	}
	return true
}

// fieldPath drops the root struct name: "CreateSaleRequest.lines[0].productId"
// becomes "lines[0].productId".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "min":
		if fe.Kind() == reflect.Slice {
			return "Must contain at least " + fe.Param() + " items"
		}
		return "Must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Slice {
			return "Must contain at most " + fe.Param() + " items"
		}
		return "Must be at most " + fe.Param() + " characters"
	default:
		return "Invalid value"
	}
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdempotencyHeader))
}

func createdStatus(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// writeLedgerError maps the ledger error taxonomy to HTTP statuses.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *ledger.ValidationError
		cerr *ledger.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		resp := ErrorResponse{Error: "Validation failed", Details: err.Error()}
		if verr.Field != "" {
			resp.Fields = []FieldDetail{{Field: verr.Field, Message: verr.Reason}}
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.As(err, &cerr):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, fmt.Sprintf("Concurrent modification, gave up after %d attempts", cerr.Attempts), err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "Concurrent modification", err)
	case errors.Is(err, ledger.ErrConsistencyViolation):
		logger.FromContext(r.Context()).Error("consistency violation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Ledger consistency check failed", err)
	default:
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
