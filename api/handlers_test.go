/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Sale, payment, return and void round trips through the router
- Idempotency-Key replay
- Error mapping (400 / 404 / 409)
- Report endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/ledger/store"
	"github.com/warp/revenue-ledger/reconcile"
	"github.com/warp/revenue-ledger/report"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *store.Memory
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	m := store.NewMemory()
	engine := reconcile.New(m, reconcile.DefaultConfig())
	h := NewHandler(engine, report.New(m))
	h.now = func() time.Time { return time.Date(2025, time.January, 20, 12, 0, 0, 0, time.UTC) }

	core, logs := observer.New(zap.InfoLevel)
	return &testServer{t: t, handler: NewRouter(h, zap.New(core), nil), store: m, logs: logs}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func saleBody(customerID, price string) map[string]any {
	return map[string]any{
		"customerId": customerID,
		"lines":      []map[string]any{{"productId": "sku-1", "quantity": "1", "unitPrice": price}},
		"createdAt":  "2025-01-05T10:00:00Z",
	}
}

// =============================================================================
// SALES AND PAYMENTS
// =============================================================================

func TestCreateSaleAndPay(t *testing.T) {
	// GIVEN: A 100 credit sale
	// WHEN: The customer pays 150
	// THEN: The invoice is paid, 50 is advance, and the balance is -50

	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/sales", saleBody("cust-1", "100"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[SaleResponse](t, rec)
	assert.Equal(t, ledger.InvoiceOpen, sale.Invoice.Status)
	require.NotNil(t, sale.Balance)
	assert.True(t, money("100").Equal(sale.Balance.AmountDue))

	rec = s.do(http.MethodPost, "/api/customers/cust-1/payments", map[string]any{
		"invoiceId":  sale.Invoice.ID,
		"amount":     "150",
		"mode":       "cash",
		"recordedAt": "2025-01-06T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pay := decodeBody[PaymentResponse](t, rec)
	assert.True(t, money("50").Equal(pay.Payment.Advance))
	assert.True(t, money("-50").Equal(pay.Balance.AmountDue))
	require.Len(t, pay.Invoices, 1)
	assert.Equal(t, ledger.InvoicePaid, pay.Invoices[0].Status)

	rec = s.do(http.MethodGet, "/api/customers/cust-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decodeBody[ledger.CustomerBalance](t, rec)
	assert.True(t, money("50").Equal(b.Advance))

	rec = s.do(http.MethodGet, "/api/invoices/"+sale.Invoice.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[InvoiceResponse](t, rec)
	assert.Len(t, detail.Payments, 1)
	assert.Empty(t, detail.Returns)
}

func TestRecordPayment_IdempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", saleBody("cust-1", "100")).Code)

	body := map[string]any{"amount": "30", "mode": "online"}
	first := s.do(http.MethodPost, "/api/customers/cust-1/payments", body, IdempotencyHeader, "pay-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := s.do(http.MethodPost, "/api/customers/cust-1/payments", body, IdempotencyHeader, "pay-1")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	a := decodeBody[PaymentResponse](t, first)
	b := decodeBody[PaymentResponse](t, second)
	assert.Equal(t, a.Payment.ID, b.Payment.ID)
	assert.True(t, b.Replayed)
	assert.True(t, money("70").Equal(b.Balance.AmountDue), "applied once")
}

func TestRecordPayment_IdempotencyKeyFromAnotherCustomer(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", saleBody("alice", "100")).Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", saleBody("bob", "300")).Code)

	rec := s.do(http.MethodPost, "/api/customers/alice/payments",
		map[string]any{"amount": "40", "mode": "cash"}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/customers/bob/payments",
		map[string]any{"amount": "250", "mode": "cash"}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	resp := decodeBody[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "idempotencyKey", resp.Fields[0].Field)

	rec = s.do(http.MethodGet, "/api/customers/bob/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, money("300").Equal(decodeBody[ledger.CustomerBalance](t, rec).AmountDue))
}

func TestCreateSale_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{"malformed json", `{"lines": [`, ""},
		{"unknown field", `{"lines": [], "discount": 5}`, ""},
		{"no lines", map[string]any{"customerId": "cust-1", "lines": []any{}}, "lines"},
		{"missing product", map[string]any{"lines": []map[string]any{{"quantity": "1", "unitPrice": "1"}}}, "lines[0].productId"},
		{"bad till mode", map[string]any{
			"lines":           []map[string]any{{"productId": "p", "quantity": "1", "unitPrice": "1"}},
			"initialPayments": []map[string]any{{"mode": "cheque", "amount": "1"}},
		}, "initialPayments[0].mode"},
		{"engine rule", map[string]any{
			"customerId": "cust-1",
			"lines":      []map[string]any{{"productId": "p", "quantity": "0", "unitPrice": "1"}},
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/sales", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			if tt.wantField != "" {
				resp := decodeBody[ErrorResponse](t, rec)
				require.NotEmpty(t, resp.Fields)
				assert.Equal(t, tt.wantField, resp.Fields[0].Field)
			}
		})
	}

	invs, err := s.store.QueryInvoices(context.Background(), ledger.InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestErrorMapping_NotFound(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/invoices/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/customers/nobody/balance", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/customers/nobody/payments",
		map[string]any{"amount": "10", "mode": "cash"}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/invoices/nope/returns",
		map[string]any{"refundMode": "cash_refund", "lines": []map[string]any{{"productId": "p", "quantity": "1"}}}).Code)
}

// =============================================================================
// RETURNS AND VOIDS
// =============================================================================

func TestReturnAndVoid(t *testing.T) {
	s := newTestServer(t)
	sale := decodeBody[SaleResponse](t, s.do(http.MethodPost, "/api/sales", map[string]any{
		"customerId": "cust-1",
		"lines":      []map[string]any{{"productId": "sku-1", "quantity": "2", "unitPrice": "50"}},
	}))

	rec := s.do(http.MethodPost, "/api/invoices/"+sale.Invoice.ID+"/returns", map[string]any{
		"refundMode": "credit_adjustment",
		"lines":      []map[string]any{{"productId": "sku-1", "quantity": "1"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ret := decodeBody[ReturnResponse](t, rec)
	assert.True(t, money("50").Equal(ret.Return.ReturnValue))
	assert.True(t, money("50").Equal(ret.Invoice.DueAmount))

	rec = s.do(http.MethodPost, "/api/invoices/"+sale.Invoice.ID+"/returns", map[string]any{
		"refundMode": "cash_refund",
		"lines":      []map[string]any{{"productId": "sku-1", "quantity": "2"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "over the sold quantity")

	rec = s.do(http.MethodPost, "/api/invoices/"+sale.Invoice.ID+"/void", map[string]any{"reason": "wrong customer"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "invoices with returns are not voided")
	resp := decodeBody[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "invoiceId", resp.Fields[0].Field)

	mistake := decodeBody[SaleResponse](t, s.do(http.MethodPost, "/api/sales", saleBody("cust-1", "30")))
	rec = s.do(http.MethodPost, "/api/invoices/"+mistake.Invoice.ID+"/void", map[string]any{"reason": "wrong customer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	void := decodeBody[VoidResponse](t, rec)
	assert.Equal(t, ledger.InvoiceVoid, void.Invoice.Status)
	require.NotNil(t, void.Balance)
	assert.True(t, money("50").Equal(void.Balance.AmountDue), "only the returned sale's due is left")

	rec = s.do(http.MethodPost, "/api/customers/cust-1/payments", map[string]any{
		"invoiceId": mistake.Invoice.ID, "amount": "10", "mode": "cash",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "void invoices take no payments")

	rec = s.do(http.MethodPost, "/api/invoices/"+mistake.Invoice.ID+"/void", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")
}

// =============================================================================
// REPORTS
// =============================================================================

func TestReports(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", saleBody("cust-1", "200")).Code)

	rec := s.do(http.MethodGet, "/api/reports/revenue?start=2025-01-01&end=2025-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := decodeBody[report.Report](t, rec)
	assert.Equal(t, report.Version, rep.Version)
	assert.True(t, money("200").Equal(rep.Summary.GrossRevenue))
	assert.True(t, money("200").Equal(rep.DuesSummary.PeriodBased.StillOutstanding))

	rec = s.do(http.MethodGet, "/api/reports/revenue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-01-01", decodeBody[report.Report](t, rec).Period.Start, "defaults to the current month")

	rec = s.do(http.MethodGet, "/api/reports/trend?start=2025-01-04&end=2025-01-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	points := decodeBody[[]report.DailyPoint](t, rec)
	require.Len(t, points, 3)
	assert.True(t, money("200").Equal(points[1].GrossRevenue))

	rec = s.do(http.MethodGet, "/api/customers/cust-1/statement?start=2025-01-01&end=2025-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[report.Statement](t, rec)
	assert.True(t, money("200").Equal(st.ClosingBalance))

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/reports/revenue?start=2025-02-01&end=2025-01-01", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/reports/revenue?start=jan", nil).Code)
}

func TestAuditAndHealth(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", saleBody("cust-1", "10")).Code)

	rec := s.do(http.MethodPost, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[reconcile.AuditReport](t, rec)
	assert.Equal(t, 1, audit.Customers)
	assert.Empty(t, audit.Violations)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/admin/audit", nil).Code, "no scheduler configured")
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/health", nil).Code)
}

func TestRequestLogger(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/api/health", nil)
	s.do(http.MethodGet, "/api/invoices/nope", nil)

	entries := s.logs.FilterMessage("HTTP Request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(http.StatusNotFound), entries[1].ContextMap()["status"])
	assert.NotEmpty(t, entries[1].ContextMap()["request_id"])
}

func TestScenarios(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/scenarios", nil).Code, "disabled by default")

	m := store.NewMemory()
	h := NewHandler(reconcile.New(m, reconcile.DefaultConfig()), report.New(m))
	h.Scenarios = true
	s = &testServer{t: t, handler: NewRouter(h, nil, nil), store: m}

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenarioId": "period-boundary", "base": "2025-01-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/reports/revenue?start=2025-01-01&end=2025-01-30", nil)
	rep := decodeBody[report.Report](t, rec)
	assert.True(t, money("200").Equal(rep.DuesSummary.PeriodBased.StillOutstanding))

	assert.Equal(t, http.StatusNotFound,
		s.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenarioId": "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		s.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenarioId": "returns", "base": "01/02/2025"}).Code)
}
