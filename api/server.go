/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: zap request log, request-scoped logger in the context
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the POS frontend

ROUTE GROUPS:
  /api/sales, /api/invoices/*   Sales, returns, voids
  /api/customers/*              Payments, balances, statements
  /api/reports/*                Period summary and trend
  /api/admin/*                  Audit
  /api/scenarios/*              Demo data (development only)
  /api/health                   Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the POS gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/revenue-ledger/logger"
)

// NewRouter creates a new router with all routes configured.
// An empty allowedOrigins list disables cross-origin requests.
func NewRouter(h *Handler, log *zap.Logger, allowedOrigins []string) *chi.Mux {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", IdempotencyHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/sales", h.CreateSale)

		r.Route("/invoices/{id}", func(r chi.Router) {
			r.Get("/", h.GetInvoice)
			r.Post("/returns", h.RecordReturn)
			r.Post("/void", h.VoidInvoice)
		})

		r.Route("/customers/{id}", func(r chi.Router) {
			r.Post("/payments", h.RecordPayment)
			r.Get("/balance", h.GetBalance)
			r.Get("/statement", h.GetStatement)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/revenue", h.GetRevenueReport)
			r.Get("/trend", h.GetTrend)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit", h.LastAudit)
			r.Post("/audit", h.RunAudit)
		})

		if h.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// RequestLogger logs every request and attaches a request-scoped logger to
// the context (see logger.FromContext).
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := log.With(
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.Int("body_size", ww.BytesWritten()),
			}
			if key := r.Header.Get(IdempotencyHeader); key != "" {
				fields = append(fields, zap.String("idempotency_key", key))
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}

			msg := "HTTP Request"
			switch {
			case status >= 500:
				reqLogger.Error(msg, fields...)
			case status >= 400:
				reqLogger.Warn(msg, fields...)
			default:
				reqLogger.Info(msg, fields...)
			}
		})
	}
}
