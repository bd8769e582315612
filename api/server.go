/*
server.go - HTTP router and middleware configuration

PURPOSE:

	Configures the HTTP router (chi), middleware stack, and route definitions.
	This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
 1. RequestID:  Unique ID per request for tracing
 2. RealIP:     Client IP behind proxies, feeds the audit trail
 3. Logger:     Request logging
 4. Recoverer:  Panic recovery (500 instead of crash)
 5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:

	/api/accounts/*      Accounts, balances, ledger history
	/api/events          Income event ingestion
	/api/withdrawals/*   Withdrawal lifecycle
	/api/targets         Payout destinations
	/api/refunds/*       Security-deposit refund lifecycle
	/api/admin/*         Adjustments, reversals, reconcile, audit
	/metrics             Prometheus scrape endpoint
	/healthz             Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/withdrawal"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/status", h.SetStatus)
			r.Post("/{id}/tier", h.UpgradeTier)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/entries", h.GetEntries)
			r.Get("/{id}/targets", h.ListTargets)
			r.Get("/{id}/refund-eligibility", h.GetRefundEligibility)
		})

		// Income event ingestion
		r.Post("/events", h.IngestEvent)

		// Withdrawal routes
		r.Route("/withdrawals", func(r chi.Router) {
			r.Get("/", h.ListWithdrawals)
			r.Post("/", h.SubmitWithdrawal)
			r.Get("/{id}", h.GetWithdrawal)
			r.Post("/{id}/approve", h.DecideWithdrawal(withdrawal.ActionApprove))
			r.Post("/{id}/reject", h.DecideWithdrawal(withdrawal.ActionReject))
			r.Post("/{id}/process", h.ProcessWithdrawal)
		})

		// Payout destinations
		r.Post("/targets", h.CreateTarget)

		// Refund routes
		r.Route("/refunds", func(r chi.Router) {
			r.Get("/", h.ListRefunds)
			r.Post("/", h.SubmitRefund)
			r.Get("/{id}", h.GetRefund)
			r.Post("/{id}/approve", h.DecideRefund(refund.ActionApprove))
			r.Post("/{id}/reject", h.DecideRefund(refund.ActionReject))
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/entries/{id}/reverse", h.ReverseEntry)
			r.Post("/reconcile", h.TriggerReconcile)
			r.Get("/audit", h.GetAuditTrail)
			r.Get("/audit/summary", h.GetAuditSummary)
		})
	})

	// Observability
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
