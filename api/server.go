/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the budgeting frontend

ROUTE GROUPS:
  /api/budget-requests/*  Requests, workflow, items, import/export
  /api/allocations        Allocation ledger
  /api/scenarios/*        Demo catalog
  /api/health             Liveness + database ping
  /metrics                Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The acting user comes from X-User-ID and is
  trusted as given; put the service behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/budget-requests", func(r chi.Router) {
			r.Get("/", h.ListBudgetRequests)
			r.Post("/", h.CreateBudgetRequest)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBudgetRequest)
				r.Put("/", h.UpdateBudgetRequest)
				r.Delete("/", h.DeleteBudgetRequest)
				r.Get("/validate", h.ValidateBudgetRequest)
				r.Get("/audit", h.GetAuditTrail)

				// Workflow
				r.Post("/submit", h.Submit)
				r.Post("/approve-dept", h.ApproveDept)
				r.Post("/approve-finance", h.ApproveFinance)
				r.Post("/reject", h.Reject)
				r.Post("/reopen", h.Reopen)

				// Items
				r.Route("/items", func(r chi.Router) {
					r.Post("/", h.AddItem)
					r.Delete("/", h.DeleteAllItems)
					r.Post("/bulk-delete", h.BulkDeleteItems)
					r.Post("/initialize", h.InitializeItems)
					r.Put("/{itemId}", h.UpdateItem)
					r.Delete("/{itemId}", h.DeleteItem)
				})
				r.Post("/import", h.ImportItems)
				r.Get("/export", h.ExportItems)
			})
		})

		r.Get("/allocations", h.ListAllocations)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
