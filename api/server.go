/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address behind the reverse proxy
  3. Actor:         Forwarded X-User-ID / X-User-Role into the context
  4. RequestLogger: One zap line per request
  5. Recoverer:     Panic recovery (500 instead of crash)
  6. CORS:          Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/members/*    Member accounts and their meters
  /api/readings/*   Reading submission (single + CSV batch)
  /api/bills/*      Bills, recompute, quote, CSV export
  /api/payments     Payment recording
  /api/settings/*   Versioned tariff and penalty settings
  /api/audit        Audit trail
  /api/seed         Demo data (dev only)

AUTHORIZATION:
  Readings:         admin, meter_reader
  Payments:         admin, cashier
  Settings writes, member writes, recompute, audit, seed: admin
  Reads:            any caller

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Actor and logging middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ActorMiddleware)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderUserRole},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	admin := RequireRole(RoleAdmin)

	r.Route("/api", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.With(admin).Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.With(admin).Put("/{id}/status", h.UpdateMemberStatus)
			r.Get("/{id}/readings", h.ListMemberReadings)
			r.Get("/{id}/bills", h.ListMemberBills)
		})

		r.Route("/readings", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin, RoleMeterReader))
			r.Post("/", h.SubmitReadings)
			r.Post("/import", h.ImportReadings)
		})

		r.Route("/bills", func(r chi.Router) {
			r.Get("/", h.ListBills)
			r.Get("/export", h.ExportBills)
			r.Post("/quote", h.QuoteBill)
			r.With(admin).Post("/recompute", h.RecomputeBill)
			r.Get("/{id}", h.GetBill)
			r.Get("/{id}/payment", h.GetBillPayment)
		})

		r.With(RequireRole(RoleAdmin, RoleCashier)).Post("/payments", h.RecordPayment)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.GetSettings)
			r.Get("/defaults", h.GetDefaultSettings)
			r.With(admin).Put("/", h.UpdateSettings)
		})

		r.With(admin).Get("/audit", h.ListAudit)
		r.With(admin).Post("/seed", h.Seed)
	})

	return r
}
