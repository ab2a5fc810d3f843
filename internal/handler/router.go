package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/giftcard-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса сертификатов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", custommiddleware.SignatureHeader},
		MaxAge:         300,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.With(h.authMiddleware.VerifyWebhook).Post("/api/webhooks/payments", h.PaymentWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/instruments/{identifier}", func(r chi.Router) {
			r.With(custommiddleware.RateLimit(h.opts.Limiter, "scan", h.opts.ScanRateLimit, custommiddleware.ActorOrIP, h.logger)).
				Get("/", h.Scan)
			r.With(custommiddleware.RateLimit(h.opts.Limiter, "redeem", h.opts.ScanRateLimit, custommiddleware.ActorOrIP, h.logger)).
				Post("/redeem", h.Redeem)
			r.Post("/sell", h.Sell)
			r.Get("/ledger", h.GetLedger)
		})

		r.Get("/billing/invoices", h.ListInvoices)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireAdmin)

			r.Post("/admin/instruments", h.CreateInstrument)
			r.Post("/admin/instruments/{id}/activate", h.Activate)
			r.Post("/admin/instruments/{id}/transfer", h.Transfer)
			r.Post("/admin/instruments/{id}/adjust", h.Adjust)

			r.Post("/billing/run", h.RunBilling)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
