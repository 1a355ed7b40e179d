package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/plugin-storefront/internal/middleware"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/ratelimit"
)

// Limits содержит ограничители для групп маршрутов. Nil отключает ограничение группы.
type Limits struct {
	Checkout *ratelimit.Limiter
	Capture  *ratelimit.Limiter
	Free     *ratelimit.Limiter
	Webhook  *ratelimit.Limiter
	Lookup   *ratelimit.Limiter
}

// DefaultLimits создаёт ограничители с лимитами витрины поверх общего хранилища.
func DefaultLimits(store ratelimit.Store) (Limits, error) {
	rules := []struct {
		scope string
		rule  ratelimit.Rule
	}{
		{scope: "checkout", rule: ratelimit.Rule{Limit: 10, Window: time.Minute}},
		{scope: "capture", rule: ratelimit.Rule{Limit: 10, Window: time.Minute}},
		{scope: "free", rule: ratelimit.Rule{Limit: 5, Window: time.Hour}},
		{scope: "webhook", rule: ratelimit.Rule{Limit: 100, Window: time.Minute}},
		{scope: "lookup", rule: ratelimit.Rule{Limit: 30, Window: time.Minute}},
	}

	var l Limits
	targets := []**ratelimit.Limiter{&l.Checkout, &l.Capture, &l.Free, &l.Webhook, &l.Lookup}
	for i, r := range rules {
		lim, err := ratelimit.New(store, r.scope, r.rule)
		if err != nil {
			return Limits{}, err
		}
		*targets[i] = lim
	}
	return l, nil
}

func (h *Handler) limit(l *ratelimit.Limiter, opts custommiddleware.RateLimitOptions) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	var rec custommiddleware.DeniedRecorder
	if h.metrics != nil {
		rec = h.metrics
	}
	return custommiddleware.RateLimit(l, rec, h.logger, opts)
}

// SetupRouter настраивает HTTP-маршруты и middleware витрины.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	if h.metrics != nil {
		r.Use(custommiddleware.Metrics(h.metrics))
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/api", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.limit(h.limits.Checkout, custommiddleware.RateLimitOptions{}))
				r.Post("/create-checkout-session", h.CreateCheckoutSession)
				r.Post("/create-donation-session", h.CreateDonationSession)
			})
			r.With(h.limit(h.limits.Free, custommiddleware.RateLimitOptions{})).
				Post("/free-download", h.FreeDownload)

			r.Group(func(r chi.Router) {
				r.Use(h.limit(h.limits.Capture, custommiddleware.RateLimitOptions{}))
				r.Post("/paypal/capture-order", h.CapturePayPalOrder)
				r.Post("/stripe/confirm", h.ConfirmStripeSession)
			})

			r.Group(func(r chi.Router) {
				r.Use(h.limit(h.limits.Webhook, custommiddleware.RateLimitOptions{AcknowledgeOverLimit: true}))
				r.Post("/webhooks/stripe", h.Webhook(model.ProviderStripe))
				r.Post("/paypal/webhooks", h.Webhook(model.ProviderPayPal))
			})

			r.Get("/download", h.Download)

			r.Group(func(r chi.Router) {
				r.Use(h.limit(h.limits.Lookup, custommiddleware.RateLimitOptions{}))
				r.Get("/orders", h.GetOrders)
				r.Get("/order-details", h.OrderDetails)
				r.Get("/get-order-details", h.OrderDetails)
				r.Get("/get-session", h.OrderDetails)
				r.Post("/regenerate-links", h.RegenerateLinks)
				r.Post("/support", h.Support)
			})

			r.Route("/admin", func(r chi.Router) {
				r.With(h.limit(h.limits.Lookup, custommiddleware.RateLimitOptions{})).
					Post("/auth", h.AdminLogin)

				r.Group(func(r chi.Router) {
					r.Use(h.adminAuth.Middleware)

					r.Get("/stats", h.AdminStats)
					r.Get("/chart-data", h.ChartData)
					r.Get("/export-emails", h.ExportEmails)
					r.Get("/export-subscribers", h.ExportSubscribers)
					r.Post("/update-email", h.UpdateEmail)
					r.Post("/add-subscriber", h.AddSubscriber)
					r.Post("/generate-license", h.GenerateLicense)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
