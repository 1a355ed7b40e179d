// Package metrics содержит Prometheus-метрики витрины.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Исходы выполнения заказа.
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Registry хранит метрики в собственном реестре, а не в глобальном.
type Registry struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	FulfillmentsTotal    *prometheus.CounterVec
	EmailFailuresTotal   *prometheus.CounterVec
	WebhookEventsTotal   *prometheus.CounterVec
	RateLimitDeniedTotal *prometheus.CounterVec
	DownloadsTotal       *prometheus.CounterVec
}

// NewRegistry создаёт реестр и регистрирует все метрики.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{registry: reg}
	f := promauto.With(reg)

	r.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	r.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	r.FulfillmentsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_fulfillments_total",
			Help: "Fulfillment pipeline runs by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	r.EmailFailuresTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_email_failures_total",
			Help: "Emails that could not be delivered to the provider",
		},
		[]string{"kind"},
	)

	r.WebhookEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_webhook_events_total",
			Help: "Inbound payment webhooks by provider and event type",
		},
		[]string{"provider", "type"},
	)

	r.RateLimitDeniedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_rate_limit_denied_total",
			Help: "Requests rejected by the rate limiter by scope",
		},
		[]string{"scope"},
	)

	r.DownloadsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_downloads_total",
			Help: "Download redemptions by result",
		},
		[]string{"result"},
	)

	return r
}

// Handler возвращает HTTP-обработчик для /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordHTTPRequest учитывает один HTTP-запрос.
func (r *Registry) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordFulfillment учитывает исход выполнения заказа.
func (r *Registry) RecordFulfillment(provider, outcome string) {
	r.FulfillmentsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordEmailFailure учитывает неотправленное письмо.
func (r *Registry) RecordEmailFailure(kind string) {
	r.EmailFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordWebhook учитывает входящее событие провайдера.
func (r *Registry) RecordWebhook(provider, eventType string) {
	r.WebhookEventsTotal.WithLabelValues(provider, eventType).Inc()
}

// RecordRateLimited учитывает отклонённый ограничителем запрос.
func (r *Registry) RecordRateLimited(scope string) {
	r.RateLimitDeniedTotal.WithLabelValues(scope).Inc()
}

// RecordDownload учитывает результат обращения по ссылке на скачивание.
func (r *Registry) RecordDownload(result string) {
	r.DownloadsTotal.WithLabelValues(result).Inc()
}
