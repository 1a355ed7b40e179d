package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.HTTPRequestsTotal == nil || r.FulfillmentsTotal == nil || r.RateLimitDeniedTotal == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestRecorders(t *testing.T) {
	r := NewRegistry()

	r.RecordFulfillment("stripe", OutcomeFulfilled)
	r.RecordFulfillment("stripe", OutcomeFulfilled)
	r.RecordFulfillment("paypal", OutcomeDuplicate)
	r.RecordRateLimited("checkout")
	r.RecordHTTPRequest(http.MethodGet, "/api/orders", http.StatusOK, 5*time.Millisecond)

	if got := testutil.ToFloat64(r.FulfillmentsTotal.WithLabelValues("stripe", OutcomeFulfilled)); got != 2 {
		t.Fatalf("fulfilled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.FulfillmentsTotal.WithLabelValues("paypal", OutcomeDuplicate)); got != 1 {
		t.Fatalf("duplicate = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/orders", "200")); got != 1 {
		t.Fatalf("http requests = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordWebhook("stripe", "checkout.session.completed")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "storefront_webhook_events_total") {
		t.Fatalf("metrics output does not contain webhook counter")
	}
}
