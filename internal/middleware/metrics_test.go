package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type httpCall struct {
	method, route string
	status        int
}

type recordingHTTP struct {
	calls []httpCall
}

func (r *recordingHTTP) RecordHTTPRequest(method, route string, status int, _ time.Duration) {
	r.calls = append(r.calls, httpCall{method: method, route: route, status: status})
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	rec := &recordingHTTP{}
	r := chi.NewRouter()
	r.Use(Metrics(rec))
	r.Get("/api/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/42", nil))

	if len(rec.calls) != 1 {
		t.Fatalf("calls = %d", len(rec.calls))
	}
	got := rec.calls[0]
	if got.route != "/api/orders/{id}" || got.status != http.StatusNotFound || got.method != http.MethodGet {
		t.Fatalf("recorded %+v", got)
	}
}

func TestLoggerRecordsStatusAndSize(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusOK) {
		t.Fatalf("status field = %v", fields["status"])
	}
	if fields["size"] != int64(5) {
		t.Fatalf("size field = %v", fields["size"])
	}
	if fields["path"] != "/healthz" {
		t.Fatalf("path field = %v", fields["path"])
	}
}
