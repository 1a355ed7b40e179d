package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// echoHandler отвечает телом запроса; ?status= задаёт код ответа.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)

	status := http.StatusOK
	if s := r.URL.Query().Get("status"); s != "" {
		status, _ = strconv.Atoi(s)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("received: " + string(body)))
}

func TestGzipMiddleware(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		contentType     string
		bodyContains    string
	}

	tests := []struct {
		name        string
		target      string
		requestBody string
		gzipBody    bool
		headers     map[string]string
		want        want
	}{
		{
			name:        "checkout json compressed",
			target:      "/api/create-checkout-session",
			requestBody: `{"email":"a@b.com","cartItems":[{"plugin":{"id":"4"},"payAmount":19}]}`,
			headers: map[string]string{
				"Accept-Encoding": "gzip",
				"Content-Type":    "application/json",
			},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				contentType:     "application/json",
				bodyContains:    `"payAmount":19`,
			},
		},
		{
			name:        "client does not accept gzip",
			target:      "/api/orders",
			requestBody: "lookup",
			headers: map[string]string{
				"Content-Type": "text/plain",
			},
			want: want{
				statusCode:   http.StatusOK,
				contentType:  "text/plain",
				bodyContains: "received: lookup",
			},
		},
		{
			name:        "gzip request body",
			target:      "/api/paypal/webhooks",
			requestBody: `{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`,
			gzipBody:    true,
			headers: map[string]string{
				"Content-Encoding": "gzip",
				"Accept-Encoding":  "gzip",
				"Content-Type":     "application/json",
			},
			want: want{
				statusCode:      http.StatusOK,
				contentEncoding: "gzip",
				contentType:     "application/json",
				bodyContains:    "PAYMENT.CAPTURE.COMPLETED",
			},
		},
		{
			name:   "redirect stays uncompressed",
			target: "/api/download?status=302",
			headers: map[string]string{
				"Accept-Encoding": "gzip",
			},
			want: want{
				statusCode:   http.StatusFound,
				contentType:  "text/plain",
				bodyContains: "received: ",
			},
		},
		{
			name:   "error stays uncompressed",
			target: "/api/download?status=410",
			headers: map[string]string{
				"Accept-Encoding": "gzip, deflate",
			},
			want: want{
				statusCode:   http.StatusGone,
				contentType:  "text/plain",
				bodyContains: "received: ",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestBody io.Reader = strings.NewReader(tt.requestBody)
			if tt.gzipBody {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				if _, err := gz.Write([]byte(tt.requestBody)); err != nil {
					t.Fatalf("write gzip: %v", err)
				}
				if err := gz.Close(); err != nil {
					t.Fatalf("close gzip: %v", err)
				}
				requestBody = &buf
			}

			req := httptest.NewRequest(http.MethodPost, tt.target, requestBody)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.want.statusCode {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.want.statusCode)
			}
			if ct := res.Header.Get("Content-Type"); ct != tt.want.contentType {
				t.Fatalf("content-type: got %q want %q", ct, tt.want.contentType)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.want.contentEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.want.contentEncoding)
			}

			var body []byte
			var err error
			if tt.want.contentEncoding == "gzip" {
				gr, gerr := gzip.NewReader(res.Body)
				if gerr != nil {
					t.Fatalf("new gzip reader: %v", gerr)
				}
				defer gr.Close()
				body, err = io.ReadAll(gr)
			} else {
				body, err = io.ReadAll(res.Body)
			}
			if err != nil {
				t.Fatalf("read body: %v", err)
			}

			if !strings.Contains(string(body), tt.want.bodyContains) {
				t.Fatalf("body %q does not contain %q", string(body), tt.want.bodyContains)
			}
		})
	}
}

func TestGzipMiddlewareRejectsBrokenBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/support", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	called := false
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatal("next handler must not run for a broken gzip body")
	}
}
