package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
)

type stubResolver map[string]string

func (s stubResolver) Resolve(ids []string) (model.LineItems, error) {
	items := make(model.LineItems, 0, len(ids))
	for _, id := range ids {
		name, ok := s[id]
		if !ok {
			return nil, fmt.Errorf("unknown product %s", id)
		}
		items = append(items, model.LineItem{ID: id, Name: name})
	}
	return items, nil
}

var resolver = stubResolver{"1": "Cassette Vibe", "7": "VocalFelt"}

type fakePayPal struct {
	tokenCalls    atomic.Int32
	created       map[string]any
	captureStatus string
	captureValue  string
	customID      string
	verifyStatus  string
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client Authentication failed"}`))
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		f.tokenCalls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":32400}`))
	})
	mux.HandleFunc("POST /v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("PayPal-Request-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.created))
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"CREATED","links":[
			{"rel":"self","href":"https://api/ORDER-1"},
			{"rel":"approve","href":"https://paypal.example/approve/ORDER-1"}]}`))
	})
	mux.HandleFunc("POST /v2/checkout/orders/{id}/capture", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     r.PathValue("id"),
			"status": f.captureStatus,
			"purchase_units": []any{map[string]any{
				"payments": map[string]any{"captures": []any{map[string]any{
					"id": "CAP-1", "status": "COMPLETED",
					"amount": map[string]string{"currency_code": "USD", "value": f.captureValue},
				}}},
			}},
		})
	})
	mux.HandleFunc("GET /v2/checkout/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     r.PathValue("id"),
			"status": "COMPLETED",
			"payer":  map[string]string{"email_address": "payer@ex.org"},
			"purchase_units": []any{map[string]any{
				"custom_id": f.customID,
				"amount":    map[string]string{"currency_code": "USD", "value": f.captureValue},
			}},
		})
	})
	mux.HandleFunc("POST /v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "WH-1", req["webhook_id"])
		assert.NotNil(t, req["webhook_event"])
		_, _ = w.Write([]byte(`{"verification_status":"` + f.verifyStatus + `"}`))
	})
	return mux
}

func newTestAdapter(t *testing.T, f *fakePayPal) *Adapter {
	t.Helper()
	ts := httptest.NewServer(f.handler(t))
	t.Cleanup(ts.Close)
	return New(Config{
		ClientID:      "client",
		ClientSecret:  "secret",
		WebhookID:     "WH-1",
		APIBase:       ts.URL,
		PublicBaseURL: "https://shop.example",
	}, resolver)
}

func TestCreateCheckout(t *testing.T) {
	f := &fakePayPal{}
	a := newTestAdapter(t, f)

	sess, err := a.CreateCheckout(context.Background(), &payment.Checkout{
		Email:   "a@b.com",
		CartIDs: []string{"1", "7"},
		Lines: []payment.Line{
			{ProductID: "1", Name: "Cassette Vibe", Amount: 0},
			{ProductID: "7", Name: "VocalFelt", Amount: 1050},
		},
		Total: 1050,
	})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", sess.ID)
	assert.Equal(t, "https://paypal.example/approve/ORDER-1", sess.URL)

	assert.Equal(t, "CAPTURE", f.created["intent"])
	units := f.created["purchase_units"].([]any)
	unit := units[0].(map[string]any)
	amount := unit["amount"].(map[string]any)
	assert.Equal(t, "10.50", amount["value"])
	assert.Equal(t, "USD", amount["currency_code"])
	assert.Len(t, unit["items"], 1)

	meta, err := payment.DecodeCompact(unit["custom_id"].(string), resolver)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", meta.Email)
	assert.Len(t, meta.Items, 2)

	ctxMap := f.created["application_context"].(map[string]any)
	assert.Equal(t, "https://shop.example/success?provider=paypal", ctxMap["return_url"])
}

func TestConfirm(t *testing.T) {
	customID, err := payment.EncodeCompact("a@b.com", true, "", []string{"7"})
	require.NoError(t, err)

	f := &fakePayPal{captureStatus: "COMPLETED", captureValue: "19.99", customID: customID}
	a := newTestAdapter(t, f)

	ev, err := a.Confirm(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", ev.TransactionID)
	assert.Equal(t, int64(1999), ev.AmountTotal, "fractional dollars are kept")
	assert.Equal(t, model.ProviderPayPal, ev.Provider)
	assert.True(t, ev.MarketingOptIn)
	assert.Equal(t, model.LineItems{{ID: "7", Name: "VocalFelt"}}, ev.Items)

	_, err = a.Confirm(context.Background(), "ORDER-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "access token is cached")

	f.captureStatus = "PENDING"
	_, err = a.Confirm(context.Background(), "ORDER-3")
	assert.True(t, errors.Is(err, payment.ErrNotPaid))
}

func TestConfirmRejectsBadCustomID(t *testing.T) {
	f := &fakePayPal{captureStatus: "COMPLETED", captureValue: "5.00", customID: `{"e":"a@b.com","m":0,"p":["404"]}`}
	a := newTestAdapter(t, f)

	_, err := a.Confirm(context.Background(), "ORDER-1")
	assert.True(t, errors.Is(err, payment.ErrInvalidMetadata))
}

func TestDetails(t *testing.T) {
	f := &fakePayPal{captureValue: "0.99", customID: `{"e":"meta@ex.org","m":0,"p":["1"]}`}
	a := newTestAdapter(t, f)

	d, err := a.Details(context.Background(), "ORDER-9")
	require.NoError(t, err)
	assert.Equal(t, int64(99), d.AmountTotal)
	assert.Equal(t, "usd", d.Currency)
	assert.Equal(t, "meta@ex.org", d.CustomerEmail)
	assert.Equal(t, "paid", d.PaymentStatus)
}

func TestNotifications(t *testing.T) {
	customID, err := payment.EncodeCompact("a@b.com", false, "", []string{"1"})
	require.NoError(t, err)
	f := &fakePayPal{verifyStatus: "SUCCESS", customID: customID}
	a := newTestAdapter(t, f)

	body := []byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{
		"id":"CAP-1","amount":{"currency_code":"USD","value":"12.34"},
		"supplementary_data":{"related_ids":{"order_id":"ORDER-7"}}}}`)

	h := http.Header{}
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")
	h.Set("Paypal-Cert-Url", "https://api.paypal.com/cert")
	h.Set("Paypal-Transmission-Id", "tx-1")
	h.Set("Paypal-Transmission-Sig", "sig")
	h.Set("Paypal-Transmission-Time", "2026-01-01T00:00:00Z")

	ok, err := a.VerifyNotification(context.Background(), h, body)
	require.NoError(t, err)
	assert.True(t, ok)

	f.verifyStatus = "FAILURE"
	ok, err = a.VerifyNotification(context.Background(), h, body)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.VerifyNotification(context.Background(), http.Header{}, body)
	require.NoError(t, err)
	assert.False(t, ok, "missing transmission headers")

	n, err := a.ParseNotification(body)
	require.NoError(t, err)
	assert.Equal(t, payment.KindFulfill, n.Kind)
	assert.Equal(t, "ORDER-7", n.Reference)
	assert.Equal(t, int64(1234), n.Amount)

	ev, err := a.ResolveEvent(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "ORDER-7", ev.TransactionID)
	assert.Equal(t, int64(1234), ev.AmountTotal)
	assert.Equal(t, "a@b.com", ev.Email)

	for typ, kind := range map[string]payment.Kind{
		"PAYMENT.CAPTURE.DENIED":  payment.KindDenied,
		"CHECKOUT.ORDER.APPROVED": payment.KindInformational,
		"BILLING.PLAN.CREATED":    payment.KindIgnored,
	} {
		n, err := a.ParseNotification([]byte(`{"id":"x","event_type":"` + typ + `","resource":{}}`))
		require.NoError(t, err)
		assert.Equal(t, kind, n.Kind, typ)
	}
}

func TestTokenFailure(t *testing.T) {
	f := &fakePayPal{}
	ts := httptest.NewServer(f.handler(t))
	defer ts.Close()

	a := New(Config{ClientID: "client", ClientSecret: "wrong", APIBase: ts.URL}, resolver)
	_, err := a.Details(context.Background(), "ORDER-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, payment.ErrUpstream))
	assert.Contains(t, err.Error(), "Client Authentication failed")

	unconfigured := New(Config{}, resolver)
	_, err = unconfigured.Details(context.Background(), "ORDER-1")
	assert.True(t, errors.Is(err, payment.ErrNotConfigured))
}

func TestToCents(t *testing.T) {
	for in, want := range map[string]int64{"19.99": 1999, "0.01": 1, "100": 10000, "2.005": 201} {
		got, err := toCents(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := toCents("abc")
	assert.Error(t, err)
}
