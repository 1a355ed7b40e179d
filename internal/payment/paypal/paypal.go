// Package paypal подключает оплату через PayPal Orders API v2.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
)

const (
	// SandboxAPIBase: адрес песочницы PayPal.
	SandboxAPIBase = "https://api-m.sandbox.paypal.com"
	// LiveAPIBase: боевой адрес PayPal.
	LiveAPIBase = "https://api-m.paypal.com"

	currency  = "USD"
	brandName = "Turnt Plugins"
)

// Config содержит параметры подключения к PayPal.
type Config struct {
	ClientID      string
	ClientSecret  string
	WebhookID     string
	APIBase       string
	PublicBaseURL string
}

// Adapter реализует payment.Adapter для PayPal.
type Adapter struct {
	cfg        Config
	items      payment.ItemResolver
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ payment.Adapter = (*Adapter)(nil)

// New создаёт адаптер PayPal. resolver восстанавливает позиции по компактным метаданным.
func New(cfg Config, resolver payment.ItemResolver) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = SandboxAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Adapter{
		cfg:   cfg,
		items: resolver,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// Provider возвращает тег провайдера.
func (a *Adapter) Provider() model.Provider {
	return model.ProviderPayPal
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type item struct {
	Name       string `json:"name"`
	UnitAmount money  `json:"unit_amount"`
	Quantity   string `json:"quantity"`
}

type breakdown struct {
	ItemTotal money `json:"item_total"`
}

type amountWithBreakdown struct {
	money
	Breakdown *breakdown `json:"breakdown,omitempty"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type purchaseUnit struct {
	Amount   *amountWithBreakdown `json:"amount,omitempty"`
	Items    []item               `json:"items,omitempty"`
	CustomID string               `json:"custom_id,omitempty"`
	Payments *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
	Payer         *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer,omitempty"`
}

func (o *order) customID() string {
	if len(o.PurchaseUnits) == 0 {
		return ""
	}
	return o.PurchaseUnits[0].CustomID
}

func (o *order) payerEmail() string {
	if o.Payer == nil {
		return ""
	}
	return o.Payer.EmailAddress
}

// CreateCheckout создаёт заказ PayPal с намерением CAPTURE и возвращает ссылку одобрения.
func (a *Adapter) CreateCheckout(ctx context.Context, c *payment.Checkout) (*payment.Session, error) {
	customID, err := payment.EncodeCompact(c.Email, c.MarketingOptIn, c.DiscountCode, c.CartIDs)
	if err != nil {
		return nil, err
	}

	var items []item
	total := decimal.Zero
	for _, l := range c.Lines {
		if l.Amount <= 0 {
			continue
		}
		v := decimal.New(l.Amount, -2)
		total = total.Add(v)
		items = append(items, item{
			Name:       l.Name,
			UnitAmount: money{CurrencyCode: currency, Value: v.StringFixed(2)},
			Quantity:   "1",
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no paid line items", payment.ErrUpstream)
	}

	value := money{CurrencyCode: currency, Value: total.StringFixed(2)}
	amount := &amountWithBreakdown{money: value, Breakdown: &breakdown{ItemTotal: value}}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []purchaseUnit{{
			Amount:   amount,
			Items:    items,
			CustomID: customID,
		}},
		"application_context": map[string]string{
			"brand_name":  brandName,
			"user_action": "PAY_NOW",
			"return_url":  a.cfg.PublicBaseURL + "/success?provider=paypal",
			"cancel_url":  a.cfg.PublicBaseURL + "/?canceled=true",
		},
	}

	var o order
	if err := a.call(ctx, http.MethodPost, "/v2/checkout/orders", body, &o); err != nil {
		return nil, err
	}

	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return &payment.Session{Provider: model.ProviderPayPal, ID: o.ID, URL: l.Href}, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s has no approval link", payment.ErrUpstream, o.ID)
}

// Confirm захватывает одобренный заказ, читает его метаданные и возвращает событие покупки.
func (a *Adapter) Confirm(ctx context.Context, reference string) (*model.PurchaseEvent, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: empty order id", payment.ErrUpstream)
	}

	var captured order
	path := "/v2/checkout/orders/" + url.PathEscape(reference) + "/capture"
	if err := a.call(ctx, http.MethodPost, path, map[string]any{}, &captured); err != nil {
		return nil, err
	}
	if captured.Status != "COMPLETED" {
		return nil, fmt.Errorf("%w: order %s status %q", payment.ErrNotPaid, reference, captured.Status)
	}

	amount, err := capturedAmount(&captured)
	if err != nil {
		return nil, err
	}

	details, err := a.order(ctx, reference)
	if err != nil {
		return nil, err
	}
	return a.orderEvent(details, reference, amount)
}

// Details возвращает сведения о заказе для страницы успешной оплаты.
func (a *Adapter) Details(ctx context.Context, reference string) (*payment.Details, error) {
	o, err := a.order(ctx, reference)
	if err != nil {
		return nil, err
	}

	d := &payment.Details{
		Provider:      model.ProviderPayPal,
		TransactionID: o.ID,
		Currency:      strings.ToLower(currency),
		PaymentStatus: "unpaid",
		CustomerEmail: o.payerEmail(),
	}
	if o.Status == "COMPLETED" {
		d.PaymentStatus = "paid"
	}
	if meta, err := payment.DecodeCompact(o.customID(), a.items); err == nil && meta.Email != "" {
		d.CustomerEmail = meta.Email
	}
	if len(o.PurchaseUnits) > 0 && o.PurchaseUnits[0].Amount != nil {
		m := o.PurchaseUnits[0].Amount.money
		cents, err := toCents(m.Value)
		if err != nil {
			return nil, err
		}
		d.AmountTotal = cents
		d.Currency = strings.ToLower(m.CurrencyCode)
	}
	return d, nil
}

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string `json:"id"`
	Amount            money  `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseNotification классифицирует уведомление PayPal.
func (a *Adapter) ParseNotification(body []byte) (*payment.Notification, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	n := &payment.Notification{Provider: model.ProviderPayPal, ID: ev.ID, Type: ev.EventType}
	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		var res captureResource
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return nil, fmt.Errorf("decode capture: %w", err)
		}
		orderID := res.SupplementaryData.RelatedIDs.OrderID
		if orderID == "" {
			return nil, fmt.Errorf("capture %s has no related order", res.ID)
		}
		cents, err := toCents(res.Amount.Value)
		if err != nil {
			return nil, err
		}
		n.Kind = payment.KindFulfill
		n.Reference = orderID
		n.Amount = cents
	case "PAYMENT.CAPTURE.DENIED":
		n.Kind = payment.KindDenied
	case "CHECKOUT.ORDER.APPROVED":
		n.Kind = payment.KindInformational
	default:
		n.Kind = payment.KindIgnored
	}
	return n, nil
}

// ResolveEvent получает метаданные заказа по уведомлению о захвате.
func (a *Adapter) ResolveEvent(ctx context.Context, n *payment.Notification) (*model.PurchaseEvent, error) {
	if n.Kind != payment.KindFulfill {
		return nil, fmt.Errorf("notification %s is not a completed payment", n.Type)
	}
	o, err := a.order(ctx, n.Reference)
	if err != nil {
		return nil, err
	}
	return a.orderEvent(o, n.Reference, n.Amount)
}

func (a *Adapter) orderEvent(o *order, reference string, amount int64) (*model.PurchaseEvent, error) {
	meta, err := payment.DecodeCompact(o.customID(), a.items)
	if err != nil {
		return nil, err
	}
	if meta.Email == "" {
		meta.Email = o.payerEmail()
	}
	return meta.Event(model.ProviderPayPal, reference, amount), nil
}

func (a *Adapter) order(ctx context.Context, id string) (*order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty order id", payment.ErrUpstream)
	}
	var o order
	if err := a.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func capturedAmount(o *order) (int64, error) {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return toCents(pu.Payments.Captures[0].Amount.Value)
		}
	}
	return 0, fmt.Errorf("%w: order %s has no captures", payment.ErrUpstream, o.ID)
}

// toCents переводит денежную строку PayPal в центы без потери дробной части.
func toCents(value string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: bad amount %q", payment.ErrUpstream, value)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Desc    string `json:"error_description"`
}

func (e apiError) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Desc != "":
		return e.Desc
	case e.Name != "":
		return e.Name
	default:
		return e.Error
	}
}

func (a *Adapter) call(ctx context.Context, method, path string, in, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBase+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("PayPal-Request-Id", uuid.NewString())
	}

	return a.send(req, out)
}

func (a *Adapter) send(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", payment.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if msg := apiErr.text(); msg != "" {
			return fmt.Errorf("%w: paypal %d: %s", payment.ErrUpstream, resp.StatusCode, msg)
		}
		return fmt.Errorf("%w: paypal unexpected status %d", payment.ErrUpstream, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", payment.ErrUpstream, err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken возвращает токен client credentials, обновляя его за минуту до истечения.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return "", payment.ErrNotConfigured
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tr tokenResponse
	if err := a.send(req, &tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", payment.ErrUpstream)
	}

	a.token = tr.AccessToken
	ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
	if ttl < 0 {
		ttl = 0
	}
	a.tokenExpiry = a.now().Add(ttl)
	return a.token, nil
}
