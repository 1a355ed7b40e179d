// Package stripe подключает оплату картой через Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
)

// DefaultAPIBase: адрес API Stripe.
const DefaultAPIBase = "https://api.stripe.com"

const metadataKey = "order"

// donationType: значение metadata[type] у сессий пожертвований.
const donationType = "donation"

const donationName = "Support plugin development"

// Config содержит параметры подключения к Stripe.
type Config struct {
	SecretKey     string
	WebhookSecret string
	APIBase       string
	PublicBaseURL string
	// Tolerance: допустимый возраст подписи уведомления.
	Tolerance time.Duration
}

// Adapter реализует payment.Adapter для Stripe.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

var (
	_ payment.Adapter         = (*Adapter)(nil)
	_ payment.DonationAdapter = (*Adapter)(nil)
)

// New создаёт адаптер Stripe.
func New(cfg Config) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	return &Adapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// Provider возвращает тег провайдера.
func (a *Adapter) Provider() model.Provider {
	return model.ProviderStripe
}

type session struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"payment_status"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *customerDetails  `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
}

type customerDetails struct {
	Email string `json:"email"`
}

func (s *session) donation() bool {
	return s.Metadata["type"] == donationType
}

func (s *session) email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CreateCheckout создаёт сессию Stripe Checkout. Бесплатные позиции в счёт не попадают.
func (a *Adapter) CreateCheckout(ctx context.Context, c *payment.Checkout) (*payment.Session, error) {
	if a.cfg.SecretKey == "" {
		return nil, payment.ErrNotConfigured
	}

	meta, err := payment.EncodeFull(payment.MetadataFromCheckout(c))
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("customer_email", c.Email)
	form.Set("success_url", a.cfg.PublicBaseURL+"/success?session_id={CHECKOUT_SESSION_ID}")
	form.Set("cancel_url", a.cfg.PublicBaseURL+"/?canceled=true")
	form.Set("metadata["+metadataKey+"]", meta)

	n := 0
	for _, l := range c.Lines {
		if l.Amount <= 0 {
			continue
		}
		prefix := fmt.Sprintf("line_items[%d]", n)
		form.Set(prefix+"[price_data][currency]", "usd")
		form.Set(prefix+"[price_data][product_data][name]", l.Name)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(l.Amount, 10))
		form.Set(prefix+"[quantity]", "1")
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no paid line items", payment.ErrUpstream)
	}

	var s session
	if err := a.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		return nil, fmt.Errorf("%w: session %s has no url", payment.ErrUpstream, s.ID)
	}
	return &payment.Session{Provider: model.ProviderStripe, ID: s.ID, URL: s.URL}, nil
}

// CreateDonation создаёт сессию Stripe Checkout для пожертвования. Такие сессии
// помечаются metadata[type]=donation и заказов не порождают.
func (a *Adapter) CreateDonation(ctx context.Context, d *payment.Donation) (*payment.Session, error) {
	if a.cfg.SecretKey == "" {
		return nil, payment.ErrNotConfigured
	}
	if d.Amount <= 0 {
		return nil, fmt.Errorf("%w: donation amount %d", payment.ErrUpstream, d.Amount)
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("customer_email", d.Email)
	form.Set("success_url", a.cfg.PublicBaseURL+"/success?donation=true")
	form.Set("cancel_url", a.cfg.PublicBaseURL+"/donate")
	form.Set("metadata[type]", donationType)
	form.Set("metadata[amount]", strconv.FormatInt(d.Amount, 10))
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][product_data][name]", donationName)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(d.Amount, 10))
	form.Set("line_items[0][quantity]", "1")

	var s session
	if err := a.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		return nil, fmt.Errorf("%w: session %s has no url", payment.ErrUpstream, s.ID)
	}
	return &payment.Session{Provider: model.ProviderStripe, ID: s.ID, URL: s.URL}, nil
}

// Confirm проверяет, что сессия оплачена, и возвращает событие покупки.
func (a *Adapter) Confirm(ctx context.Context, reference string) (*model.PurchaseEvent, error) {
	s, err := a.retrieve(ctx, reference)
	if err != nil {
		return nil, err
	}
	return a.sessionEvent(s)
}

// Details возвращает сведения о сессии для страницы успешной оплаты.
func (a *Adapter) Details(ctx context.Context, reference string) (*payment.Details, error) {
	s, err := a.retrieve(ctx, reference)
	if err != nil {
		return nil, err
	}
	return &payment.Details{
		Provider:      model.ProviderStripe,
		TransactionID: s.ID,
		AmountTotal:   s.AmountTotal,
		Currency:      strings.ToLower(s.Currency),
		CustomerEmail: s.email(),
		PaymentStatus: s.PaymentStatus,
	}, nil
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseNotification классифицирует событие Stripe.
func (a *Adapter) ParseNotification(body []byte) (*payment.Notification, error) {
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(ev.ID) == "" {
		return nil, errors.New("event without id")
	}

	n := &payment.Notification{Provider: model.ProviderStripe, ID: ev.ID, Type: ev.Type}
	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var s session
		if err := json.Unmarshal(ev.Data.Object, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		n.Reference = s.ID
		n.Amount = s.AmountTotal
		if s.donation() {
			n.Kind = payment.KindIgnored
			break
		}
		n.Kind = payment.KindFulfill
		n.WithPayload(ev.Data.Object)
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		n.Kind = payment.KindDenied
	case "payment_intent.succeeded", "payment_intent.created", "charge.succeeded":
		n.Kind = payment.KindInformational
	default:
		n.Kind = payment.KindIgnored
	}
	return n, nil
}

// ResolveEvent строит событие покупки из объекта сессии, пришедшего в уведомлении.
func (a *Adapter) ResolveEvent(ctx context.Context, n *payment.Notification) (*model.PurchaseEvent, error) {
	if n.Kind != payment.KindFulfill {
		return nil, fmt.Errorf("notification %s is not a completed payment", n.Type)
	}
	var s session
	if err := json.Unmarshal(n.Payload(), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return a.sessionEvent(&s)
}

func (a *Adapter) sessionEvent(s *session) (*model.PurchaseEvent, error) {
	if s.PaymentStatus != "paid" {
		return nil, fmt.Errorf("%w: session %s status %q", payment.ErrNotPaid, s.ID, s.PaymentStatus)
	}
	if s.donation() {
		return nil, fmt.Errorf("%w: session %s is a donation", payment.ErrInvalidMetadata, s.ID)
	}
	meta, err := decodeSessionMetadata(s.Metadata)
	if err != nil {
		return nil, err
	}
	if meta.Email == "" {
		meta.Email = s.email()
	}
	return meta.Event(model.ProviderStripe, s.ID, s.AmountTotal), nil
}

// decodeSessionMetadata читает метаданные заказа. Старые сессии хранят почту и
// позиции в отдельных ключах.
func decodeSessionMetadata(md map[string]string) (payment.Metadata, error) {
	if raw, ok := md[metadataKey]; ok {
		return payment.DecodeFull(raw)
	}

	rawItems, ok := md["plugins"]
	if !ok {
		return payment.Metadata{}, fmt.Errorf("%w: no order metadata", payment.ErrInvalidMetadata)
	}
	items, err := model.ParseLineItems([]byte(rawItems))
	if err != nil || len(items) == 0 {
		return payment.Metadata{}, fmt.Errorf("%w: bad plugins value", payment.ErrInvalidMetadata)
	}
	return payment.Metadata{
		Email:          md["customerEmail"],
		MarketingOptIn: md["marketingOptIn"] == "true",
		DiscountCode:   md["discountCode"],
		Items:          items,
	}, nil
}

func (a *Adapter) retrieve(ctx context.Context, id string) (*session, error) {
	if a.cfg.SecretKey == "" {
		return nil, payment.ErrNotConfigured
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty session id", payment.ErrUpstream)
	}
	var s session
	if err := a.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBase+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", payment.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return fmt.Errorf("%w: stripe %d: %s", payment.ErrUpstream, resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("%w: stripe unexpected status %d", payment.ErrUpstream, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", payment.ErrUpstream, err)
	}
	return nil
}
