// Package handler содержит HTTP-обработчики API витрины плагинов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/middleware"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
	"github.com/mmeshcher/plugin-storefront/internal/service"
	"github.com/mmeshcher/plugin-storefront/internal/validation"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 1 << 20
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error

	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	ClaimFree(ctx context.Context, req service.FreeClaimRequest) (*service.ConfirmResult, error)
	CreateDonation(ctx context.Context, req service.DonationRequest) (*service.DonationResult, error)
	ConfirmPayment(ctx context.Context, provider model.Provider, reference string) (*service.ConfirmResult, error)
	HandleWebhook(ctx context.Context, provider model.Provider, header http.Header, body []byte) error
	RedeemDownload(ctx context.Context, token, platform string) (string, error)
	LookupOrders(ctx context.Context, email string) ([]*model.Order, error)
	RegenerateLinks(ctx context.Context, orderID int64, email string) ([]model.DownloadGrant, error)
	OrderDetails(ctx context.Context, provider model.Provider, transactionID string) (*payment.Details, error)
	SendSupportMessage(ctx context.Context, req service.SupportRequest) error

	AuthenticateAdmin(password string) error
	AdminStats(ctx context.Context) (*service.AdminStats, error)
	ChartData(ctx context.Context) ([]model.DailyTotals, error)
	ExportOrdersCSV(ctx context.Context, w io.Writer, marketingOnly bool) error
	ExportSubscribersCSV(ctx context.Context, w io.Writer) error
	RenameEmail(ctx context.Context, oldEmail, newEmail string) (int64, error)
	AddSubscriber(ctx context.Context, email string) error
	IssueReplacementLicense(ctx context.Context, email, family string) (string, error)
}

// Metrics объединяет учёт запросов, отказов ограничителя и выдачу /metrics.
type Metrics interface {
	middleware.HTTPRecorder
	middleware.DeniedRecorder
	Handler() http.Handler
}

// Handler реализует HTTP-обработчики API витрины.
type Handler struct {
	service   Service
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
	limits    Limits
	metrics   Metrics
	now       func() time.Time
}

// NewHandler создаёт обработчик. Пустые лимиты отключают ограничение частоты, nil metrics
// отключает /metrics.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AdminAuth, limits Limits, m Metrics) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		adminAuth: auth,
		limits:    limits,
		metrics:   m,
		now:       time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeError переводит ошибку сервиса в HTTP-ответ. Сообщения валидации отдаются как есть,
// внутренние ошибки только логируются.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, notFound string) {
	if msg, ok := validation.Message(err); ok {
		writeErrorMessage(w, http.StatusBadRequest, msg)
		return
	}

	switch {
	case errors.Is(err, payment.ErrNotPaid):
		writeErrorMessage(w, http.StatusBadRequest, "Payment not completed")
	case errors.Is(err, payment.ErrUnknownProvider):
		writeErrorMessage(w, http.StatusBadRequest, "Invalid payment provider")
	case errors.Is(err, payment.ErrInvalidMetadata):
		writeErrorMessage(w, http.StatusBadRequest, "Invalid order metadata")
	case errors.Is(err, service.ErrNotFound):
		if notFound == "" {
			notFound = "Not found"
		}
		writeErrorMessage(w, http.StatusNotFound, notFound)
	case errors.Is(err, service.ErrExpired):
		writeErrorMessage(w, http.StatusGone, "Download link has expired")
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeErrorMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

// Health отвечает 200, если база данных доступна.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("health check error", zap.Error(err))
		writeErrorMessage(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkoutResponse struct {
	URL       *string        `json:"url"`
	SessionID string         `json:"sessionId,omitempty"`
	Provider  model.Provider `json:"provider"`
	IsFree    bool           `json:"isFree"`
	OrderID   int64          `json:"orderId,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// CreateDonationSession создаёт ссылку на оплату пожертвования.
func (h *Handler) CreateDonationSession(w http.ResponseWriter, r *http.Request) {
	var req service.DonationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.CreateDonation(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "create donation session", "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateCheckoutSession оформляет корзину: возвращает ссылку на оплату или, если
// платить нечего, сразу выполняет бесплатный заказ.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Checkout(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "create checkout session", "")
		return
	}

	if res.IsFree {
		writeJSON(w, http.StatusOK, checkoutResponse{
			Provider: res.Provider,
			IsFree:   true,
			OrderID:  res.OrderID,
			Message:  "Free download - no payment required",
		})
		return
	}

	url := res.URL
	writeJSON(w, http.StatusOK, checkoutResponse{
		URL:       &url,
		SessionID: res.SessionID,
		Provider:  res.Provider,
	})
}

type successResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	OrderID   int64  `json:"orderId,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// FreeDownload выполняет бесплатный заказ и отправляет ссылки письмом.
func (h *Handler) FreeDownload(w http.ResponseWriter, r *http.Request) {
	var req service.FreeClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.ClaimFree(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "free download", "")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Check your email for download links!",
		OrderID: res.OrderID,
	})
}

type captureRequest struct {
	OrderID string `json:"orderId"`
}

// CapturePayPalOrder списывает одобренный заказ PayPal и выполняет его.
func (h *Handler) CapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.confirm(w, r, model.ProviderPayPal, req.OrderID)
}

type stripeConfirmRequest struct {
	SessionID string `json:"sessionId"`
}

// ConfirmStripeSession подтверждает оплаченную сессию Stripe и выполняет заказ.
func (h *Handler) ConfirmStripeSession(w http.ResponseWriter, r *http.Request) {
	var req stripeConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.confirm(w, r, model.ProviderStripe, req.SessionID)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, provider model.Provider, reference string) {
	res, err := h.service.ConfirmPayment(r.Context(), provider, reference)
	if err != nil {
		h.writeError(w, err, "confirm "+string(provider)+" payment", "")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, OrderID: res.OrderID})
}

// Webhook возвращает обработчик уведомлений провайдера. После проверки подписи ответ
// всегда 200, даже если обработка не удалась.
func (h *Handler) Webhook(provider model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		err = h.service.HandleWebhook(r.Context(), provider, r.Header, body)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		case errors.Is(err, payment.ErrInvalidSignature):
			h.logger.Warn("webhook signature verification failed", zap.String("provider", string(provider)))
			writeErrorMessage(w, http.StatusBadRequest, "Invalid signature")
		case errors.Is(err, payment.ErrUnknownProvider):
			writeErrorMessage(w, http.StatusNotFound, "Payment provider is not configured")
		default:
			h.logger.Error("webhook verification error", zap.String("provider", string(provider)), zap.Error(err))
			writeErrorMessage(w, http.StatusInternalServerError, "Webhook verification failed")
		}
	}
}

// Download перенаправляет на установщик по действующей ссылке.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location, err := h.service.RedeemDownload(r.Context(), q.Get("token"), q.Get("platform"))
	if err != nil {
		h.writeError(w, err, "download", "Download link not found")
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

type grantResponse struct {
	PluginID      string `json:"plugin_id"`
	PluginName    string `json:"plugin_name"`
	Platform      string `json:"platform"`
	DownloadURL   string `json:"download_url"`
	ExpiresAt     string `json:"expires_at"`
	DownloadCount int    `json:"download_count"`
	Expired       bool   `json:"expired"`
}

type orderResponse struct {
	ID              int64             `json:"id"`
	Email           string            `json:"email"`
	PaymentProvider string            `json:"payment_provider"`
	TransactionID   string            `json:"transaction_id"`
	AmountTotal     int64             `json:"amount_total"`
	Plugins         model.LineItems   `json:"plugins"`
	MarketingOptIn  bool              `json:"marketing_opt_in"`
	LicenseKeys     map[string]string `json:"license_keys,omitempty"`
	CreatedAt       string            `json:"created_at"`
	Downloads       []grantResponse   `json:"downloads"`
}

func (h *Handler) toOrderResponse(o *model.Order) orderResponse {
	now := h.now()
	resp := orderResponse{
		ID:              o.ID,
		Email:           o.Email,
		PaymentProvider: string(o.Provider),
		TransactionID:   o.TransactionID,
		AmountTotal:     o.AmountTotal,
		Plugins:         o.Items,
		MarketingOptIn:  o.MarketingOptIn,
		LicenseKeys:     o.LicenseKeys,
		CreatedAt:       o.CreatedAt.UTC().Format(time.RFC3339),
		Downloads:       make([]grantResponse, 0, len(o.Grants)),
	}
	for i := range o.Grants {
		g := &o.Grants[i]
		resp.Downloads = append(resp.Downloads, grantResponse{
			PluginID:      g.ProductID,
			PluginName:    g.ProductName,
			Platform:      string(g.Platform),
			DownloadURL:   g.URL,
			ExpiresAt:     g.ExpiresAt.UTC().Format(time.RFC3339),
			DownloadCount: g.DownloadCount,
			Expired:       g.Expired(now),
		})
	}
	return resp
}

// GetOrders возвращает заказы по адресу электронной почты.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.LookupOrders(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		h.writeError(w, err, "get orders", "")
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, h.toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": resp,
		"count":  len(resp),
	})
}

type regenerateRequest struct {
	OrderID json.Number `json:"orderId"`
	Email   string      `json:"email"`
}

// RegenerateLinks выпускает новые ссылки на скачивание для заказа.
func (h *Handler) RegenerateLinks(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	orderID, err := strconv.ParseInt(strings.TrimSpace(req.OrderID.String()), 10, 64)
	if err != nil || orderID <= 0 {
		writeErrorMessage(w, http.StatusBadRequest, "Order ID is required")
		return
	}

	grants, err := h.service.RegenerateLinks(r.Context(), orderID, req.Email)
	if err != nil {
		h.writeError(w, err, "regenerate links", "Order not found")
		return
	}

	resp := successResponse{Success: true, Message: "Download links regenerated successfully"}
	if len(grants) > 0 {
		resp.ExpiresAt = grants[0].ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// OrderDetails возвращает сведения о платеже для страницы успешной оплаты.
// Без параметра provider подразумевается Stripe.
func (h *Handler) OrderDetails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txID := q.Get("transaction_id")
	if txID == "" {
		txID = q.Get("session_id")
	}

	provider := model.ProviderStripe
	if p := q.Get("provider"); p != "" {
		parsed, err := model.ParseProvider(p)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "Invalid payment provider")
			return
		}
		provider = parsed
	}

	details, err := h.service.OrderDetails(r.Context(), provider, txID)
	if err != nil {
		h.writeError(w, err, "get order details", "Order not found")
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// Support пересылает обращение с формы поддержки.
func (h *Handler) Support(w http.ResponseWriter, r *http.Request) {
	var req service.SupportRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SendSupportMessage(r.Context(), req); err != nil {
		h.writeError(w, err, "send support message", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Support message sent successfully"})
}
