package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/license"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
	"github.com/mmeshcher/plugin-storefront/internal/validation"
)

const (
	// MaxCartItems: предел числа позиций в корзине.
	MaxCartItems = 20
	// MaxPayAmount: предел суммы за одну позицию в долларах.
	MaxPayAmount = 1000
)

// MaxDonation: предел пожертвования в долларах.
const MaxDonation = 10000

var (
	maxPayAmount = decimal.NewFromInt(MaxPayAmount)
	minDonation  = decimal.NewFromInt(1)
	maxDonation  = decimal.NewFromInt(MaxDonation)
)

// CartPlugin ссылается на продукт каталога.
type CartPlugin struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// CartItem: позиция корзины с суммой, которую покупатель готов заплатить.
type CartItem struct {
	Plugin    CartPlugin      `json:"plugin"`
	PayAmount decimal.Decimal `json:"payAmount"`
}

// CheckoutRequest: запрос на оформление заказа.
type CheckoutRequest struct {
	CartItems      []CartItem `json:"cartItems" validate:"max=20,dive"`
	Email          string     `json:"email" validate:"required,email"`
	MarketingOptIn bool       `json:"marketingOptIn"`
	DiscountCode   string     `json:"discountCode" validate:"max=64"`
	Provider       string     `json:"provider" validate:"omitempty,oneof=stripe paypal"`
}

// FreeClaimRequest: запрос на бесплатное получение плагинов.
type FreeClaimRequest struct {
	CartItems      []CartItem `json:"cartItems" validate:"max=20,dive"`
	Email          string     `json:"email" validate:"required,email"`
	MarketingOptIn bool       `json:"marketingOptIn"`
}

// DonationRequest: запрос на пожертвование в долларах.
type DonationRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Email  string          `json:"email"`
}

// DonationResult: ссылка на страницу оплаты пожертвования.
type DonationResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CheckoutResult: итог оформления: ссылка на оплату или выполненный бесплатный заказ.
type CheckoutResult struct {
	Provider      model.Provider `json:"provider"`
	SessionID     string         `json:"sessionId,omitempty"`
	URL           string         `json:"url,omitempty"`
	IsFree        bool           `json:"isFree"`
	OrderID       int64          `json:"orderId,omitempty"`
	TransactionID string         `json:"transactionId,omitempty"`
}

// ConfirmResult: итог подтверждения оплаты.
type ConfirmResult struct {
	OrderID       int64
	Provider      model.Provider
	TransactionID string
	Email         string
	AmountTotal   int64
	Items         model.LineItems
	Grants        []model.DownloadGrant
	LicenseKeys   map[string]string
	Duplicate     bool
}

type pricedCart struct {
	lines   []payment.Line
	cartIDs []string
	items   model.LineItems
	total   int64
}

// Checkout проверяет корзину, применяет скидку и создаёт сессию оплаты. Если после
// скидки платить нечего, заказ выполняется сразу без обращения к провайдеру.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.DiscountCode = strings.TrimSpace(req.DiscountCode)
	if len(req.CartItems) == 0 {
		return nil, validation.Errorf("Cart is empty")
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	pct := 0
	if req.DiscountCode != "" {
		p, err := s.catalog.DiscountPercent(req.DiscountCode)
		if err != nil {
			return nil, validation.Errorf("Invalid discount code")
		}
		pct = p
		req.DiscountCode = strings.ToUpper(req.DiscountCode)
	}

	cart, err := s.priceCart(req.CartItems, pct)
	if err != nil {
		return nil, err
	}

	if cart.total == 0 {
		res, err := s.fulfillFree(ctx, req.Email, cart.items, req.MarketingOptIn, req.DiscountCode)
		if err != nil {
			return nil, err
		}
		return &CheckoutResult{
			Provider:      model.ProviderFree,
			IsFree:        true,
			OrderID:       res.OrderID,
			TransactionID: res.TransactionID,
		}, nil
	}

	provider := model.ProviderStripe
	if req.Provider != "" {
		provider = model.Provider(req.Provider)
	}
	adapter, err := s.payments.Get(provider)
	if err != nil {
		return nil, validation.Errorf("Payment provider %s is not available", provider)
	}

	sess, err := adapter.CreateCheckout(ctx, &payment.Checkout{
		Email:          req.Email,
		Lines:          cart.lines,
		CartIDs:        cart.cartIDs,
		Items:          cart.items,
		MarketingOptIn: req.MarketingOptIn,
		DiscountCode:   req.DiscountCode,
		Total:          cart.total,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s checkout: %w", provider, err)
	}

	s.logger.Info("checkout session created",
		zap.String("provider", string(provider)),
		zap.String("session_id", sess.ID),
		zap.Int64("amount_total", cart.total),
		zap.Int("items", len(cart.items)),
	)
	return &CheckoutResult{Provider: provider, SessionID: sess.ID, URL: sess.URL}, nil
}

// CreateDonation создаёт сессию оплаты пожертвования у Stripe. Пожертвование
// не создаёт заказа и не выдаёт ссылок на скачивание.
func (s *Service) CreateDonation(ctx context.Context, req DonationRequest) (*DonationResult, error) {
	if req.Amount.LessThan(minDonation) {
		return nil, validation.Errorf("Donation amount must be at least $1")
	}
	if req.Amount.GreaterThan(maxDonation) {
		return nil, validation.Errorf("Donation amount must be at most $%d", MaxDonation)
	}
	email := strings.TrimSpace(req.Email)
	if !validation.IsEmail(email) {
		return nil, validation.Errorf("Valid email address is required")
	}

	adapter, err := s.payments.Get(model.ProviderStripe)
	if err != nil {
		return nil, validation.Errorf("Payment provider %s is not available", model.ProviderStripe)
	}
	donations, ok := adapter.(payment.DonationAdapter)
	if !ok {
		return nil, validation.Errorf("Donations are not available")
	}

	cents := req.Amount.Shift(2).Round(0).IntPart()
	sess, err := donations.CreateDonation(ctx, &payment.Donation{Email: email, Amount: cents})
	if err != nil {
		return nil, fmt.Errorf("create donation session: %w", err)
	}

	s.logger.Info("donation session created",
		zap.String("session_id", sess.ID),
		zap.Int64("amount", cents),
	)
	return &DonationResult{SessionID: sess.ID, URL: sess.URL}, nil
}

// ClaimFree выполняет бесплатный заказ без обращения к платёжному провайдеру.
func (s *Service) ClaimFree(ctx context.Context, req FreeClaimRequest) (*ConfirmResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	if len(req.CartItems) == 0 {
		return nil, validation.Errorf("Cart is empty")
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	cart, err := s.priceCart(req.CartItems, 100)
	if err != nil {
		return nil, err
	}
	return s.fulfillFree(ctx, req.Email, cart.items, req.MarketingOptIn, "")
}

// ConfirmPayment подтверждает оплату по ссылке, которую клиент получил после
// возврата со страницы провайдера, и выполняет заказ. Уже выполненный заказ
// возвращается без повторного обращения к провайдеру.
func (s *Service) ConfirmPayment(ctx context.Context, provider model.Provider, reference string) (*ConfirmResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, validation.Errorf("Invalid order ID")
	}
	adapter, err := s.payments.Get(provider)
	if err != nil {
		return nil, validation.Errorf("Invalid payment provider")
	}

	existing, err := s.repo.GetOrderByTransactionID(ctx, provider, reference)
	if err == nil {
		return confirmFromOrder(existing), nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("lookup order: %w", err)
	}

	ev, err := adapter.Confirm(ctx, reference)
	if err != nil {
		return nil, err
	}
	res, err := s.pipeline.Fulfill(ctx, ev)
	if err != nil {
		return nil, err
	}
	return confirmFromEvent(ev, res), nil
}

func (s *Service) fulfillFree(ctx context.Context, email string, items model.LineItems, optIn bool, code string) (*ConfirmResult, error) {
	ev := &model.PurchaseEvent{
		Email:          email,
		Provider:       model.ProviderFree,
		TransactionID:  s.newTxID(),
		AmountTotal:    0,
		Items:          items,
		MarketingOptIn: optIn,
		DiscountCode:   code,
	}
	res, err := s.pipeline.Fulfill(ctx, ev)
	if err != nil {
		return nil, err
	}
	return confirmFromEvent(ev, res), nil
}

// priceCart сверяет корзину с каталогом и считает суммы по позициям в центах.
// Скидка применяется к каждой позиции с округлением половины вверх.
func (s *Service) priceCart(items []CartItem, discountPct int) (*pricedCart, error) {
	cart := &pricedCart{}
	seen := make(map[string]struct{}, len(items))
	factor := decimal.NewFromInt(int64(100 - discountPct)).Div(decimal.NewFromInt(100))

	for _, it := range items {
		id := strings.TrimSpace(it.Plugin.ID)
		if it.PayAmount.IsNegative() || it.PayAmount.GreaterThan(maxPayAmount) {
			return nil, validation.Errorf("payAmount must be between 0 and %d", MaxPayAmount)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		name, ok := s.catalog.Name(id)
		if !ok {
			return nil, validation.Errorf("Unknown plugin: %s", id)
		}
		amount := it.PayAmount.Shift(2).Mul(factor).Round(0).IntPart()
		cart.lines = append(cart.lines, payment.Line{ProductID: id, Name: name, Amount: amount})
		cart.cartIDs = append(cart.cartIDs, id)
		cart.total += amount
	}

	resolved, err := s.catalog.Resolve(cart.cartIDs)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownProduct) {
			return nil, validation.Errorf("Unknown plugin")
		}
		return nil, err
	}
	cart.items = resolved
	return cart, nil
}

func confirmFromEvent(ev *model.PurchaseEvent, res *model.FulfillmentResult) *ConfirmResult {
	return &ConfirmResult{
		OrderID:       res.OrderID,
		Provider:      ev.Provider,
		TransactionID: ev.TransactionID,
		Email:         ev.Email,
		AmountTotal:   ev.AmountTotal,
		Items:         ev.Items,
		Grants:        res.Grants,
		LicenseKeys:   res.LicenseKeys,
		Duplicate:     res.Duplicate,
	}
}

func confirmFromOrder(o *model.Order) *ConfirmResult {
	return &ConfirmResult{
		OrderID:       o.ID,
		Provider:      o.Provider,
		TransactionID: o.TransactionID,
		Email:         o.Email,
		AmountTotal:   o.AmountTotal,
		Items:         o.Items,
		Grants:        o.Grants,
		LicenseKeys:   o.LicenseKeys,
		Duplicate:     true,
	}
}

func newFreeTransactionID() string {
	return "free_" + uuid.NewString()
}

func defaultLicenseGenerator(family string) (string, error) {
	return license.Generate(family)
}
