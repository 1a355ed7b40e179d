// Package fulfillment превращает подтверждённую покупку в сохранённый заказ,
// ссылки на скачивание, ключи активации и письмо покупателю.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/download"
	"github.com/mmeshcher/plugin-storefront/internal/license"
	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/metrics"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/repository"
)

// DefaultTTL: срок действия ссылок на скачивание.
const DefaultTTL = 72 * time.Hour

var (
	// ErrInvalidEvent возвращается для события покупки без обязательных полей.
	ErrInvalidEvent = errors.New("invalid purchase event")
	// ErrPersistence оборачивает ошибки хранилища: событие можно безопасно доставить повторно.
	ErrPersistence = errors.New("fulfillment persistence failure")
)

// Store: операции хранилища, нужные конвейеру.
type Store interface {
	GetOrderByTransactionID(ctx context.Context, provider model.Provider, transactionID string) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	InsertGrants(ctx context.Context, grants []model.DownloadGrant) ([]model.DownloadGrant, error)
	ReplaceGrants(ctx context.Context, orderID int64, grants []model.DownloadGrant) ([]model.DownloadGrant, error)
}

// Licenses сообщает, какие ключи выпускать для позиций заказа.
type Licenses interface {
	PurchaseLicenses(items model.LineItems) []string
	LicenseProduct(family string) (catalog.Product, bool)
}

// Notifier отправляет письмо-подтверждение.
type Notifier interface {
	SendConfirmation(ctx context.Context, c mailer.Confirmation) error
}

// Recorder учитывает исходы выполнения заказов.
type Recorder interface {
	RecordFulfillment(provider, outcome string)
	RecordEmailFailure(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordFulfillment(string, string) {}
func (nopRecorder) RecordEmailFailure(string)        {}

// Pipeline выполняет заказы идемпотентно по паре (провайдер, транзакция).
type Pipeline struct {
	store    Store
	licenses Licenses
	issuer   *download.Issuer
	notifier Notifier
	metrics  Recorder
	logger   *zap.Logger
	ttl      time.Duration

	now      func() time.Time
	generate func(family string) (string, error)
}

// New создаёт конвейер выполнения заказов.
func New(store Store, licenses Licenses, issuer *download.Issuer, notifier Notifier, rec Recorder, logger *zap.Logger, ttl time.Duration) *Pipeline {
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Pipeline{
		store:    store,
		licenses: licenses,
		issuer:   issuer,
		notifier: notifier,
		metrics:  rec,
		logger:   logger,
		ttl:      ttl,
		now:      time.Now,
		generate: license.Generate,
	}
}

// TTL возвращает срок действия выдаваемых ссылок.
func (p *Pipeline) TTL() time.Duration {
	return p.ttl
}

// Fulfill выполняет заказ по событию покупки. Повторное событие с той же транзакцией
// возвращает уже сохранённый результат с признаком Duplicate. Ошибка отправки письма
// не прерывает выполнение.
func (p *Pipeline) Fulfill(ctx context.Context, ev *model.PurchaseEvent) (*model.FulfillmentResult, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	provider := string(ev.Provider)

	existing, err := p.store.GetOrderByTransactionID(ctx, ev.Provider, ev.TransactionID)
	switch {
	case err == nil:
		res, err := p.duplicate(ctx, existing)
		if err != nil {
			p.metrics.RecordFulfillment(provider, metrics.OutcomeFailed)
			return nil, err
		}
		p.metrics.RecordFulfillment(provider, metrics.OutcomeDuplicate)
		return res, nil
	case !errors.Is(err, repository.ErrOrderNotFound):
		p.metrics.RecordFulfillment(provider, metrics.OutcomeFailed)
		return nil, fmt.Errorf("%w: lookup order: %v", ErrPersistence, err)
	}

	keys := make(map[string]string)
	for _, family := range p.licenses.PurchaseLicenses(ev.Items) {
		key, err := p.generate(family)
		if err != nil {
			p.metrics.RecordFulfillment(provider, metrics.OutcomeFailed)
			return nil, fmt.Errorf("generate %s license: %w", family, err)
		}
		keys[family] = key
	}

	order := &model.Order{
		Email:          strings.TrimSpace(ev.Email),
		Provider:       ev.Provider,
		TransactionID:  ev.TransactionID,
		AmountTotal:    ev.AmountTotal,
		Items:          ev.Items,
		MarketingOptIn: ev.MarketingOptIn,
		DiscountCode:   ev.DiscountCode,
		LicenseKeys:    keys,
	}
	if _, err := p.store.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrOrderExists) {
			// Параллельная доставка того же события успела раньше.
			winner, lookupErr := p.store.GetOrderByTransactionID(ctx, ev.Provider, ev.TransactionID)
			if lookupErr != nil {
				p.metrics.RecordFulfillment(provider, metrics.OutcomeFailed)
				return nil, fmt.Errorf("%w: lookup order after conflict: %v", ErrPersistence, lookupErr)
			}
			p.metrics.RecordFulfillment(provider, metrics.OutcomeDuplicate)
			return resultFor(winner, true), nil
		}
		p.metrics.RecordFulfillment(provider, metrics.OutcomeFailed)
		return nil, fmt.Errorf("%w: insert order: %v", ErrPersistence, err)
	}

	inserted, err := p.storeGrants(ctx, order)
	if err != nil {
		p.metrics.RecordFulfillment(provider, metrics.OutcomeFailed)
		return nil, err
	}
	if inserted {
		p.sendConfirmation(ctx, order)
	}

	p.logger.Info("order fulfilled",
		zap.Int64("order_id", order.ID),
		zap.String("provider", provider),
		zap.String("transaction_id", order.TransactionID),
		zap.Int64("amount_total", order.AmountTotal),
		zap.Int("grants", len(order.Grants)),
		zap.Bool("grants_inserted", inserted),
	)
	p.metrics.RecordFulfillment(provider, metrics.OutcomeFulfilled)
	return resultFor(order, false), nil
}

// Regenerate заменяет ссылки заказа новыми с новым сроком действия.
func (p *Pipeline) Regenerate(ctx context.Context, order *model.Order) ([]model.DownloadGrant, error) {
	grants, err := p.buildGrants(order)
	if err != nil {
		return nil, err
	}
	saved, err := p.store.ReplaceGrants(ctx, order.ID, grants)
	if err != nil {
		return nil, fmt.Errorf("%w: replace grants: %v", ErrPersistence, err)
	}
	order.Grants = saved
	return saved, nil
}

// Confirmation собирает письмо-подтверждение для заказа с его текущими ссылками.
func (p *Pipeline) Confirmation(order *model.Order) mailer.Confirmation {
	c := mailer.Confirmation{
		Email:       order.Email,
		OrderRef:    order.TransactionID,
		AmountTotal: order.AmountTotal,
		ValidFor:    p.ttl,
	}

	for _, it := range order.Items {
		pl := mailer.ProductLinks{Name: it.Name}
		for _, g := range order.Grants {
			if g.ProductID == it.ID {
				pl.Links = append(pl.Links, mailer.PlatformLink{Platform: string(g.Platform), URL: g.URL})
			}
		}
		c.Products = append(c.Products, pl)
	}

	for _, it := range order.Items {
		for family, key := range order.LicenseKeys {
			prod, ok := p.licenses.LicenseProduct(family)
			if !ok || prod.ID != it.ID {
				continue
			}
			c.LicenseKeys = append(c.LicenseKeys, mailer.LicenseLine{Product: prod.Name, Key: key})
		}
	}
	return c
}

// duplicate возвращает результат уже выполненного заказа. Если сохранение ссылок
// в прошлый раз не удалось, они выпускаются сейчас.
func (p *Pipeline) duplicate(ctx context.Context, order *model.Order) (*model.FulfillmentResult, error) {
	if len(order.Grants) > 0 {
		return resultFor(order, true), nil
	}

	inserted, err := p.storeGrants(ctx, order)
	if err != nil {
		return nil, err
	}
	if inserted {
		p.logger.Warn("order had no download grants, issued on redelivery",
			zap.Int64("order_id", order.ID),
			zap.String("transaction_id", order.TransactionID),
		)
		p.sendConfirmation(ctx, order)
	}
	return resultFor(order, true), nil
}

// storeGrants выпускает и сохраняет ссылки заказа. Возвращает false, если все ссылки
// уже сохранила параллельная доставка того же события: тогда письмо отправляет она,
// а в order.Grants попадают сохранённые ею ссылки.
func (p *Pipeline) storeGrants(ctx context.Context, order *model.Order) (bool, error) {
	grants, err := p.buildGrants(order)
	if err != nil {
		return false, err
	}
	saved, err := p.store.InsertGrants(ctx, grants)
	if err != nil {
		return false, fmt.Errorf("%w: insert grants: %v", ErrPersistence, err)
	}
	if len(saved) == len(grants) {
		order.Grants = saved
		return true, nil
	}

	current, err := p.store.GetOrderByTransactionID(ctx, order.Provider, order.TransactionID)
	if err != nil {
		return false, fmt.Errorf("%w: reload grants: %v", ErrPersistence, err)
	}
	order.Grants = current.Grants
	return len(saved) > 0, nil
}

func (p *Pipeline) buildGrants(order *model.Order) ([]model.DownloadGrant, error) {
	now := p.now().UTC()
	expires := now.Add(p.ttl)

	grants := make([]model.DownloadGrant, 0, len(order.Items)*len(model.Platforms))
	for _, it := range order.Items {
		for _, platform := range model.Platforms {
			token, err := p.issuer.Issue(order.ID, it.ID, platform, now, expires)
			if err != nil {
				return nil, fmt.Errorf("issue token: %w", err)
			}
			grants = append(grants, model.DownloadGrant{
				OrderID:     order.ID,
				ProductID:   it.ID,
				ProductName: it.Name,
				Platform:    platform,
				Token:       token,
				URL:         p.issuer.URL(token, platform),
				ExpiresAt:   expires,
			})
		}
	}
	return grants, nil
}

func (p *Pipeline) sendConfirmation(ctx context.Context, order *model.Order) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.SendConfirmation(ctx, p.Confirmation(order)); err != nil {
		p.metrics.RecordEmailFailure("confirmation")
		p.logger.Error("send confirmation email error",
			zap.Int64("order_id", order.ID),
			zap.String("email", order.Email),
			zap.Error(err),
		)
	}
}

func resultFor(order *model.Order, duplicate bool) *model.FulfillmentResult {
	return &model.FulfillmentResult{
		OrderID:     order.ID,
		Grants:      order.Grants,
		LicenseKeys: order.LicenseKeys,
		Duplicate:   duplicate,
	}
}

func validateEvent(ev *model.PurchaseEvent) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case strings.TrimSpace(ev.Email) == "":
		return fmt.Errorf("%w: empty email", ErrInvalidEvent)
	case ev.Provider == "":
		return fmt.Errorf("%w: empty provider", ErrInvalidEvent)
	case strings.TrimSpace(ev.TransactionID) == "":
		return fmt.Errorf("%w: empty transaction id", ErrInvalidEvent)
	case ev.AmountTotal < 0:
		return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	case len(ev.Items) == 0:
		return fmt.Errorf("%w: no items", ErrInvalidEvent)
	}
	if err := ev.Items.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
