// Package payment описывает общий контракт платёжных провайдеров и нормализованные типы,
// которыми провайдеры обмениваются с конвейером выполнения заказов.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

var (
	// ErrInvalidSignature возвращается, если входящее уведомление не прошло проверку подлинности.
	ErrInvalidSignature = errors.New("invalid notification signature")
	// ErrNotPaid возвращается, если провайдер не подтвердил оплату.
	ErrNotPaid = errors.New("payment not completed")
	// ErrInvalidMetadata возвращается, если метаданные заказа у провайдера не удалось разобрать.
	ErrInvalidMetadata = errors.New("invalid order metadata")
	// ErrUpstream оборачивает ошибки обращения к API провайдера.
	ErrUpstream = errors.New("payment provider error")
	// ErrUnknownProvider возвращается для провайдера, который не подключён.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrNotConfigured возвращается, если у провайдера нет учётных данных.
	ErrNotConfigured = errors.New("payment provider not configured")
)

// Line: строка счёта у провайдера: то, что видит покупатель на странице оплаты.
type Line struct {
	ProductID string
	Name      string
	// Amount в центах.
	Amount int64
}

// Checkout содержит всё, что нужно провайдеру для создания страницы оплаты.
type Checkout struct {
	Email string
	Lines []Line
	// CartIDs: идентификаторы корзины до раскрытия бандлов, для компактных метаданных.
	CartIDs        []string
	Items          model.LineItems
	MarketingOptIn bool
	DiscountCode   string
	Total          int64
}

// Session: ссылка на страницу оплаты у провайдера.
type Session struct {
	Provider model.Provider `json:"provider"`
	ID       string         `json:"id"`
	URL      string         `json:"url"`
}

// Details: нормализованные сведения о платеже для страницы успешной оплаты.
type Details struct {
	Provider      model.Provider `json:"provider"`
	TransactionID string         `json:"transaction_id"`
	AmountTotal   int64          `json:"amount_total"`
	Currency      string         `json:"currency"`
	CustomerEmail string         `json:"customer_email"`
	PaymentStatus string         `json:"payment_status"`
}

// Kind классифицирует входящее уведомление.
type Kind int

const (
	// KindIgnored: событие не интересует магазин.
	KindIgnored Kind = iota
	// KindFulfill: оплата завершена, заказ нужно выполнить.
	KindFulfill
	// KindDenied: оплата отклонена, только логируется.
	KindDenied
	// KindInformational: промежуточное событие, только логируется.
	KindInformational
)

func (k Kind) String() string {
	switch k {
	case KindFulfill:
		return "fulfill"
	case KindDenied:
		return "denied"
	case KindInformational:
		return "informational"
	default:
		return "ignored"
	}
}

// Notification: разобранное уведомление провайдера.
type Notification struct {
	Provider model.Provider
	ID       string
	Type     string
	Kind     Kind
	// Reference: идентификатор транзакции провайдера, ключ идемпотентности заказа.
	Reference string
	// Amount в центах, если уведомление его содержит.
	Amount int64
	// payload хранит объект события для ResolveEvent.
	payload []byte
}

// WithPayload прикрепляет к уведомлению исходный объект события.
func (n *Notification) WithPayload(b []byte) *Notification {
	n.payload = b
	return n
}

// Payload возвращает исходный объект события.
func (n *Notification) Payload() []byte {
	return n.payload
}

// Adapter: возможности одного платёжного провайдера. Конвейер видит только
// нормализованные события и не ветвится по провайдеру.
type Adapter interface {
	Provider() model.Provider
	CreateCheckout(ctx context.Context, c *Checkout) (*Session, error)
	// Confirm подтверждает оплату по ссылке клиента (захват или проверка сессии).
	Confirm(ctx context.Context, reference string) (*model.PurchaseEvent, error)
	Details(ctx context.Context, reference string) (*Details, error)
	VerifyNotification(ctx context.Context, header http.Header, body []byte) (bool, error)
	ParseNotification(body []byte) (*Notification, error)
	// ResolveEvent строит событие покупки для уведомления вида KindFulfill.
	ResolveEvent(ctx context.Context, n *Notification) (*model.PurchaseEvent, error)
}

// Donation: пожертвование без товаров и без выполнения заказа.
type Donation struct {
	Email string
	// Amount в центах.
	Amount int64
}

// DonationAdapter реализуют провайдеры, принимающие пожертвования.
type DonationAdapter interface {
	CreateDonation(ctx context.Context, d *Donation) (*Session, error)
}

// ItemResolver превращает идентификаторы продуктов в позиции заказа.
type ItemResolver interface {
	Resolve(ids []string) (model.LineItems, error)
}

// Registry хранит подключённые адаптеры по провайдеру.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry создаёт реестр из адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Provider()] = a
		}
	}
	return r
}

// Get возвращает адаптер провайдера.
func (r *Registry) Get(p model.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return a, nil
}

// Providers возвращает подключённых провайдеров.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
