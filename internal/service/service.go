// Package service реализует сценарии витрины плагинов: оформление заказа,
// подтверждение оплаты, уведомления провайдеров, скачивание и администрирование.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/catalog"
	"github.com/mmeshcher/plugin-storefront/internal/download"
	"github.com/mmeshcher/plugin-storefront/internal/mailer"
	"github.com/mmeshcher/plugin-storefront/internal/model"
	"github.com/mmeshcher/plugin-storefront/internal/payment"
)

var (
	// ErrNotFound возвращается, если заказ, ссылка или адрес не найдены.
	ErrNotFound = errors.New("not found")
	// ErrExpired возвращается для просроченной ссылки на скачивание.
	ErrExpired = errors.New("download link expired")
	// ErrInvalidCredentials возвращается при неверном пароле администратора.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAdminDisabled возвращается, если пароль администратора не задан.
	ErrAdminDisabled = errors.New("admin access is not configured")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrderByTransactionID(ctx context.Context, provider model.Provider, transactionID string) (*model.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*model.Order, error)
	GetOrdersByEmail(ctx context.Context, email string) ([]*model.Order, error)
	FindGrant(ctx context.Context, orderID int64, productID string, platform model.Platform, token string) (*model.DownloadGrant, error)
	IncrementDownloadCount(ctx context.Context, grantID int64) (int, error)
	IsSubscribed(ctx context.Context, email string) (bool, error)
	UpdateOrdersEmail(ctx context.Context, oldEmail, newEmail string) (int64, error)
	SetLicenseKey(ctx context.Context, orderID int64, family, key string) error
	LatestOrderWithProduct(ctx context.Context, email, productID string) (*model.Order, error)

	Stats(ctx context.Context) (*model.Stats, error)
	ProviderBreakdown(ctx context.Context) ([]model.ProviderRevenue, error)
	ProductPopularity(ctx context.Context) ([]model.ProductPopularity, error)
	RecentOrders(ctx context.Context, limit int) ([]model.RecentOrder, error)
	DailyTotals(ctx context.Context, since time.Time) ([]model.DailyTotals, error)
	ExportOrders(ctx context.Context, marketingOnly bool) ([]*model.Order, error)
	GetMarketingSubscribers(ctx context.Context) ([]model.Subscriber, error)
}

// Fulfiller выполняет заказы и перевыпускает ссылки.
type Fulfiller interface {
	Fulfill(ctx context.Context, ev *model.PurchaseEvent) (*model.FulfillmentResult, error)
	Regenerate(ctx context.Context, order *model.Order) ([]model.DownloadGrant, error)
	TTL() time.Duration
}

// AssetLocator возвращает адрес установщика для перенаправления.
type AssetLocator interface {
	Locate(ctx context.Context, productID string, platform model.Platform) (string, error)
}

// Notifier отправляет служебные письма вне конвейера заказа.
type Notifier interface {
	SendLicenseKey(ctx context.Context, l mailer.LicenseEmail) error
	SendSupport(ctx context.Context, m mailer.SupportMessage) error
}

// Recorder учитывает события сервиса в метриках.
type Recorder interface {
	RecordWebhook(provider, eventType string)
	RecordDownload(result string)
	RecordEmailFailure(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWebhook(string, string) {}
func (nopRecorder) RecordDownload(string)        {}
func (nopRecorder) RecordEmailFailure(string)    {}

// Deps собирает зависимости сервиса.
type Deps struct {
	Repo          Repository
	Catalog       *catalog.Catalog
	Payments      *payment.Registry
	Pipeline      Fulfiller
	Issuer        *download.Issuer
	Assets        AssetLocator
	Mailer        Notifier
	Metrics       Recorder
	Logger        *zap.Logger
	AdminPassword string
}

// Service содержит бизнес-логику витрины.
type Service struct {
	repo          Repository
	catalog       *catalog.Catalog
	payments      *payment.Registry
	pipeline      Fulfiller
	issuer        *download.Issuer
	assets        AssetLocator
	mailer        Notifier
	metrics       Recorder
	logger        *zap.Logger
	adminPassword string

	now        func() time.Time
	newTxID    func() string
	genLicense func(family string) (string, error)
}

// NewService создаёт сервис из зависимостей.
func NewService(d Deps) *Service {
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Payments == nil {
		d.Payments = payment.NewRegistry()
	}
	return &Service{
		repo:          d.Repo,
		catalog:       d.Catalog,
		payments:      d.Payments,
		pipeline:      d.Pipeline,
		issuer:        d.Issuer,
		assets:        d.Assets,
		mailer:        d.Mailer,
		metrics:       d.Metrics,
		logger:        d.Logger,
		adminPassword: d.AdminPassword,
		now:           time.Now,
		newTxID:       newFreeTransactionID,
		genLicense:    defaultLicenseGenerator,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Catalog возвращает каталог продуктов.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}
