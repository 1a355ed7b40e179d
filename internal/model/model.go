// Package model содержит доменные сущности витрины плагинов.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider обозначает источник заказа: платёжного провайдера или внутренний канал.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	// ProviderFree используется для бесплатных заказов без обращения к провайдеру.
	ProviderFree Provider = "free"
	// ProviderManual используется для подписчиков, добавленных администратором.
	ProviderManual Provider = "manual"
)

// ParseProvider разбирает тег провайдера без учёта регистра.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderStripe, ProviderPayPal, ProviderFree, ProviderManual:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Platform описывает целевую операционную систему установщика.
type Platform string

const (
	PlatformMacOS   Platform = "macOS"
	PlatformWindows Platform = "Windows"
)

// Platforms перечисляет поддерживаемые платформы в порядке выдачи ссылок.
var Platforms = []Platform{PlatformMacOS, PlatformWindows}

// ParsePlatform разбирает название платформы без учёта регистра.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "macos", "mac":
		return PlatformMacOS, nil
	case "windows", "win":
		return PlatformWindows, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// LineItem описывает одну позицию заказа.
type LineItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ErrInvalidLineItems возвращается, если сериализованный список позиций не проходит проверку.
var ErrInvalidLineItems = errors.New("invalid line items")

// LineItems хранит упорядоченный список позиций заказа.
type LineItems []LineItem

// ParseLineItems строго разбирает JSON-список позиций: некорректные данные отклоняются, а не заменяются пустым списком.
func ParseLineItems(data []byte) (LineItems, error) {
	var items LineItems
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLineItems, err)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: null list", ErrInvalidLineItems)
	}
	if err := items.Validate(); err != nil {
		return nil, err
	}
	return items, nil
}

// Validate проверяет, что у каждой позиции заданы идентификатор и название.
func (l LineItems) Validate() error {
	for i, it := range l {
		if strings.TrimSpace(it.ID) == "" {
			return fmt.Errorf("%w: item %d has empty id", ErrInvalidLineItems, i)
		}
		if strings.TrimSpace(it.Name) == "" {
			return fmt.Errorf("%w: item %d has empty name", ErrInvalidLineItems, i)
		}
	}
	return nil
}

// Contains сообщает, есть ли в списке позиция с указанным идентификатором.
func (l LineItems) Contains(id string) bool {
	for _, it := range l {
		if it.ID == id {
			return true
		}
	}
	return false
}

// IDs возвращает идентификаторы позиций в исходном порядке.
func (l LineItems) IDs() []string {
	ids := make([]string, 0, len(l))
	for _, it := range l {
		ids = append(ids, it.ID)
	}
	return ids
}

// Names возвращает названия позиций в исходном порядке.
func (l LineItems) Names() []string {
	names := make([]string, 0, len(l))
	for _, it := range l {
		names = append(names, it.Name)
	}
	return names
}

// Order описывает одну покупку или бесплатное получение плагинов.
type Order struct {
	ID             int64
	Email          string
	Provider       Provider
	TransactionID  string
	AmountTotal    int64
	Items          LineItems
	MarketingOptIn bool
	DiscountCode   string
	// LicenseKeys хранит выданные ключи по семейству лицензии.
	LicenseKeys map[string]string
	CreatedAt   time.Time
	Grants      []DownloadGrant
}

// IsFree сообщает, что заказ оформлен без оплаты.
func (o *Order) IsFree() bool {
	return o.AmountTotal == 0
}

// DownloadGrant описывает право на скачивание одного продукта под одну платформу.
type DownloadGrant struct {
	ID            int64
	OrderID       int64
	ProductID     string
	ProductName   string
	Platform      Platform
	Token         string
	URL           string
	ExpiresAt     time.Time
	DownloadCount int
	CreatedAt     time.Time
}

// Expired сообщает, истёк ли срок действия ссылки на момент now.
func (g *DownloadGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// PurchaseEvent: нормализованное событие покупки, общее для всех провайдеров.
type PurchaseEvent struct {
	Email          string
	Provider       Provider
	TransactionID  string
	AmountTotal    int64
	Items          LineItems
	MarketingOptIn bool
	DiscountCode   string
}

// FulfillmentResult содержит итог выполнения заказа.
type FulfillmentResult struct {
	OrderID     int64
	Grants      []DownloadGrant
	LicenseKeys map[string]string
	// Duplicate выставляется, если заказ по этой транзакции уже был выполнен ранее.
	Duplicate bool
}

// Subscriber описывает адрес, согласившийся на маркетинговые рассылки.
type Subscriber struct {
	Email        string
	SubscribedAt time.Time
}

// Stats содержит агрегированные показатели по всем заказам.
type Stats struct {
	TotalOrders          int64 `json:"totalOrders"`
	UniqueCustomers      int64 `json:"uniqueCustomers"`
	TotalRevenue         int64 `json:"totalRevenue"`
	FreeDownloads        int64 `json:"freeDownloads"`
	PaidOrders           int64 `json:"paidOrders"`
	TotalDownloads       int64 `json:"totalDownloads"`
	MarketingSubscribers int64 `json:"marketingSubscribers"`
}

// ProviderRevenue содержит выручку по одному провайдеру.
type ProviderRevenue struct {
	Provider string `json:"provider"`
	Orders   int64  `json:"orders"`
	Revenue  int64  `json:"revenue"`
}

// ProductPopularity содержит число различных заказов с данным продуктом.
type ProductPopularity struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// RecentOrder описывает заказ в списке последних заказов админки.
type RecentOrder struct {
	Order
	DownloadCount int64
}

// DailyTotals содержит показатели заказов за один день.
type DailyTotals struct {
	Date        string `json:"date"`
	TotalOrders int64  `json:"totalOrders"`
	PaidOrders  int64  `json:"paidOrders"`
	FreeOrders  int64  `json:"freeOrders"`
	Revenue     int64  `json:"revenue"`
}
