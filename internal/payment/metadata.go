package payment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

const (
	// MaxCompactLen: предел длины поля custom_id у PayPal.
	MaxCompactLen = 127
	// MaxFullLen: предел длины значения метаданных у Stripe.
	MaxFullLen = 500
)

// Metadata: данные заказа, которые провайдер возвращает вместе с оплатой.
type Metadata struct {
	Email          string          `json:"email"`
	MarketingOptIn bool            `json:"marketingOptIn"`
	DiscountCode   string          `json:"discountCode,omitempty"`
	Items          model.LineItems `json:"plugins"`
}

// MetadataFromCheckout собирает метаданные из параметров оформления.
func MetadataFromCheckout(c *Checkout) Metadata {
	return Metadata{
		Email:          c.Email,
		MarketingOptIn: c.MarketingOptIn,
		DiscountCode:   c.DiscountCode,
		Items:          c.Items,
	}
}

// Event превращает метаданные в событие покупки.
func (m Metadata) Event(provider model.Provider, transactionID string, amount int64) *model.PurchaseEvent {
	return &model.PurchaseEvent{
		Email:          m.Email,
		Provider:       provider,
		TransactionID:  transactionID,
		AmountTotal:    amount,
		Items:          m.Items,
		MarketingOptIn: m.MarketingOptIn,
		DiscountCode:   m.DiscountCode,
	}
}

func (m Metadata) validate() error {
	if strings.TrimSpace(m.Email) == "" {
		return fmt.Errorf("%w: empty email", ErrInvalidMetadata)
	}
	if len(m.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidMetadata)
	}
	if err := m.Items.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}

// EncodeFull сериализует метаданные целиком. Результат длиннее MaxFullLen
// провайдер не примет, поэтому он возвращается как ErrInvalidMetadata.
func EncodeFull(m Metadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if len(b) > MaxFullLen {
		return "", fmt.Errorf("%w: full form is %d bytes, limit %d", ErrInvalidMetadata, len(b), MaxFullLen)
	}
	return string(b), nil
}

// DecodeFull строго разбирает полные метаданные.
func DecodeFull(s string) (Metadata, error) {
	var raw struct {
		Email          *string         `json:"email"`
		MarketingOptIn bool            `json:"marketingOptIn"`
		DiscountCode   string          `json:"discountCode"`
		Items          json.RawMessage `json:"plugins"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if raw.Email == nil {
		return Metadata{}, fmt.Errorf("%w: missing email", ErrInvalidMetadata)
	}
	items, err := model.ParseLineItems(raw.Items)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	m := Metadata{
		Email:          *raw.Email,
		MarketingOptIn: raw.MarketingOptIn,
		DiscountCode:   raw.DiscountCode,
		Items:          items,
	}
	if err := m.validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

type compactMetadata struct {
	E string   `json:"e"`
	M int      `json:"m"`
	D string   `json:"d,omitempty"`
	P []string `json:"p"`
}

// EncodeCompact сериализует метаданные в короткую форму: почта, флаг согласия,
// код скидки и идентификаторы корзины. Названия восстанавливаются по каталогу.
func EncodeCompact(email string, optIn bool, discountCode string, cartIDs []string) (string, error) {
	c := compactMetadata{E: email, D: discountCode, P: cartIDs}
	if optIn {
		c.M = 1
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if len(b) > MaxCompactLen {
		return "", fmt.Errorf("%w: compact form is %d bytes, limit %d", ErrInvalidMetadata, len(b), MaxCompactLen)
	}
	return string(b), nil
}

// DecodeCompact разбирает короткую форму. Для заказов, созданных до её появления,
// принимается и полная форма.
func DecodeCompact(s string, resolver ItemResolver) (Metadata, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if _, ok := keys["e"]; !ok {
		return DecodeFull(s)
	}

	var c compactMetadata
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if c.M != 0 && c.M != 1 {
		return Metadata{}, fmt.Errorf("%w: bad opt-in flag %d", ErrInvalidMetadata, c.M)
	}
	if len(c.P) == 0 {
		return Metadata{}, fmt.Errorf("%w: no items", ErrInvalidMetadata)
	}
	items, err := resolver.Resolve(c.P)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	m := Metadata{
		Email:          c.E,
		MarketingOptIn: c.M == 1,
		DiscountCode:   c.D,
		Items:          items,
	}
	if err := m.validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
