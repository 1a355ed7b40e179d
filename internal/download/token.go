// Package download выпускает и разбирает токены ссылок на скачивание.
//
// Без секрета выпускается совместимый токен: base64 от строки
// orderId:productId:issuedMillis:platform. Такой токен не защищён от подделки,
// поэтому право на скачивание всегда подтверждается записью в базе.
// С секретом токен подписывается HMAC-SHA256 и содержит срок действия.
package download

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

var (
	// ErrInvalidToken возвращается для токена, который не удалось разобрать или проверить.
	ErrInvalidToken = errors.New("invalid download token")
	// ErrTokenExpired возвращается для подписанного токена с истёкшим сроком.
	ErrTokenExpired = errors.New("download token expired")
)

// Claims содержит поля, закодированные в токене.
type Claims struct {
	OrderID   int64
	ProductID string
	// Platform пуст для старых токенов, где платформа передавалась только параметром запроса.
	Platform  model.Platform
	IssuedAt  time.Time
	ExpiresAt time.Time
	Signed    bool
}

// Issuer выпускает токены и ссылки на эндпоинт скачивания.
type Issuer struct {
	baseURL string
	secret  []byte
}

// NewIssuer создаёт выпускающего токены. Пустой secret включает совместимый неподписанный формат.
func NewIssuer(baseURL string, secret []byte) *Issuer {
	return &Issuer{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}
}

// Signed сообщает, подписываются ли новые токены.
func (i *Issuer) Signed() bool {
	return len(i.secret) > 0
}

// Issue выпускает токен для заказа, продукта и платформы.
func (i *Issuer) Issue(orderID int64, productID string, platform model.Platform, issuedAt, expiresAt time.Time) (string, error) {
	if orderID <= 0 || productID == "" || strings.Contains(productID, ":") {
		return "", fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}

	if !i.Signed() {
		raw := fmt.Sprintf("%d:%s:%d:%s", orderID, productID, issuedAt.UnixMilli(), platform)
		return base64.StdEncoding.EncodeToString([]byte(raw)), nil
	}

	payload := fmt.Sprintf("%d:%s:%s:%d:%d", orderID, productID, platform, issuedAt.UnixMilli(), expiresAt.UnixMilli())
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(i.sign([]byte(payload))), nil
}

// URL возвращает ссылку на эндпоинт скачивания для токена.
func (i *Issuer) URL(token string, platform model.Platform) string {
	q := url.Values{}
	q.Set("token", token)
	if platform != "" {
		q.Set("platform", string(platform))
	}
	return i.baseURL + "/api/download?" + q.Encode()
}

// Parse разбирает токен. Подписанный токен проверяется по подписи и сроку на момент now.
func (i *Issuer) Parse(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	if strings.Contains(token, ".") {
		return i.parseSigned(token, now)
	}
	return parseLegacy(token)
}

func (i *Issuer) parseSigned(token string, now time.Time) (Claims, error) {
	if !i.Signed() {
		return Claims{}, fmt.Errorf("%w: signing disabled", ErrInvalidToken)
	}

	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload encoding", ErrInvalidToken)
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}
	if !hmac.Equal(sig, i.sign(payload)) {
		return Claims{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	parts := strings.Split(string(payload), ":")
	if len(parts) != 5 {
		return Claims{}, fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}
	orderID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: order id", ErrInvalidToken)
	}
	platform, err := model.ParsePlatform(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	issued, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: issued at", ErrInvalidToken)
	}
	expires, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: expires at", ErrInvalidToken)
	}

	c := Claims{
		OrderID:   orderID,
		ProductID: parts[1],
		Platform:  platform,
		IssuedAt:  time.UnixMilli(issued),
		ExpiresAt: time.UnixMilli(expires),
		Signed:    true,
	}
	if !now.Before(c.ExpiresAt) {
		return c, ErrTokenExpired
	}
	return c, nil
}

func parseLegacy(token string) (Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: encoding", ErrInvalidToken)
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return Claims{}, fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}
	orderID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || orderID <= 0 {
		return Claims{}, fmt.Errorf("%w: order id", ErrInvalidToken)
	}
	if parts[1] == "" {
		return Claims{}, fmt.Errorf("%w: product id", ErrInvalidToken)
	}
	issued, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: issued at", ErrInvalidToken)
	}

	c := Claims{
		OrderID:   orderID,
		ProductID: parts[1],
		IssuedAt:  time.UnixMilli(issued),
	}
	if len(parts) == 4 {
		platform, err := model.ParsePlatform(parts[3])
		if err != nil {
			return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		c.Platform = platform
	}
	return c, nil
}

func (i *Issuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
