package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminSubjectKey contextKey = "adminSubject"

const (
	adminSubject = "admin"
	tokenIssuer  = "plugin-storefront"
	minSecretLen = 32
)

var (
	// ErrInvalidToken возвращается для неподписанного, чужого или просроченного токена.
	ErrInvalidToken = errors.New("invalid token")
	// ErrShortSecret возвращается, если секрет подписи короче 32 символов.
	ErrShortSecret = errors.New("secret must be at least 32 characters")
)

// AdminAuth выпускает и проверяет токены сессии администратора.
type AdminAuth struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewAdminAuth создаёт проверку токенов администратора. При пустом secret ключ
// генерируется случайно, и токены перестают действовать после перезапуска.
func NewAdminAuth(secret string, ttl time.Duration) (*AdminAuth, error) {
	if secret == "" {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err != nil {
			return nil, fmt.Errorf("generate admin secret: %w", err)
		}
		secret = hex.EncodeToString(randomKey)
	}
	if len(secret) < minSecretLen {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AdminAuth{
		secretKey: []byte(secret),
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// IssueToken выпускает токен администратора и возвращает его вместе со сроком действия.
func (a *AdminAuth) IssueToken() (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate проверяет подпись, издателя и срок действия токена.
func (a *AdminAuth) Validate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secretKey, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject != adminSubject {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware пропускает запрос только с действующим токеном в заголовке
// Authorization: Bearer и кладёт субъект токена в контекст.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		subject, err := a.Validate(raw)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), adminSubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminFromContext возвращает субъект токена администратора из контекста запроса.
func AdminFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminSubjectKey).(string)
	return s, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
