package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/ratelimit"
)

// DeniedRecorder учитывает отклонённые ограничителем запросы.
type DeniedRecorder interface {
	RecordRateLimited(scope string)
}

// RateLimitOptions настраивает поведение при превышении лимита.
type RateLimitOptions struct {
	// AcknowledgeOverLimit отвечает 200 {"received":true} вместо 429 (уведомления провайдеров).
	AcknowledgeOverLimit bool
}

// RateLimit ограничивает частоту запросов с одного IP. При ошибке хранилища счётчиков
// запрос пропускается.
func RateLimit(l *ratelimit.Limiter, rec DeniedRecorder, logger *zap.Logger, opts RateLimitOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), ClientIP(r))
			if err != nil {
				logger.Warn("rate limit store error", zap.String("scope", l.Scope()), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", res.ResetTime.UTC().Format(http.TimeFormat))

			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if rec != nil {
				rec.RecordRateLimited(l.Scope())
			}
			logger.Warn("rate limit exceeded", zap.String("scope", l.Scope()))

			if opts.AcknowledgeOverLimit {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"received":true}`))
				return
			}

			retry := int(res.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
		})
	}
}

// ClientIP определяет адрес клиента: первый адрес X-Forwarded-For, затем X-Real-IP,
// затем адрес соединения.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
