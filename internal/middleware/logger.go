package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

type responseData struct {
	status int
	size   int
}

type loggingResponseWriter struct {
	http.ResponseWriter
	data *responseData
}

func (r *loggingResponseWriter) Write(b []byte) (int, error) {
	if r.data.status == 0 {
		r.data.status = http.StatusOK
	}
	size, err := r.ResponseWriter.Write(b)
	r.data.size += size
	return size, err
}

func (r *loggingResponseWriter) WriteHeader(statusCode int) {
	if r.data.status == 0 {
		r.data.status = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *loggingResponseWriter) statusCode() int {
	if r.data.status == 0 {
		return http.StatusOK
	}
	return r.data.status
}

func wrapResponse(w http.ResponseWriter) *loggingResponseWriter {
	if lw, ok := w.(*loggingResponseWriter); ok {
		return lw
	}
	return &loggingResponseWriter{ResponseWriter: w, data: &responseData{}}
}

// Logger журналирует каждый запрос: метод, путь, статус, размер ответа и длительность.
func Logger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := wrapResponse(w)

			next.ServeHTTP(lw, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lw.statusCode()),
				zap.Int("size", lw.data.size),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
