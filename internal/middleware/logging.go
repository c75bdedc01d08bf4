package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/keybroker/internal/logger"
)

// Logging logs each request with its status and duration
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case rec.StatusCode >= 500:
			logger.Error(r.Context(), "request failed", args...)
		case r.URL.Path == "/health" || r.URL.Path == "/metrics":
			logger.Debug(r.Context(), "request completed", args...)
		default:
			logger.Info(r.Context(), "request completed", args...)
		}
	})
}
