package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/keybroker/internal/logger"
)

type uiContextKey struct{}

// dummyHash keeps the comparison time constant when no hash is configured
var dummyHash = []byte("$2a$10$dummyhashtopreventtimingattacks")

// UIAuth recognizes the wallet's own UI by a bearer token whose bcrypt hash
// is configured. Requests without an Authorization header pass through as
// page context; a header that does not verify is refused.
type UIAuth struct {
	hash []byte
}

// NewUIAuth creates the middleware from a bcrypt hash of the UI token
func NewUIAuth(tokenHash string) *UIAuth {
	return &UIAuth{hash: []byte(tokenHash)}
}

// Identify marks the request context as UI when the bearer token verifies
func (m *UIAuth) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if !m.Verify(token) {
			logger.Warn(r.Context(), "ui token rejected", "remote_addr", r.RemoteAddr)
			writeJSONError(w, "invalid ui token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUI(r.Context())))
	})
}

// Verify checks token against the configured hash
func (m *UIAuth) Verify(token string) bool {
	hash := m.hash
	if len(hash) == 0 {
		hash = dummyHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(token))
	return err == nil && len(m.hash) > 0 && token != ""
}

// WithUI marks ctx as coming from the wallet UI
func WithUI(ctx context.Context) context.Context {
	return context.WithValue(ctx, uiContextKey{}, true)
}

// IsUI reports whether ctx was authenticated as the wallet UI
func IsUI(ctx context.Context) bool {
	ui, _ := ctx.Value(uiContextKey{}).(bool)
	return ui
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
