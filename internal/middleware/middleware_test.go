package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/keybroker/internal/logger"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generates when absent", incoming: ""},
		{name: "keeps upstream id", incoming: "req-from-proxy", keep: true},
		{name: "replaces oversized id", incoming: strings.Repeat("x", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = logger.GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.keep {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.Len(t, seen, 32)
			}
		})
	}
}

func TestUIAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("ui-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		hash       string
		wantStatus int
		wantUI     bool
	}{
		{name: "no header is page context", header: "", hash: string(hash), wantStatus: http.StatusOK},
		{name: "valid token", header: "Bearer ui-secret", hash: string(hash), wantStatus: http.StatusOK, wantUI: true},
		{name: "wrong token", header: "Bearer nope", hash: string(hash), wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic dWk6c2VjcmV0", hash: string(hash), wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", hash: string(hash), wantStatus: http.StatusUnauthorized},
		{name: "no hash configured", header: "Bearer ui-secret", hash: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ui bool
			h := NewUIAuth(tt.hash).Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ui = IsUI(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantUI, ui)
		})
	}

	assert.False(t, IsUI(context.Background()))
	assert.True(t, IsUI(WithUI(context.Background())))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	t.Run("burst then refill", func(t *testing.T) {
		assert.True(t, rl.Allow("app.example.com"))
		assert.True(t, rl.Allow("app.example.com"))
		assert.False(t, rl.Allow("app.example.com"))

		now = now.Add(time.Second)
		assert.True(t, rl.Allow("app.example.com"))
	})

	t.Run("origins are independent", func(t *testing.T) {
		assert.True(t, rl.Allow("other.example.com"))
	})

	t.Run("idle origins are swept", func(t *testing.T) {
		now = now.Add(5 * time.Minute)
		rl.Allow("fresh.example.com")
		rl.sweep(3 * time.Minute)

		rl.mu.Lock()
		defer rl.mu.Unlock()
		assert.Len(t, rl.visitors, 1)
		assert.Contains(t, rl.visitors, "fresh.example.com")
	})

	t.Run("close is idempotent", func(t *testing.T) {
		rl.Close()
		rl.Close()
	})
}

func TestPageOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/port", nil)
	assert.Empty(t, PageOrigin(req))

	req.Header.Set("Origin", "https://browser.example")
	assert.Equal(t, "https://browser.example", PageOrigin(req))

	req.Header.Set(OriginHeader, "https://app.example.com/page")
	assert.Equal(t, "https://app.example.com/page", PageOrigin(req))

	var logged string
	Origin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logged = logger.GetOrigin(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "https://app.example.com/page", logged)
}

func TestStatusRecorder(t *testing.T) {
	t.Run("first status wins", func(t *testing.T) {
		rec := NewStatusRecorder(httptest.NewRecorder())
		rec.WriteHeader(http.StatusTeapot)
		rec.WriteHeader(http.StatusOK)
		assert.Equal(t, http.StatusTeapot, rec.StatusCode)
	})

	t.Run("write implies 200", func(t *testing.T) {
		inner := httptest.NewRecorder()
		rec := NewStatusRecorder(inner)
		_, err := rec.Write([]byte("ok"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.StatusCode)
		assert.Equal(t, inner, rec.Unwrap())
	})

	t.Run("hijack unsupported", func(t *testing.T) {
		rec := NewStatusRecorder(httptest.NewRecorder())
		_, _, err := rec.Hijack()
		assert.Error(t, err)
	})
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	h, err := logger.NewHandler(&buf, "text", "DEBUG")
	require.NoError(t, err)
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	out := buf.String()
	assert.Contains(t, out, "request completed")
	assert.Contains(t, out, "status=202")
	assert.Contains(t, out, "request_id=")
}

func TestLimitBody(t *testing.T) {
	h := LimitBody(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	}))

	big := bytes.NewReader(make([]byte, MaxBodySize+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}
