package middleware

import (
	"net/http"

	"github.com/better-wallet/keybroker/internal/logger"
)

// OriginHeader names the page that sent a message. The content script
// relaying page messages sets it to the page URL.
const OriginHeader = "X-Origin"

// PageOrigin returns the page URL a request speaks for. Websocket upgrades
// from a browser fall back to the Origin header.
func PageOrigin(r *http.Request) string {
	if o := r.Header.Get(OriginHeader); o != "" {
		return o
	}
	return r.Header.Get("Origin")
}

// Origin attaches the page origin to the request's log context
func Origin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o := PageOrigin(r); o != "" {
			r = r.WithContext(logger.WithOrigin(r.Context(), o))
		}
		next.ServeHTTP(w, r)
	})
}
