package middleware

import (
	"net/http"
)

// MaxBodySize bounds a single message envelope. Metadata type tables are
// the largest payload a page sends.
const MaxBodySize = 1 << 20

// LimitBody caps request bodies at MaxBodySize
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Method != http.MethodGet {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}
