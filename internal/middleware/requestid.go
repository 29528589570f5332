// Package middleware provides HTTP middleware for the liaison API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/botleague/internal/logger"
)

// HeaderRequestID correlates a request across evaluator and liaison logs.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID reuses the caller's X-Request-ID when it is a plain token and
// otherwise assigns a fresh one. The id is stored for the logger and echoed
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// validRequestID accepts up to 64 characters of [A-Za-z0-9._-], which keeps
// caller-chosen ids from forging log fields.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
