package middleware

import (
	"crypto/subtle"
	"net/http"
)

// HeaderOperatorToken carries the shared secret of operator requests.
const HeaderOperatorToken = "X-Botleague-Token"

// RequireToken returns middleware that rejects requests whose
// X-Botleague-Token header does not match the current token. token is asked
// on every request so a reloaded secret applies at once. A nil func or an
// empty token leaves the routes open, which is how local development runs.
func RequireToken(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := token()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(HeaderOperatorToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSONError(w, http.StatusForbidden, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
