package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"open without token", "", "", http.StatusNoContent},
		{"matching token", "s3cret", "s3cret", http.StatusNoContent},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"wrong token", "s3cret", "guess", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/problem-checks", http.NoBody)
			if tt.header != "" {
				req.Header.Set(HeaderOperatorToken, tt.header)
			}
			rec := httptest.NewRecorder()
			RequireToken(func() string { return tt.token })(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireTokenFollowsRotation(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	current := "first"
	h := RequireToken(func() string { return current })(ok)

	send := func(tok string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluations", http.NoBody)
		req.Header.Set(HeaderOperatorToken, tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := send("first"); got != http.StatusNoContent {
		t.Fatalf("first token: status = %d", got)
	}
	current = "second"
	if got := send("first"); got != http.StatusForbidden {
		t.Fatalf("rotated-out token: status = %d", got)
	}
	if got := send("second"); got != http.StatusNoContent {
		t.Fatalf("rotated-in token: status = %d", got)
	}
}

func TestRequireTokenNilIsOpen(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	RequireToken(nil)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}
