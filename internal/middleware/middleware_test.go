package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

func TestLocalOnly(t *testing.T) {
	h := LocalOnly("secret")(http.HandlerFunc(okHandler))

	cases := []struct {
		name   string
		remote string
		token  string
		want   int
	}{
		{"loopback", "127.0.0.1:5000", "", http.StatusNoContent},
		{"private", "192.168.1.10:5000", "", http.StatusNoContent},
		{"public without token", "8.8.8.8:5000", "", http.StatusForbidden},
		{"public with token", "8.8.8.8:5000", "secret", http.StatusNoContent},
		{"public with wrong token", "8.8.8.8:5000", "nope", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/unread", nil)
			req.RemoteAddr = tc.remote
			if tc.token != "" {
				req.Header.Set(LocalTokenHeader, tc.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body)
	}
}

func TestRequestLogKeepsStatus(t *testing.T) {
	h := RequestLog(RecoverJSON(http.HandlerFunc(okHandler)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resync", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	l := newIPLimiter(1, 2)
	if !l.allow("a") || !l.allow("a") {
		t.Fatal("burst must pass")
	}
	if l.allow("a") {
		t.Fatal("third request must be limited")
	}
	if !l.allow("b") {
		t.Fatal("other ip must not share the bucket")
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("abcdefgh"); got != "abcd***" {
		t.Fatalf("mask = %q", got)
	}
	if got := MaskToken("ab"); got != "****" {
		t.Fatalf("short mask = %q", got)
	}
}
