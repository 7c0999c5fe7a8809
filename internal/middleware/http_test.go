package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	if got := ClientIP(r, false); got != "10.0.0.5" {
		t.Fatalf("unexpected direct IP: %s", got)
	}
	if got := ClientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("unexpected proxied IP: %s", got)
	}
}

func TestCSRFFromCookie(t *testing.T) {
	handler := CSRFFromCookie("csrf")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(method, header, cookie string) int {
		r := httptest.NewRequest(method, "/", nil)
		if header != "" {
			r.Header.Set("X-CSRF-Token", header)
		}
		if cookie != "" {
			r.AddCookie(&http.Cookie{Name: "csrf", Value: cookie})
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	if got := do("GET", "", ""); got != http.StatusNoContent {
		t.Fatalf("GET should bypass csrf, got %d", got)
	}
	if got := do("POST", "tok", "tok"); got != http.StatusNoContent {
		t.Fatalf("matching pair should pass, got %d", got)
	}
	if got := do("POST", "", "tok"); got != http.StatusForbidden {
		t.Fatalf("missing header should fail, got %d", got)
	}
	if got := do("POST", "evil", "tok"); got != http.StatusForbidden {
		t.Fatalf("mismatch should fail, got %d", got)
	}
}
