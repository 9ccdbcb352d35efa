package httpjar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJar_ReadsRequestCookies(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "abc"})
	j := New(httptest.NewRecorder(), r)

	v, ok, err := j.Cookie(context.Background(), "csrf")
	if err != nil || !ok || v != "abc" {
		t.Fatalf("Cookie: got (%q, %v, %v)", v, ok, err)
	}
	if _, ok, _ := j.Cookie(context.Background(), "missing"); ok {
		t.Fatalf("missing cookie reported present")
	}
}

func TestJar_SetCookieWritesHeaderAndShadowsRequest(t *testing.T) {
	ctx := context.Background()
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "auth", Value: "old"})
	w := httptest.NewRecorder()
	j := New(w, r)

	err := j.SetCookie(ctx, &http.Cookie{
		Name:     "auth",
		Value:    "Bearer new",
		Domain:   "example.com",
		Expires:  time.Now().Add(time.Hour),
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	if err != nil {
		t.Fatalf("SetCookie: %v", err)
	}
	if v, ok, _ := j.Cookie(ctx, "auth"); !ok || v != "Bearer new" {
		t.Fatalf("Cookie after set: got (%q, %v)", v, ok)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Set-Cookie count: got %d want 1", len(cookies))
	}
	c := cookies[0]
	if c.Value != "Bearer new" {
		t.Errorf("cookie value: got %q", c.Value)
	}
	if c.Path != "/" {
		t.Errorf("cookie path: got %q want /", c.Path)
	}
	if c.SameSite != http.SameSiteStrictMode || !c.Secure {
		t.Errorf("cookie attributes: got SameSite=%v Secure=%v", c.SameSite, c.Secure)
	}
}

func TestJar_RemoveCookie(t *testing.T) {
	ctx := context.Background()
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "auth", Value: "old"})
	w := httptest.NewRecorder()
	j := New(w, r)

	if err := j.RemoveCookie(ctx, "auth", ".example.com", "/"); err != nil {
		t.Fatalf("RemoveCookie: %v", err)
	}
	if _, ok, _ := j.Cookie(ctx, "auth"); ok {
		t.Fatalf("cookie visible after removal")
	}
	c := w.Result().Cookies()[0]
	if c.MaxAge >= 0 {
		t.Errorf("clearing cookie MaxAge: got %d want < 0", c.MaxAge)
	}
	if c.Domain != "example.com" {
		t.Errorf("clearing cookie domain: got %q", c.Domain)
	}
}
