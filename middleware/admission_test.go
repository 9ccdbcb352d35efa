package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/credential/credentialtest"
	"github.com/mnehpets/authsession/endpoint"
	"github.com/mnehpets/authsession/session"
)

type admissionResult struct {
	status    int
	principal *Principal
}

func runAdmission(t *testing.T, a *Admission, r *http.Request) admissionResult {
	t.Helper()
	var res admissionResult
	h := endpoint.Handle(func(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
		res.principal, _ = PrincipalFromContext(r.Context())
		return &endpoint.NoContent{}, nil
	}, a)
	rec := httptest.NewRecorder()
	h(rec, r)
	res.status = rec.Code
	return res
}

func sessionRequest(method, cred, csrf string) *http.Request {
	r := httptest.NewRequest(method, "https://api.openlattice.com/session", nil)
	if cred != "" {
		r.AddCookie(&http.Cookie{Name: session.AuthCookie, Value: "Bearer " + cred})
	}
	if csrf != "" {
		r.AddCookie(&http.Cookie{Name: session.CSRFCookie, Value: csrf})
	}
	return r
}

func TestAdmission_Admits(t *testing.T) {
	m := credentialtest.NewMinter(t)
	cred := m.MintExpiringIn(t, time.Hour, map[string]any{
		"sub":   "auth0|42",
		"email": "ada@example.com",
		"roles": []any{"user"},
	})

	res := runAdmission(t, NewAdmission(), sessionRequest(http.MethodGet, cred, ""))
	if res.status != http.StatusNoContent {
		t.Fatalf("status: got %d want %d", res.status, http.StatusNoContent)
	}
	if res.principal == nil {
		t.Fatalf("no principal in context")
	}
	if res.principal.Credential != cred {
		t.Fatalf("Credential: got %q", res.principal.Credential)
	}
	if res.principal.User.ID != "auth0|42" || res.principal.User.Email != "ada@example.com" {
		t.Fatalf("User: got %+v", res.principal.User)
	}
	if res.principal.IsAdmin() {
		t.Fatalf("IsAdmin: got true for a plain user")
	}
}

func TestAdmission_Rejects(t *testing.T) {
	m := credentialtest.NewMinter(t)
	live := m.MintExpiringIn(t, time.Hour, nil)
	expired := m.MintExpiringIn(t, -time.Minute, nil)
	csrf := uuid.NewString()

	tests := []struct {
		name   string
		r      *http.Request
		header string
		want   int
	}{
		{"no cookie", sessionRequest(http.MethodGet, "", ""), "", http.StatusUnauthorized},
		{"expired", sessionRequest(http.MethodGet, expired, ""), "", http.StatusUnauthorized},
		{"garbage", sessionRequest(http.MethodGet, "not-a-jwt", ""), "", http.StatusUnauthorized},
		{"post without csrf header", sessionRequest(http.MethodPost, live, csrf), "", http.StatusForbidden},
		{"post with wrong csrf header", sessionRequest(http.MethodPost, live, csrf), uuid.NewString(), http.StatusForbidden},
		{"post without csrf cookie", sessionRequest(http.MethodPost, live, ""), csrf, http.StatusForbidden},
		{"post with non-uuid csrf", sessionRequest(http.MethodPost, live, "abc"), "abc", http.StatusForbidden},
		{"post with csrf", sessionRequest(http.MethodPost, live, csrf), csrf, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.header != "" {
				tt.r.Header.Set(apiclient.CSRFHeader, tt.header)
			}
			res := runAdmission(t, NewAdmission(WithLogger(slog.New(slog.DiscardHandler))), tt.r)
			if res.status != tt.want {
				t.Fatalf("status: got %d want %d", res.status, tt.want)
			}
		})
	}
}

func TestAdmission_UsesClock(t *testing.T) {
	m := credentialtest.NewMinter(t)
	exp := time.Now().Add(time.Hour)
	cred := m.MintExpiringAt(t, exp, nil)

	a := NewAdmission(WithClock(func() time.Time { return exp.Add(time.Second) }))
	if res := runAdmission(t, a, sessionRequest(http.MethodGet, cred, "")); res.status != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", res.status, http.StatusUnauthorized)
	}
}

func TestAdmission_RequireAdmin(t *testing.T) {
	m := credentialtest.NewMinter(t)
	user := m.MintExpiringIn(t, time.Hour, map[string]any{"sub": "u1", "roles": []any{"user"}})
	admin := m.MintExpiringIn(t, time.Hour, map[string]any{"sub": "u2", "roles": []any{"user", "admin"}})

	var buf bytes.Buffer
	a := NewAdmission(RequireAdmin(), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	if res := runAdmission(t, a, sessionRequest(http.MethodGet, user, "")); res.status != http.StatusForbidden {
		t.Fatalf("user: got %d want %d", res.status, http.StatusForbidden)
	}
	if !strings.Contains(buf.String(), "middleware.admission.deny") || !strings.Contains(buf.String(), "user=u1") {
		t.Fatalf("deny log: got %q", buf.String())
	}
	res := runAdmission(t, a, sessionRequest(http.MethodGet, admin, ""))
	if res.status != http.StatusNoContent || !res.principal.IsAdmin() {
		t.Fatalf("admin: got %d %+v", res.status, res.principal)
	}
}

func TestAdmission_Optional(t *testing.T) {
	m := credentialtest.NewMinter(t)
	a := NewAdmission(Optional())

	res := runAdmission(t, a, sessionRequest(http.MethodGet, "", ""))
	if res.status != http.StatusNoContent || res.principal != nil {
		t.Fatalf("anonymous: got %d %+v", res.status, res.principal)
	}

	live := m.MintExpiringIn(t, time.Hour, nil)
	if res := runAdmission(t, a, sessionRequest(http.MethodPost, live, "")); res.status != http.StatusForbidden {
		t.Fatalf("post without csrf: got %d want %d", res.status, http.StatusForbidden)
	}
}

func TestSessionStore_ClearsCookies(t *testing.T) {
	m := credentialtest.NewMinter(t)
	r := sessionRequest(http.MethodPost, m.MintExpiringIn(t, time.Hour, nil), uuid.NewString())
	r.Host = "api.openlattice.com:8443"
	rec := httptest.NewRecorder()

	store := SessionStore(rec, r)
	if err := store.Clear(r.Context()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := store.BearerCredential(r.Context()); ok {
		t.Fatalf("BearerCredential after Clear: got ok")
	}

	cleared := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		if c.Domain != "openlattice.com" || c.MaxAge >= 0 {
			t.Errorf("cookie %s: domain=%q max-age=%d", c.Name, c.Domain, c.MaxAge)
		}
		cleared[c.Name] = true
	}
	if !cleared[session.AuthCookie] || !cleared[session.CSRFCookie] {
		t.Fatalf("cleared cookies: got %v", cleared)
	}
}

func TestRequestHost(t *testing.T) {
	for host, want := range map[string]string{
		"api.example.com":      "api.example.com",
		"api.example.com:8443": "api.example.com",
		"[::1]:80":             "::1",
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Host = host
		if got := RequestHost(r); got != want {
			t.Errorf("RequestHost(%q): got %q want %q", host, got, want)
		}
	}
}
