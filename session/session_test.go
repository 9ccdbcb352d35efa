package session

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/mnehpets/authsession/credential/credentialtest"
	"github.com/mnehpets/authsession/storage"
)

func newTestStore(t *testing.T, host string) (*Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	return NewStore(mem, mem, host), mem
}

func TestCookieDomain(t *testing.T) {
	tests := map[string]string{
		"localhost":              "localhost",
		"app.openlattice.com":    ".openlattice.com",
		"openlattice.com":        ".openlattice.com",
		"a.b.staging.example.io": ".example.io",
	}
	for host, want := range tests {
		if got := CookieDomain(host); got != want {
			t.Errorf("CookieDomain(%q): got %q want %q", host, got, want)
		}
	}
}

func TestSave_ValidCredential(t *testing.T) {
	ctx := context.Background()
	m := credentialtest.NewMinter(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := m.MintExpiringAt(t, exp, nil)
	s, mem := newTestStore(t, "app.openlattice.com")

	if err := s.Save(ctx, &AuthInfo{IDToken: cred}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if got, ok := s.Credential(ctx); !ok || got != cred {
		t.Fatalf("Credential: got (%q, %v)", got, ok)
	}

	rec, ok := mem.CookieRecord(AuthCookie)
	if !ok {
		t.Fatalf("auth cookie not set")
	}
	if rec.Value != "Bearer "+cred {
		t.Errorf("auth cookie value: got %q", rec.Value)
	}
	if rec.Domain != ".openlattice.com" || rec.Path != "/" {
		t.Errorf("auth cookie scope: got domain=%q path=%q", rec.Domain, rec.Path)
	}
	if !rec.Secure || rec.SameSite != http.SameSiteStrictMode {
		t.Errorf("auth cookie attributes: got Secure=%v SameSite=%v", rec.Secure, rec.SameSite)
	}
	if !rec.Expires.Equal(exp) {
		t.Errorf("auth cookie expiry: got %v want %v", rec.Expires, exp)
	}

	csrf, ok := s.CSRFToken(ctx)
	if !ok {
		t.Fatalf("CSRF token not stored")
	}
	crec, _ := mem.CookieRecord(CSRFCookie)
	if !crec.Expires.Equal(exp) {
		t.Errorf("CSRF cookie expiry: got %v want %v", crec.Expires, exp)
	}
	if !IsUUIDv4(csrf) {
		t.Errorf("CSRF token %q is not a UUID v4", csrf)
	}
}

func TestSave_LocalhostCookies(t *testing.T) {
	ctx := context.Background()
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, time.Hour, nil)
	s, mem := newTestStore(t, "localhost")

	if err := s.Save(ctx, &AuthInfo{IDToken: cred}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec, ok := mem.CookieRecord(AuthCookie)
	if !ok {
		t.Fatalf("auth cookie not set")
	}
	if rec.Domain != "localhost" || rec.Secure {
		t.Errorf("localhost cookie: got domain=%q secure=%v", rec.Domain, rec.Secure)
	}
}

func TestSave_NoOps(t *testing.T) {
	ctx := context.Background()
	m := credentialtest.NewMinter(t)

	tests := []struct {
		name string
		info *AuthInfo
	}{
		{"nil", nil},
		{"empty credential", &AuthInfo{AccessToken: "at"}},
		{"malformed credential", &AuthInfo{IDToken: "not-a-token"}},
		{"expired credential", &AuthInfo{IDToken: m.MintExpiringIn(t, -time.Minute, nil)}},
		{"no exp claim", &AuthInfo{IDToken: m.Mint(t, map[string]any{"sub": "x"})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mem := newTestStore(t, "app.openlattice.com")
			if err := s.Save(ctx, tt.info); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if items, cookies := mem.Len(); items != 0 || cookies != 0 {
				t.Fatalf("storage written: items=%d cookies=%d", items, cookies)
			}
		})
	}
}

func TestSave_UserInfoFromPayload(t *testing.T) {
	ctx := context.Background()
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, time.Hour, nil)
	s, _ := newTestStore(t, "localhost")

	payload := map[string]any{
		"email":   "jane@example.com",
		"name":    "Jane Doe",
		"user_id": "auth0|jane",
		"sub":     "ignored",
		"picture": "https://example.com/jane.png",
		"roles":   []any{"admin", "user", 7},
	}
	if err := s.Save(ctx, &AuthInfo{IDToken: cred, IDTokenPayload: payload}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok := s.UserInfo(ctx)
	if !ok {
		t.Fatalf("UserInfo not stored")
	}
	want := &UserInfo{
		Email:      "jane@example.com",
		FamilyName: "Jane Doe",
		GivenName:  "Jane Doe",
		ID:         "auth0|jane",
		Name:       "Jane Doe",
		Picture:    "https://example.com/jane.png",
		Roles:      []string{"admin", "user"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UserInfo: got %+v want %+v", got, want)
	}
	if !got.HasRole(AdminRole) {
		t.Errorf("HasRole(admin): got false")
	}
}

func TestSave_UserInfoFallsBackToCredentialClaims(t *testing.T) {
	ctx := context.Background()
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, time.Hour, map[string]any{
		"given_name":  "Ada",
		"family_name": "Lovelace",
	})
	s, mem := newTestStore(t, "localhost")

	if err := s.Save(ctx, &AuthInfo{IDToken: cred}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, ok, _ := mem.GetItem(ctx, UserInfoKey)
	if !ok {
		t.Fatalf("user info not stored")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("stored user info is not JSON: %v", err)
	}
	if fields["givenName"] != "Ada" || fields["familyName"] != "Lovelace" {
		t.Errorf("name fields: got %v", fields)
	}
	if fields["id"] != "auth0|test" {
		t.Errorf("id: got %v want auth0|test", fields["id"])
	}
	if fields["email"] != "test@example.com" {
		t.Errorf("email: got %v", fields["email"])
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, time.Hour, nil)
	s, mem := newTestStore(t, "app.openlattice.com")

	// Clearing an empty session is fine.
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear on empty: %v", err)
	}

	if err := s.Save(ctx, &AuthInfo{IDToken: cred}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mem.SetItem(ctx, "unrelated", "keep"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Credential(ctx); ok {
		t.Errorf("credential present after Clear")
	}
	if _, ok := s.UserInfo(ctx); ok {
		t.Errorf("user info present after Clear")
	}
	if _, ok := s.CSRFToken(ctx); ok {
		t.Errorf("CSRF token present after Clear")
	}
	if _, ok, _ := mem.Cookie(ctx, AuthCookie); ok {
		t.Errorf("auth cookie present after Clear")
	}
	if v, ok, _ := mem.GetItem(ctx, "unrelated"); !ok || v != "keep" {
		t.Errorf("unrelated item removed")
	}
}

func TestCredential_RejectsMalformed(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, "localhost")

	for _, v := range []string{"", "   ", "garbage", "a.b"} {
		if err := mem.SetItem(ctx, IDTokenKey, v); err != nil {
			t.Fatalf("SetItem: %v", err)
		}
		if got, ok := s.Credential(ctx); ok {
			t.Errorf("Credential(%q): got %q, want absent", v, got)
		}
	}
}

func TestCredential_ReturnsExpired(t *testing.T) {
	ctx := context.Background()
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, -time.Hour, nil)
	s, mem := newTestStore(t, "localhost")
	if err := mem.SetItem(ctx, IDTokenKey, cred); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if got, ok := s.Credential(ctx); !ok || got != cred {
		t.Fatalf("Credential: got (%q, %v), want the expired credential", got, ok)
	}
}

func TestUserInfo_Invalid(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, "localhost")

	for _, v := range []string{"", "not json", "{}", "[]"} {
		if err := mem.SetItem(ctx, UserInfoKey, v); err != nil {
			t.Fatalf("SetItem: %v", err)
		}
		if got, ok := s.UserInfo(ctx); ok {
			t.Errorf("UserInfo(%q): got %+v, want absent", v, got)
		}
	}
}

func TestCSRFToken_Validation(t *testing.T) {
	ctx := context.Background()
	tests := map[string]bool{
		"1b4e28ba-2fa1-41d2-883f-0016d3cca427": true,
		"1B4E28BA-2FA1-41D2-883F-0016D3CCA427": true,
		"1b4e28ba-2fa1-11d2-883f-0016d3cca427": false,
		"1b4e28ba2fa141d2883f0016d3cca427":     false,
		"not-a-uuid":                           false,
	}
	for v, want := range tests {
		s, mem := newTestStore(t, "localhost")
		c := &http.Cookie{Name: CSRFCookie, Value: v, Domain: "localhost", Path: "/"}
		if err := mem.SetCookie(ctx, c); err != nil {
			t.Fatalf("SetCookie: %v", err)
		}
		if _, ok := s.CSRFToken(ctx); ok != want {
			t.Errorf("CSRFToken(%q): got %v want %v", v, ok, want)
		}
	}
}

func TestBearerCredential(t *testing.T) {
	ctx := context.Background()
	m := credentialtest.NewMinter(t)
	cred := m.MintExpiringIn(t, time.Hour, nil)
	s, mem := newTestStore(t, "app.openlattice.com")

	if _, ok := s.BearerCredential(ctx); ok {
		t.Fatalf("BearerCredential on empty store: got ok")
	}
	if err := s.Save(ctx, &AuthInfo{IDToken: cred}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, ok := s.BearerCredential(ctx); !ok || got != cred {
		t.Fatalf("BearerCredential: got (%q, %v)", got, ok)
	}

	for _, v := range []string{cred, "Bearer ", "Bearer not-a-jwt", "Basic " + cred} {
		c := &http.Cookie{Name: AuthCookie, Value: v, Domain: ".openlattice.com", Path: "/", Expires: time.Now().Add(time.Hour)}
		if err := mem.SetCookie(ctx, c); err != nil {
			t.Fatalf("SetCookie: %v", err)
		}
		if got, ok := s.BearerCredential(ctx); ok {
			t.Errorf("BearerCredential(%q): got %q", v, got)
		}
	}
}

func TestSave_CredentialExpiringNow(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := credentialtest.NewMinter(t).MintExpiringAt(t, exp, nil)

	now := exp
	clock := func() time.Time { return now }
	mem := storage.NewMemory(storage.WithClock(clock))
	s := NewStore(mem, mem, "app.openlattice.com", WithClock(clock))

	if err := s.Save(ctx, &AuthInfo{IDToken: cred}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := s.Credential(ctx); !ok {
		t.Fatalf("Credential: not stored at its expiry instant")
	}
	if _, ok := s.CSRFToken(ctx); !ok {
		t.Fatalf("CSRFToken: missing while the credential is still valid")
	}
	if _, ok := s.BearerCredential(ctx); !ok {
		t.Fatalf("BearerCredential: missing while the credential is still valid")
	}

	now = exp.Add(time.Millisecond)
	if _, ok := s.CSRFToken(ctx); ok {
		t.Fatalf("CSRFToken: visible after the credential expired")
	}
	if _, ok := s.BearerCredential(ctx); ok {
		t.Fatalf("BearerCredential: visible after the credential expired")
	}
}
