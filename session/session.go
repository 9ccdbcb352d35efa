// Package session persists the authenticated session: the credential, its
// CSRF companion token and a snapshot of the user's profile.
//
// The credential is written twice: to local storage under IDTokenKey, and as
// the AuthCookie cookie ("Bearer <credential>") scoped to the registrable
// domain so that API hosts on sibling subdomains receive it. The CSRF token
// lives in CSRFCookie with the same expiry. Both cookies exist only while a
// valid credential is stored.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/storage"
)

const (
	// AuthCookie holds "Bearer <credential>".
	AuthCookie = "authorization"
	// CSRFCookie holds the CSRF companion token.
	CSRFCookie = "ol_csrf_token"

	// IDTokenKey is the local storage key of the credential.
	IDTokenKey = "auth0_id_token"
	// UserInfoKey is the local storage key of the user info snapshot.
	UserInfoKey = "auth0_user_info"

	// AdminRole is the role granting administrator access.
	AdminRole = "admin"

	localhost    = "localhost"
	bearerPrefix = "Bearer "
)

// AuthInfo is the result of a successful exchange with the identity
// provider.
type AuthInfo struct {
	AccessToken string
	IDToken     string
	// IDTokenPayload holds the decoded claims of IDToken, if the provider
	// supplied them.
	IDTokenPayload map[string]any
	State          string
}

// UserInfo is the cached profile of the authenticated user.
type UserInfo struct {
	Email      string   `json:"email,omitempty"`
	FamilyName string   `json:"familyName,omitempty"`
	GivenName  string   `json:"givenName,omitempty"`
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Picture    string   `json:"picture,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

func (u *UserInfo) empty() bool {
	return u.Email == "" && u.FamilyName == "" && u.GivenName == "" && u.ID == "" &&
		u.Name == "" && u.Picture == "" && len(u.Roles) == 0
}

// HasRole reports whether the user holds role exactly (case-sensitive).
func (u *UserInfo) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Store reads and writes the session record.
type Store struct {
	local   storage.Local
	cookies storage.Cookies
	host    string

	now     func() time.Time
	newCSRF func() string
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// NewStore returns a Store persisting to local and cookies. host is the
// hostname the cookies are scoped for.
func NewStore(local storage.Local, cookies storage.Cookies, host string, opts ...Option) *Store {
	s := &Store{
		local:   local,
		cookies: cookies,
		host:    host,
		now:     time.Now,
		newCSRF: uuid.NewString,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CookieDomain returns the cookie domain for host: its last two labels,
// with a leading dot so subdomains share the cookie, except for localhost.
func CookieDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	domain := strings.Join(labels, ".")
	if host == localhost {
		return domain
	}
	return "." + domain
}

// SecureCookies reports whether cookies for host carry the Secure flag.
func SecureCookies(host string) bool {
	return host != localhost
}

func (s *Store) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   CookieDomain(s.host),
		Path:     "/",
		Expires:  expires,
		Secure:   SecureCookies(s.host),
		SameSite: http.SameSiteStrictMode,
	}
}

// Save persists info. It does nothing if info or its credential is absent,
// and persists nothing if the credential is malformed or already expired.
// Errors are returned only for failed storage writes.
func (s *Store) Save(ctx context.Context, info *AuthInfo) error {
	if info == nil || info.IDToken == "" {
		return nil
	}

	// Decoding only confirms the credential is well formed; its signature is
	// never verified.
	claims, err := credential.Decode(info.IDToken)
	if err != nil {
		s.log.ErrorContext(ctx, "session.save.decode.fail", slog.String("err", err.Error()))
		return nil
	}
	exp := claims.ExpiresAtMillis
	if exp == credential.ExpiredMillis || credential.HasExpiredAt(exp, s.now()) {
		s.log.WarnContext(ctx, "session.save.expired", slog.String("cookie", AuthCookie))
		return nil
	}
	expires := time.UnixMilli(exp)

	if err := s.local.SetItem(ctx, IDTokenKey, info.IDToken); err != nil {
		return err
	}
	if err := s.cookies.SetCookie(ctx, s.cookie(AuthCookie, bearerPrefix+info.IDToken, expires)); err != nil {
		return err
	}
	if err := s.cookies.SetCookie(ctx, s.cookie(CSRFCookie, s.newCSRF(), expires)); err != nil {
		return err
	}

	payload := info.IDTokenPayload
	if len(payload) == 0 {
		payload = claims.Raw
	}
	if len(payload) == 0 {
		return nil
	}
	b, err := json.Marshal(UserInfoFromClaims(payload))
	if err != nil {
		return err
	}
	return s.local.SetItem(ctx, UserInfoKey, string(b))
}

// UserInfoFromClaims builds the profile snapshot from credential claims.
// Missing name parts fall back to the full name, then to the email address.
func UserInfoFromClaims(p map[string]any) *UserInfo {
	str := func(key string) string {
		v, _ := p[key].(string)
		return v
	}
	first := func(vals ...string) string {
		for _, v := range vals {
			if v != "" {
				return v
			}
		}
		return ""
	}
	email, name := str("email"), str("name")
	return &UserInfo{
		Email:      email,
		FamilyName: first(str("family_name"), name, email),
		GivenName:  first(str("given_name"), name, email),
		ID:         first(str("user_id"), str("sub")),
		Name:       name,
		Picture:    str("picture"),
		Roles:      credential.StringSlice(p["roles"]),
	}
}

// Clear removes the credential, the CSRF token and the user info snapshot.
// It is safe to call when nothing is stored. Every removal is attempted even
// if an earlier one fails.
func (s *Store) Clear(ctx context.Context) error {
	domain := CookieDomain(s.host)
	return errors.Join(
		s.local.RemoveItem(ctx, IDTokenKey),
		s.local.RemoveItem(ctx, UserInfoKey),
		s.cookies.RemoveCookie(ctx, AuthCookie, domain, "/"),
		s.cookies.RemoveCookie(ctx, CSRFCookie, domain, "/"),
	)
}

// Credential returns the stored credential if it is present and well formed.
// It does not check expiration.
func (s *Store) Credential(ctx context.Context) (string, bool) {
	v, ok, err := s.local.GetItem(ctx, IDTokenKey)
	if err != nil {
		s.log.DebugContext(ctx, "session.credential.read.fail", slog.String("err", err.Error()))
		return "", false
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	if _, err := credential.Decode(v); err != nil {
		return "", false
	}
	return v, true
}

// BearerCredential returns the credential carried by the auth cookie, the
// copy a server on a sibling subdomain receives, if it is present and well
// formed. It does not check expiration.
func (s *Store) BearerCredential(ctx context.Context) (string, bool) {
	v, ok, err := s.cookies.Cookie(ctx, AuthCookie)
	if err != nil {
		s.log.DebugContext(ctx, "session.cookie.read.fail", slog.String("err", err.Error()))
		return "", false
	}
	v, found := strings.CutPrefix(strings.TrimSpace(v), bearerPrefix)
	if !ok || !found || v == "" {
		return "", false
	}
	if _, err := credential.Decode(v); err != nil {
		return "", false
	}
	return v, true
}

// UserInfo returns the stored user info snapshot, if present and valid.
func (s *Store) UserInfo(ctx context.Context) (*UserInfo, bool) {
	v, ok, err := s.local.GetItem(ctx, UserInfoKey)
	if err != nil {
		s.log.DebugContext(ctx, "session.userinfo.read.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if !ok || v == "" {
		return nil, false
	}
	var u UserInfo
	if err := json.Unmarshal([]byte(v), &u); err != nil || u.empty() {
		return nil, false
	}
	return &u, true
}

// CSRFToken returns the stored CSRF token if it is a canonical UUID v4.
func (s *Store) CSRFToken(ctx context.Context) (string, bool) {
	v, ok, err := s.cookies.Cookie(ctx, CSRFCookie)
	if err != nil || !ok {
		return "", false
	}
	if !IsUUIDv4(v) {
		return "", false
	}
	return v, true
}

// IsUUIDv4 reports whether s is a UUID v4 in canonical 8-4-4-4-12 form.
func IsUUIDv4(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}
