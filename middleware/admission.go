// Package middleware holds endpoint processors for API servers that accept
// the session cookies written by the browser client.
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/endpoint"
	"github.com/mnehpets/authsession/session"
	"github.com/mnehpets/authsession/storage"
	"github.com/mnehpets/authsession/storage/httpjar"
)

// Principal is the caller admitted by Admission.
type Principal struct {
	Credential string
	Claims     *credential.Claims
	User       *session.UserInfo
}

// IsAdmin reports whether the caller holds session.AdminRole.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.User.HasRole(session.AdminRole)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal admitted for the request.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// SessionStore returns a session store reading the cookies of r and writing
// Set-Cookie headers to w. Local storage is per request and starts empty.
func SessionStore(w http.ResponseWriter, r *http.Request, opts ...session.Option) *session.Store {
	return session.NewStore(storage.NewMemory(), httpjar.New(w, r), RequestHost(r), opts...)
}

// RequestHost returns the host of r without its port.
func RequestHost(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		return h
	}
	return r.Host
}

// Admission admits requests carrying a live bearer credential in the session
// cookie. Unsafe methods must also echo the CSRF cookie in the
// apiclient.CSRFHeader header.
//
// The credential's signature is not verified; deploy behind a gateway that
// does, or trust only what the cookie domain's own apps could have written.
type Admission struct {
	now      func() time.Time
	log      *slog.Logger
	admin    bool
	optional bool
}

// AdmissionOption configures an Admission.
type AdmissionOption func(*Admission)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) AdmissionOption {
	return func(a *Admission) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AdmissionOption {
	return func(a *Admission) {
		a.log = l
	}
}

// RequireAdmin additionally requires session.AdminRole.
func RequireAdmin() AdmissionOption {
	return func(a *Admission) {
		a.admin = true
	}
}

// Optional lets requests without a session through with no principal. A
// session that is present still has to pass every check.
func Optional() AdmissionOption {
	return func(a *Admission) {
		a.optional = true
	}
}

// NewAdmission returns an Admission processor.
func NewAdmission(opts ...AdmissionOption) *Admission {
	a := &Admission{
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process implements endpoint.Processor.
func (a *Admission) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	ctx := r.Context()
	store := SessionStore(w, r, session.WithClock(a.now), session.WithLogger(a.log))

	cred, ok := store.BearerCredential(ctx)
	if !ok || credential.HasExpiredAt(cred, a.now()) {
		if a.optional {
			return next(w, r)
		}
		a.deny(r, "no live credential")
		return endpoint.Errorf(http.StatusUnauthorized, "authentication required", nil)
	}

	if !safeMethod(r.Method) {
		want, ok := store.CSRFToken(ctx)
		got := r.Header.Get(apiclient.CSRFHeader)
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			a.deny(r, "csrf token mismatch")
			return endpoint.Errorf(http.StatusForbidden, "invalid csrf token", nil)
		}
	}

	claims, err := credential.Decode(cred)
	if err != nil {
		return endpoint.Errorf(http.StatusUnauthorized, "authentication required", err)
	}
	p := &Principal{
		Credential: cred,
		Claims:     claims,
		User:       session.UserInfoFromClaims(claims.Raw),
	}
	if a.admin && !p.IsAdmin() {
		a.deny(r, "admin role required", slog.String("user", p.User.ID))
		return endpoint.Errorf(http.StatusForbidden, "forbidden", nil)
	}

	return next(w, r.WithContext(WithPrincipal(ctx, p)))
}

func (a *Admission) deny(r *http.Request, reason string, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	a.log.LogAttrs(r.Context(), slog.LevelInfo, "middleware.admission.deny", attrs...)
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

var _ endpoint.Processor = (*Admission)(nil)
