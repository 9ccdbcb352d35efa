// Package admission decides whether the stored session admits the user.
package admission

import (
	"context"
	"time"

	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/session"
)

// SessionReader is the read side of session.Store.
type SessionReader interface {
	Credential(ctx context.Context) (string, bool)
	UserInfo(ctx context.Context) (*session.UserInfo, bool)
}

// Policy evaluates admission against a session.
type Policy struct {
	session SessionReader
	now     func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// New returns a Policy reading from s.
func New(s SessionReader, opts ...Option) *Policy {
	p := &Policy{
		session: s,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsAuthenticated reports whether an unexpired credential is stored.
func (p *Policy) IsAuthenticated(ctx context.Context) bool {
	cred, ok := p.session.Credential(ctx)
	if !ok {
		return false
	}
	return !credential.HasExpiredAt(credential.ExpirationMillis(cred), p.now())
}

// IsAdmin reports whether the stored user info holds session.AdminRole.
// It does not consult the credential.
func (p *Policy) IsAdmin(ctx context.Context) bool {
	u, ok := p.session.UserInfo(ctx)
	if !ok {
		return false
	}
	return u.HasRole(session.AdminRole)
}
