// Package provider is the hosted-login widget: it builds the identity
// provider's authorize URL, tracks whether the login UI is shown, and turns
// the fragment the provider redirects back with into authentication events.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/session"
	"golang.org/x/oauth2"
)

// Event names an authentication event emitted by a Lock.
type Event string

const (
	// EventAuthenticated carries the AuthInfo of a completed exchange.
	EventAuthenticated Event = "authenticated"
	// EventHashParsed fires once the fragment has been read, before
	// EventAuthenticated. Its AuthInfo is nil if the fragment held no tokens.
	EventHashParsed Event = "hash_parsed"
	// EventAuthorizationError carries a *ProviderError.
	EventAuthorizationError Event = "authorization_error"
	// EventUnrecoverableError fires when the fragment cannot be used at all.
	EventUnrecoverableError Event = "unrecoverable_error"
)

// Handler receives an event. info is set for EventAuthenticated and
// EventHashParsed, err for the error events.
type Handler func(info *session.AuthInfo, err error)

// DefaultScopes are requested when no scopes are configured.
var DefaultScopes = []string{oidc.ScopeOpenID, "email", "user_id", "user_metadata", "app_metadata", "nickname", "roles"}

// responseType requests tokens in the redirect fragment.
const responseType = "token id_token"

// Branding customizes the login UI.
type Branding struct {
	Logo  string
	Title string
	Color string
}

// Lock is a hosted-login widget bound to one client of an identity
// provider. It is safe for concurrent use.
type Lock struct {
	mu       sync.Mutex
	handlers map[Event][]Handler
	visible  bool
	state    string

	domain   string
	config   *oauth2.Config
	branding Branding
	log      *slog.Logger
}

// Option configures a Lock.
type Option func(*Lock)

// WithBranding sets the login UI branding.
func WithBranding(b Branding) Option {
	return func(l *Lock) {
		l.branding = b
	}
}

// WithRedirectURL sets the URL the provider redirects back to.
func WithRedirectURL(u string) Option {
	return func(l *Lock) {
		l.config.RedirectURL = u
	}
}

// WithScopes replaces DefaultScopes.
func WithScopes(scopes ...string) Option {
	return func(l *Lock) {
		l.config.Scopes = scopes
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Lock) {
		l.log = lg
	}
}

// New returns a Lock for clientID on the provider at domain.
func New(clientID, domain string, opts ...Option) *Lock {
	return newLock(clientID, domain, oauth2.Endpoint{
		AuthURL:  "https://" + domain + "/authorize",
		TokenURL: "https://" + domain + "/oauth/token",
	}, opts...)
}

// Discover returns a Lock whose endpoints come from the OIDC discovery
// document of issuer.
func Discover(ctx context.Context, clientID, issuer string, opts ...Option) (*Lock, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider %q: %v", issuer, err)
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, err
	}
	return newLock(clientID, u.Host, p.Endpoint(), opts...), nil
}

func newLock(clientID, domain string, ep oauth2.Endpoint, opts ...Option) *Lock {
	l := &Lock{
		handlers: map[Event][]Handler{},
		domain:   domain,
		config: &oauth2.Config{
			ClientID: clientID,
			Endpoint: ep,
			Scopes:   append([]string(nil), DefaultScopes...),
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ClientID returns the client id the Lock was built for.
func (l *Lock) ClientID() string {
	return l.config.ClientID
}

// Domain returns the provider's domain.
func (l *Lock) Domain() string {
	return l.domain
}

// Branding returns the login UI branding.
func (l *Lock) Branding() Branding {
	return l.branding
}

// On registers h for event. Handlers run in registration order on the
// goroutine that calls ResumeAuth.
func (l *Lock) On(event Event, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[event] = append(l.handlers[event], h)
}

func (l *Lock) emit(event Event, info *session.AuthInfo, err error) {
	l.mu.Lock()
	hs := append([]Handler(nil), l.handlers[event]...)
	l.mu.Unlock()
	for _, h := range hs {
		h(info, err)
	}
}

// Show makes the login UI visible.
func (l *Lock) Show() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.visible {
		l.log.Debug("provider.lock.show")
	}
	l.visible = true
}

// Hide hides the login UI.
func (l *Lock) Hide() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.visible {
		l.log.Debug("provider.lock.hide")
	}
	l.visible = false
}

// Visible reports whether the login UI is shown.
func (l *Lock) Visible() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visible
}

// SetState sets the state sent by LoginURL when none is given.
func (l *Lock) SetState(state string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

// LoginURL returns the authorize URL starting an implicit-flow login.
// state is echoed back in the redirect fragment; if empty, the value last
// passed to SetState is used.
func (l *Lock) LoginURL(state, nonce string) string {
	if state == "" {
		l.mu.Lock()
		state = l.state
		l.mu.Unlock()
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", responseType),
	}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return l.config.AuthCodeURL(state, opts...)
}

// ResumeAuth completes a login from the fragment the provider redirected
// back with, emitting the outcome as events:
//
//   - an error parameter emits EventAuthorizationError with a *ProviderError
//   - tokens emit EventHashParsed, then EventAuthenticated
//   - a fragment without tokens emits EventHashParsed with a nil AuthInfo
//   - an unusable fragment or id token emits EventUnrecoverableError
func (l *Lock) ResumeAuth(ctx context.Context, fragment string) {
	fragment = strings.TrimLeft(strings.TrimPrefix(fragment, "#"), "/")
	vals, err := url.ParseQuery(fragment)
	if err != nil {
		l.log.ErrorContext(ctx, "provider.resume.parse.fail", slog.String("err", err.Error()))
		l.emit(EventUnrecoverableError, nil, fmt.Errorf("invalid callback fragment: %w", err))
		return
	}

	if code := vals.Get("error"); code != "" {
		perr := &ProviderError{Code: code, Description: vals.Get("error_description")}
		l.log.WarnContext(ctx, "provider.resume.authorization_error", slog.String("code", code))
		l.emit(EventAuthorizationError, nil, perr)
		return
	}

	accessToken, idToken := vals.Get("access_token"), vals.Get("id_token")
	if accessToken == "" || idToken == "" {
		l.emit(EventHashParsed, nil, nil)
		return
	}

	claims, err := credential.Decode(idToken)
	if err != nil {
		l.log.ErrorContext(ctx, "provider.resume.id_token.fail", slog.String("err", err.Error()))
		l.emit(EventUnrecoverableError, nil, err)
		return
	}
	info := &session.AuthInfo{
		AccessToken:    accessToken,
		IDToken:        idToken,
		IDTokenPayload: claims.Raw,
		State:          vals.Get("state"),
	}
	l.emit(EventHashParsed, info, nil)
	l.emit(EventAuthenticated, info, nil)
}
