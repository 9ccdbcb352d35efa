// Package redirect inspects the URL the identity provider redirects back to.
//
// A provider callback carries the credential in the URL fragment:
//
//	https://app.example.com/some/path#access_token=...&id_token=...&state=...
//
// Parser.Parse recognizes such URLs and immediately replaces them with the
// clean login URL so the credential does not linger in browser history.
package redirect

import (
	"log/slog"
	"net/url"
	"strings"
)

const (
	// LoginPath is the application's login route.
	LoginPath = "/login"
	// RootPath is the application's root route.
	RootPath = "/"

	// RedirectURLParam is the query parameter holding the page to return to
	// after login.
	RedirectURLParam = "redirectUrl"
	// StateParam carries the correlation id of a login attempt.
	StateParam = "state"

	accessTokenMarker = "access_token"
	idTokenMarker     = "id_token"
)

// State is what a URL tells us about an authentication round trip.
type State struct {
	// Fragment is the raw provider callback fragment, or "" when the URL is
	// not a callback.
	Fragment string
	// RedirectURL is the application-level redirect target from the query.
	RedirectURL string
	// CorrelationID is the correlation state of the attempt, taken from the
	// query, or from the callback fragment when the query has none.
	CorrelationID string
}

// IsCallback reports whether the URL was a provider callback.
func (s State) IsCallback() bool {
	return s.Fragment != ""
}

// Parse extracts the callback fragment and application query parameters from
// href. It has no side effects.
//
// The callback test is a plain substring check for both token markers, so an
// unrelated fragment that happens to contain both strings is treated as a
// callback as well.
func Parse(href string) State {
	var s State

	beforeHash, fragment := href, ""
	if i := strings.LastIndex(href, "#"); i >= 0 {
		beforeHash, fragment = href[:i], href[i+1:]
	}
	if strings.Contains(fragment, accessTokenMarker) && strings.Contains(fragment, idTokenMarker) {
		s.Fragment = fragment
	}

	if i := strings.Index(beforeHash, "?"); i >= 0 {
		if q, err := url.ParseQuery(beforeHash[i+1:]); err == nil {
			s.RedirectURL = q.Get(RedirectURLParam)
			s.CorrelationID = q.Get(StateParam)
		}
	}
	if s.CorrelationID == "" && s.IsCallback() {
		if q, err := url.ParseQuery(s.Fragment); err == nil {
			s.CorrelationID = q.Get(StateParam)
		}
	}
	return s
}

// Navigator replaces the current location without adding a history entry.
type Navigator interface {
	Replace(url string)
}

// Parser parses URLs and cleans provider callbacks out of the location.
type Parser struct {
	nav Navigator
	log *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		p.log = l
	}
}

// NewParser returns a Parser that cleans callbacks through nav.
func NewParser(nav Navigator, opts ...Option) *Parser {
	p := &Parser{nav: nav, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse is like the package-level Parse, except that a callback URL is
// replaced with CleanURL(href) before Parse returns. Non-callback URLs never
// trigger a replace.
func (p *Parser) Parse(href string) State {
	s := Parse(href)
	if s.IsCallback() {
		clean := CleanURL(href)
		p.log.Debug("redirect.callback.clean", slog.String("location", clean))
		p.nav.Replace(clean)
	}
	return s
}

// Origin returns scheme://host of href, or "" if href is not absolute.
func Origin(href string) string {
	u, err := url.Parse(href)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Hostname returns the host of href without port.
func Hostname(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// CleanURL returns the login URL on the same origin as href, with a
// trailing slash.
func CleanURL(href string) string {
	return Origin(href) + LoginPath + "/"
}

// LoginRedirectURL returns the login URL on origin that sends the user back
// to target after login.
func LoginRedirectURL(origin, target string) string {
	q := url.Values{RedirectURLParam: {target}}
	return origin + LoginPath + "/?" + q.Encode()
}

// LocalPath reduces target to a path, query and fragment for in-app
// navigation. The scheme and host of an absolute http(s) URL are dropped, so
// the result never leaves the current origin. Anything else that is not a
// rooted path becomes RootPath.
func LocalPath(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return RootPath
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https":
	default:
		return RootPath
	}
	u.Scheme, u.Host, u.User = "", "", nil
	p := u.String()
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return RootPath
	}
	return p
}
