// Package apiclient is the downstream HTTP client configured with the
// session's credential and CSRF token.
package apiclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// CSRFHeader carries the CSRF companion token on outbound requests.
const CSRFHeader = "X-CSRF-Token"

// SyncUserPath is the user-service endpoint called after login.
const SyncUserPath = "/datastore/principals/sync/"

// Settings are the values the client attaches to outbound requests.
type Settings struct {
	AuthToken string
	BaseURL   string
	CSRFToken string
}

// Client sends authenticated requests to the application's API.
// It is safe for concurrent use.
type Client struct {
	mu       sync.RWMutex
	settings Settings

	base *http.Client
	log  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client whose transport carries requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.base = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.log = l
	}
}

// New returns an unconfigured Client.
func New(opts ...Option) *Client {
	c := &Client{
		base: http.DefaultClient,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure replaces the settings. A "Bearer " prefix on the token is
// dropped. Configuring twice with the same values has no further effect.
func (c *Client) Configure(s Settings) {
	s.AuthToken = strings.TrimPrefix(s.AuthToken, "Bearer ")
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings == s {
		return
	}
	c.settings = s
	c.log.Debug("apiclient.configure", slog.String("base_url", s.BaseURL), slog.Bool("has_token", s.AuthToken != ""), slog.Bool("has_csrf", s.CSRFToken != ""))
}

// Settings returns the current settings.
func (c *Client) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// HTTPClient returns a client that attaches the current credential and CSRF
// token to every request.
func (c *Client) HTTPClient() *http.Client {
	base := c.base.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: c,
			Base:   &csrfTransport{client: c, base: base},
		},
		CheckRedirect: c.base.CheckRedirect,
		Jar:           c.base.Jar,
		Timeout:       c.base.Timeout,
	}
}

// Token implements oauth2.TokenSource over the configured credential.
func (c *Client) Token() (*oauth2.Token, error) {
	s := c.Settings()
	if s.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	return &oauth2.Token{AccessToken: s.AuthToken, TokenType: "Bearer"}, nil
}

type csrfTransport struct {
	client *Client
	base   http.RoundTripper
}

func (t *csrfTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.client.Settings().CSRFToken
	if token == "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set(CSRFHeader, token)
	return t.base.RoundTrip(r)
}

// SyncUser tells the user service that the authenticated principal has
// logged in.
func (c *Client) SyncUser(ctx context.Context) error {
	s := c.Settings()
	if s.BaseURL == "" {
		return fmt.Errorf("%w: base url is not set", ErrNotConfigured)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+SyncUserPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("sync user: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
