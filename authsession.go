// Package authsession manages a session backed by a hosted identity
// provider's redirect login flow.
//
// A Context ties the pieces together: it validates the settings, builds the
// session and nonce stores over the host's storage, wires the login widget
// and API client into a state machine, and answers admission questions.
//
//	sc, err := authsession.New(ctx, map[string]any{
//		"clientId": "abc",
//		"domain":   "tenant.auth0.com",
//		"baseUrl":  "production",
//	}, authsession.Deps{Local: mem, Cookies: mem, Navigator: nav, Location: nav})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go sc.Run(ctx)
//	decision, err := sc.Check(ctx)
package authsession

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mnehpets/authsession/admission"
	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/config"
	"github.com/mnehpets/authsession/machine"
	"github.com/mnehpets/authsession/nonce"
	"github.com/mnehpets/authsession/provider"
	"github.com/mnehpets/authsession/redirect"
	"github.com/mnehpets/authsession/session"
	"github.com/mnehpets/authsession/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// API is the downstream HTTP client. *apiclient.Client implements it.
type API interface {
	machine.APIClient
	machine.UserSync
}

// Deps are the host's collaborators. Local, Cookies, Navigator and Location
// are required. A nil Widget is replaced by a provider.Lock built from the
// configuration, and a nil API by an apiclient.Client.
type Deps struct {
	Local     storage.Local
	Cookies   storage.Cookies
	Navigator machine.Navigator
	Location  machine.Location
	Widget    machine.Widget
	API       API
}

type options struct {
	defaults        config.Config
	redirectToLogin bool
	now             func() time.Time
	log             *slog.Logger
	registry        prometheus.Registerer
}

// Option configures New.
type Option func(*options)

// WithDefaults supplies values for settings that are absent, typically from
// config.FromEnv.
func WithDefaults(c config.Config) Option {
	return func(o *options) {
		o.defaults = c
	}
}

// WithRedirectToLogin makes Check send unauthenticated users to the login
// page.
func WithRedirectToLogin(v bool) Option {
	return func(o *options) {
		o.redirectToLogin = v
	}
}

// WithClock sets the clock used for every expiration check.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithRegistry registers the state machine's metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// Context is a configured session. Its configuration is fixed at New.
type Context struct {
	cfg     config.Config
	session *session.Store
	nonces  *nonce.Store
	widget  machine.Widget
	api     API
	machine *machine.Machine
	policy  *admission.Policy
}

// New validates settings and builds a Context. Settings are validated before
// anything else happens: on a *config.ConfigurationError nothing has been
// read from or written to storage. Otherwise the machine is initialized,
// which parses the current location and cleans a provider callback out of
// it, and then the API client is configured.
func New(ctx context.Context, settings map[string]any, d Deps, opts ...Option) (*Context, error) {
	o := options{now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Validate(settings, config.WithDefaults(o.defaults))
	if err != nil {
		o.log.ErrorContext(ctx, "authsession.config.invalid", slog.String("err", err.Error()))
		return nil, err
	}
	switch {
	case d.Local == nil, d.Cookies == nil:
		return nil, errors.New("authsession: storage is required")
	case d.Navigator == nil, d.Location == nil:
		return nil, errors.New("authsession: navigator and location are required")
	}

	host := redirect.Hostname(d.Location.Href())
	sc := &Context{
		cfg:     *cfg,
		session: session.NewStore(d.Local, d.Cookies, host, session.WithClock(o.now), session.WithLogger(o.log)),
		nonces:  nonce.NewStore(d.Local, nonce.WithLogger(o.log)),
		widget:  d.Widget,
		api:     d.API,
	}
	if sc.widget == nil {
		sc.widget = provider.New(cfg.ClientID, cfg.Domain,
			provider.WithBranding(provider.Branding(cfg.Branding)),
			provider.WithRedirectURL(cfg.RedirectURL),
			provider.WithLogger(o.log))
	}
	if sc.api == nil {
		sc.api = apiclient.New(apiclient.WithLogger(o.log))
	}

	sc.machine, err = machine.New(machine.Deps{
		Widget:    sc.widget,
		Session:   sc.session,
		Nonce:     sc.nonces,
		API:       sc.api,
		Users:     sc.api,
		Navigator: d.Navigator,
		Location:  d.Location,
	},
		machine.WithBaseURL(cfg.BaseURL),
		machine.WithRedirectToLogin(o.redirectToLogin),
		machine.WithClock(o.now),
		machine.WithLogger(o.log),
		machine.WithRegistry(o.registry),
	)
	if err != nil {
		return nil, err
	}
	sc.policy = admission.New(sc.session, admission.WithClock(o.now))

	if err := sc.machine.Initialize(ctx); err != nil {
		return nil, err
	}

	token := cfg.AuthToken
	if token == "" {
		token, _ = sc.session.Credential(ctx)
	}
	csrf, _ := sc.session.CSRFToken(ctx)
	sc.api.Configure(apiclient.Settings{AuthToken: token, BaseURL: cfg.BaseURL, CSRFToken: csrf})

	o.log.InfoContext(ctx, "authsession.configured",
		slog.String("domain", cfg.Domain),
		slog.String("base_url", cfg.BaseURL))
	return sc, nil
}

// Config returns the configuration the Context was built with.
func (sc *Context) Config() config.Config {
	return sc.cfg
}

// Session returns the session store.
func (sc *Context) Session() *session.Store {
	return sc.session
}

// Nonces returns the nonce correlation store.
func (sc *Context) Nonces() *nonce.Store {
	return sc.nonces
}

// Machine returns the state machine.
func (sc *Context) Machine() *machine.Machine {
	return sc.machine
}

// Widget returns the login widget.
func (sc *Context) Widget() machine.Widget {
	return sc.widget
}

// IsAuthenticated reports whether an unexpired credential is stored.
func (sc *Context) IsAuthenticated(ctx context.Context) bool {
	return sc.policy.IsAuthenticated(ctx)
}

// IsAdmin reports whether the stored user holds the admin role.
func (sc *Context) IsAdmin(ctx context.Context) bool {
	return sc.policy.IsAdmin(ctx)
}

// Run handles session events until ctx is done.
func (sc *Context) Run(ctx context.Context) error {
	return sc.machine.Run(ctx)
}

// Check decides what a protected page does on entry. See machine.Check.
func (sc *Context) Check(ctx context.Context) (machine.Decision, error) {
	return sc.machine.Check(ctx)
}

// Attempt resumes a provider callback.
func (sc *Context) Attempt() error {
	return sc.machine.Attempt()
}

// Expired reports that the stored credential has expired.
func (sc *Context) Expired() {
	sc.machine.Expired()
}

// Logout ends the session.
func (sc *Context) Logout() {
	sc.machine.Logout()
}

// Login navigates to the login page.
func (sc *Context) Login() {
	sc.machine.Login()
}
