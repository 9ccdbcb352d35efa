// Package machine drives the session lifecycle.
//
// A Machine is a mailbox actor: Attempt, Success, Failure, Expired, Logout
// and Login enqueue events without blocking, and Run handles them one at a
// time in the order they were dispatched. A reducer folds every event into a
// UIState as it is dispatched, so State reflects an event before its handler
// has run.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/nonce"
	"github.com/mnehpets/authsession/provider"
	"github.com/mnehpets/authsession/redirect"
	"github.com/mnehpets/authsession/session"
	"github.com/prometheus/client_golang/prometheus"
)

// Widget is the hosted login UI.
type Widget interface {
	On(event provider.Event, h provider.Handler)
	ResumeAuth(ctx context.Context, fragment string)
	Show()
	Hide()
}

// StateSetter is implemented by widgets that send a correlation id with the
// next login.
type StateSetter interface {
	SetState(state string)
}

// APIClient is configured with the credential once a session exists.
type APIClient interface {
	Configure(s apiclient.Settings)
}

// UserSync notifies the user service of a login.
type UserSync interface {
	SyncUser(ctx context.Context) error
}

// Navigator changes the current location.
type Navigator interface {
	// Push navigates to path, adding a history entry.
	Push(path string)
	// Replace navigates to url without adding a history entry.
	Replace(url string)
}

// Location reports the current location.
type Location interface {
	Href() string
}

// Deps are the collaborators of a Machine. All are required.
type Deps struct {
	Widget    Widget
	Session   *session.Store
	Nonce     *nonce.Store
	API       APIClient
	Users     UserSync
	Navigator Navigator
	Location  Location
}

func (d Deps) validate() error {
	switch {
	case d.Widget == nil:
		return errors.New("machine: widget is required")
	case d.Session == nil:
		return errors.New("machine: session store is required")
	case d.Nonce == nil:
		return errors.New("machine: nonce store is required")
	case d.API == nil:
		return errors.New("machine: api client is required")
	case d.Users == nil:
		return errors.New("machine: user sync is required")
	case d.Navigator == nil:
		return errors.New("machine: navigator is required")
	case d.Location == nil:
		return errors.New("machine: location is required")
	}
	return nil
}

// EventType names a session event.
type EventType string

const (
	EventAttempt EventType = "attempt"
	EventSuccess EventType = "success"
	EventFailure EventType = "failure"
	EventExpired EventType = "expired"
	EventLogout  EventType = "logout"
	EventLogin   EventType = "login"

	eventFlush EventType = "flush"
)

type event struct {
	typ EventType
	// credential is set on a Success dispatched with a credential.
	credential string
	// expiresAt is the expiration a Success reduces into the UIState.
	expiresAt int64
	err       error
	done      chan struct{}
}

// UIState is the reducer-owned view of the session.
type UIState struct {
	// ExpirationMillis is the credential expiration, or one of
	// credential.NotSetMillis and credential.ExpiredMillis.
	ExpirationMillis int64
	// IsAuthenticating is true between an attempt and its resolution.
	IsAuthenticating bool
}

// Phase is the lifecycle phase derived from a UIState.
type Phase int

const (
	Anonymous Phase = iota
	Checking
	Authenticated
	Unauthenticated
)

func (p Phase) String() string {
	switch p {
	case Anonymous:
		return "anonymous"
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// PhaseAt derives the phase of s at now.
func (s UIState) PhaseAt(now time.Time) Phase {
	switch {
	case s.IsAuthenticating:
		return Checking
	case s.ExpirationMillis == credential.NotSetMillis:
		return Anonymous
	case credential.HasExpiredAt(s.ExpirationMillis, now):
		return Unauthenticated
	default:
		return Authenticated
	}
}

func reduce(s UIState, ev event) UIState {
	switch ev.typ {
	case EventAttempt:
		s.IsAuthenticating = true
	case EventSuccess:
		s.ExpirationMillis = ev.expiresAt
		s.IsAuthenticating = false
	case EventFailure, EventExpired, EventLogout:
		s.ExpirationMillis = credential.ExpiredMillis
		s.IsAuthenticating = false
	}
	return s
}

// Machine is the session state machine.
type Machine struct {
	widget   Widget
	session  *session.Store
	nonce    *nonce.Store
	api      APIClient
	users    UserSync
	nav      Navigator
	location Location
	parser   *redirect.Parser

	baseURL         string
	redirectToLogin bool
	now             func() time.Time
	log             *slog.Logger
	registry        prometheus.Registerer
	metrics         *metrics

	attempting atomic.Bool
	running    atomic.Bool
	listenOnce sync.Once
	notify     chan struct{}

	mu            sync.Mutex
	queue         []event
	state         UIState
	subs          map[int]func(UIState)
	nextSub       int
	urlState      redirect.State
	initialized   bool
	pending       chan outcome
	correlationID string
	lastErr       error
}

// Option configures a Machine.
type Option func(*Machine)

// WithBaseURL sets the API base URL passed to the API client.
func WithBaseURL(u string) Option {
	return func(m *Machine) {
		m.baseURL = u
	}
}

// WithRedirectToLogin makes Check send unauthenticated users to the login
// page instead of attempting authentication in place.
func WithRedirectToLogin(v bool) Option {
	return func(m *Machine) {
		m.redirectToLogin = v
	}
}

// WithClock sets the clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.log = l
	}
}

// WithRegistry registers the machine's metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(m *Machine) {
		m.registry = reg
	}
}

// New returns a Machine. Call Initialize, then Run.
func New(d Deps, opts ...Option) (*Machine, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		widget:   d.Widget,
		session:  d.Session,
		nonce:    d.Nonce,
		api:      d.API,
		users:    d.Users,
		nav:      d.Navigator,
		location: d.Location,
		now:      time.Now,
		log:      slog.Default(),
		notify:   make(chan struct{}, 1),
		state:    UIState{ExpirationMillis: credential.NotSetMillis},
		subs:     map[int]func(UIState){},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.parser = redirect.NewParser(m.nav, redirect.WithLogger(m.log))
	m.metrics = newMetrics(m.registry, "authsession")
	return m, nil
}

// State returns the current UIState.
func (m *Machine) State() UIState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.State().PhaseAt(m.now())
}

// Subscribe calls fn with every new UIState. fn runs on the dispatching
// goroutine. The returned func cancels the subscription.
func (m *Machine) Subscribe(fn func(UIState)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Err returns the error of the last Failure, or nil if a Success or Logout
// has been dispatched since.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// CorrelationID returns the correlation id created by the last failure that
// carried a redirect target, or "".
func (m *Machine) CorrelationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.correlationID
}

// Attempt starts resuming a provider callback. It returns
// ErrAttemptInFlight if an earlier attempt has not resolved.
func (m *Machine) Attempt() error {
	if !m.attempting.CompareAndSwap(false, true) {
		return ErrAttemptInFlight
	}
	m.dispatch(event{typ: EventAttempt})
	return nil
}

// Success reports a valid session. cred is the credential to configure the
// API client with; if empty, the stored credential's expiration is used.
func (m *Machine) Success(cred string) {
	ev := event{typ: EventSuccess, credential: cred}
	if cred == "" {
		cred, _ = m.session.Credential(context.Background())
	}
	ev.expiresAt = credential.ExpirationMillis(cred)
	m.dispatch(ev)
}

// Failure reports a failed attempt.
func (m *Machine) Failure(err error) {
	m.dispatch(event{typ: EventFailure, err: err})
}

// Expired reports that the stored credential has expired.
func (m *Machine) Expired() {
	m.dispatch(event{typ: EventExpired})
}

// Logout ends the session and returns to the root path.
func (m *Machine) Logout() {
	m.dispatch(event{typ: EventLogout})
}

// Login navigates to the login path.
func (m *Machine) Login() {
	m.dispatch(event{typ: EventLogin})
}

func (m *Machine) dispatch(ev event) {
	m.mu.Lock()
	prev := m.state
	m.state = reduce(m.state, ev)
	st := m.state
	switch ev.typ {
	case EventFailure:
		m.lastErr = ev.err
	case EventSuccess, EventLogout:
		m.lastErr = nil
	}
	var subs []func(UIState)
	if st != prev {
		subs = make([]func(UIState), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.queue = append(m.queue, ev)
	m.metrics.pending.Set(float64(len(m.queue)))
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	for _, fn := range subs {
		fn(st)
	}
}

func (m *Machine) next() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = event{}
	m.queue = m.queue[1:]
	m.metrics.pending.Set(float64(len(m.queue)))
	return ev, true
}

// Flush blocks until every event dispatched before the call has been
// handled. Run must be running.
func (m *Machine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	m.dispatch(event{typ: eventFlush, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles events until ctx is done. Only one Run may be active.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)

	for {
		ev, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.notify:
			}
			continue
		}
		m.handle(ctx, ev)
	}
}

func (m *Machine) handle(ctx context.Context, ev event) {
	if ev.typ == eventFlush {
		close(ev.done)
		return
	}
	m.metrics.events.WithLabelValues(string(ev.typ)).Inc()
	m.log.DebugContext(ctx, "machine.event", slog.String("event", string(ev.typ)))

	switch ev.typ {
	case EventAttempt:
		m.onAttempt(ctx)
	case EventSuccess:
		m.onSuccess(ctx, ev)
	case EventFailure:
		m.onFailure(ctx, ev)
	case EventExpired:
		m.onExpired(ctx)
	case EventLogout:
		m.onLogout(ctx)
	case EventLogin:
		m.nav.Push(redirect.LoginPath)
	}
}
