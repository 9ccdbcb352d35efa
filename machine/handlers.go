package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/nonce"
	"github.com/mnehpets/authsession/provider"
	"github.com/mnehpets/authsession/redirect"
	"github.com/mnehpets/authsession/session"
)

type outcome struct {
	info *session.AuthInfo
	err  error
}

// Initialize registers the widget listeners, parses the current location
// (cleaning a provider callback out of it) and clears a stored credential
// that is missing, malformed or expired. It may be called again to re-read
// the location; listeners are registered once.
func (m *Machine) Initialize(ctx context.Context) error {
	m.listenOnce.Do(m.listen)

	st := m.parser.Parse(m.location.Href())
	m.mu.Lock()
	m.urlState = st
	m.initialized = true
	m.mu.Unlock()

	cred, ok := m.session.Credential(ctx)
	if ok && !credential.HasExpiredAt(cred, m.now()) {
		return nil
	}
	if ok {
		m.log.InfoContext(ctx, "machine.init.expired")
	}
	return m.session.Clear(ctx)
}

func (m *Machine) listen() {
	m.widget.On(provider.EventAuthorizationError, func(_ *session.AuthInfo, err error) {
		m.resolve(outcome{err: &CallbackError{Kind: KindAuthorization, Event: string(provider.EventAuthorizationError), Cause: err}})
	})
	m.widget.On(provider.EventUnrecoverableError, func(_ *session.AuthInfo, err error) {
		m.resolve(outcome{err: &CallbackError{Kind: KindUnrecoverable, Event: string(provider.EventUnrecoverableError), Cause: err}})
	})
	m.widget.On(provider.EventAuthenticated, func(info *session.AuthInfo, _ error) {
		if err := m.checkInfo(info, provider.EventAuthenticated); err != nil {
			m.resolve(outcome{err: err})
			return
		}
		m.resolve(outcome{info: info})
	})
	// hash_parsed only settles an attempt early, when the fragment is
	// already unusable. Success waits for authenticated.
	m.widget.On(provider.EventHashParsed, func(info *session.AuthInfo, _ error) {
		if err := m.checkInfo(info, provider.EventHashParsed); err != nil {
			m.resolve(outcome{err: err})
		}
	})
}

func (m *Machine) checkInfo(info *session.AuthInfo, ev provider.Event) error {
	if info == nil || info.AccessToken == "" || info.IDToken == "" {
		return &CallbackError{Kind: KindAuthInfoMissing, Event: string(ev)}
	}
	if credential.HasExpiredAt(info.IDToken, m.now()) {
		return &CallbackError{Kind: KindTokenExpired, Event: string(ev)}
	}
	return nil
}

// resolve settles the pending attempt with the first outcome it receives.
func (m *Machine) resolve(o outcome) {
	m.mu.Lock()
	ch := m.pending
	m.mu.Unlock()
	if ch == nil {
		m.log.Debug("machine.widget.unsolicited")
		return
	}
	select {
	case ch <- o:
	default:
	}
}

// authenticate resumes the parsed callback through the widget and waits for
// it to settle.
func (m *Machine) authenticate(ctx context.Context) (*session.AuthInfo, error) {
	m.mu.Lock()
	st, initialized := m.urlState, m.initialized
	m.mu.Unlock()
	if !initialized {
		return nil, &CallbackError{Kind: KindNotInitialized}
	}
	if !st.IsCallback() {
		return nil, &CallbackError{Kind: KindNoCallback}
	}

	ch := make(chan outcome, 1)
	m.mu.Lock()
	m.pending = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
	}()

	m.widget.ResumeAuth(ctx, st.Fragment)

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		// The callback is consumed; a later attempt needs a new one.
		m.mu.Lock()
		m.urlState.Fragment = ""
		m.mu.Unlock()
		return o.info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Machine) configureAPI(ctx context.Context, cred string) {
	csrf, _ := m.session.CSRFToken(ctx)
	m.api.Configure(apiclient.Settings{
		AuthToken: cred,
		BaseURL:   m.baseURL,
		CSRFToken: csrf,
	})
}

func (m *Machine) onAttempt(ctx context.Context) {
	info, err := m.authenticate(ctx)
	if err == nil {
		// The session must be stored and the API client configured before
		// Success is dispatched, so subscribers see a usable session.
		err = m.session.Save(ctx, info)
	}
	if err == nil {
		m.configureAPI(ctx, info.IDToken)
		if err = m.users.SyncUser(ctx); err != nil {
			err = fmt.Errorf("sync user: %w", err)
		}
	}
	target := m.resolveCorrelation(ctx, info)
	m.attempting.Store(false)

	if err != nil {
		m.log.ErrorContext(ctx, "machine.attempt.fail", slog.String("err", err.Error()))
		m.metrics.attempts.WithLabelValues("failure").Inc()
		m.dispatch(event{typ: EventFailure, err: err})
		m.widget.Show()
		return
	}

	m.log.InfoContext(ctx, "machine.attempt.success")
	m.metrics.attempts.WithLabelValues("success").Inc()
	m.dispatch(event{typ: EventSuccess, expiresAt: credential.ExpirationMillis(info.IDToken)})
	if target != "" {
		m.nav.Push(redirect.LocalPath(target))
	}
}

// resolveCorrelation returns the redirect target saved for the attempt's
// correlation id and clears the entry. The id is the state echoed by the
// provider, falling back to the one parsed from the location.
func (m *Machine) resolveCorrelation(ctx context.Context, info *session.AuthInfo) string {
	var id string
	if info != nil {
		id = info.State
	}
	if id == "" {
		m.mu.Lock()
		id = m.urlState.CorrelationID
		m.mu.Unlock()
	}
	if id == "" {
		return ""
	}
	e, ok := m.nonce.Retrieve(ctx, id)
	if !ok {
		return ""
	}
	if err := m.nonce.Clear(ctx); err != nil {
		m.log.ErrorContext(ctx, "machine.nonce.clear.fail", slog.String("err", err.Error()))
	}
	return e.RedirectURL
}

func (m *Machine) onSuccess(ctx context.Context, ev event) {
	if ev.credential == "" {
		return
	}
	m.configureAPI(ctx, ev.credential)
}

func (m *Machine) clear(ctx context.Context) {
	if err := m.session.Clear(ctx); err != nil {
		m.log.ErrorContext(ctx, "machine.session.clear.fail", slog.String("err", err.Error()))
	}
}

func (m *Machine) onExpired(ctx context.Context) {
	m.clear(ctx)
}

// onFailure clears the session. If the location names a page to return to,
// a correlation entry is saved for the next attempt.
func (m *Machine) onFailure(ctx context.Context, ev event) {
	if ev.err != nil {
		m.log.WarnContext(ctx, "machine.failure", slog.String("err", ev.err.Error()))
	}
	m.clear(ctx)

	target := redirect.Parse(m.location.Href()).RedirectURL
	if target == "" {
		return
	}
	id, err := nonce.NewCorrelationID()
	if err != nil {
		m.log.ErrorContext(ctx, "machine.nonce.generate.fail", slog.String("err", err.Error()))
		return
	}
	if err := m.nonce.Save(ctx, id, nonce.Entry{RedirectURL: target}); err != nil {
		m.log.ErrorContext(ctx, "machine.nonce.save.fail", slog.String("err", err.Error()))
		return
	}
	m.mu.Lock()
	m.correlationID = id
	m.mu.Unlock()
	if s, ok := m.widget.(StateSetter); ok {
		s.SetState(id)
	}
}

func (m *Machine) onLogout(ctx context.Context) {
	m.clear(ctx)
	m.nav.Push(redirect.RootPath)
}

// Decision is the outcome of Check.
type Decision int

const (
	// DecisionAuthenticated: a valid credential is stored.
	DecisionAuthenticated Decision = iota + 1
	// DecisionAttempt: an attempt was dispatched or is already in flight.
	DecisionAttempt
	// DecisionRedirect: the location was replaced with the login page.
	DecisionRedirect
)

func (d Decision) String() string {
	switch d {
	case DecisionAuthenticated:
		return "authenticated"
	case DecisionAttempt:
		return "attempt"
	case DecisionRedirect:
		return "redirect"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Check decides what a protected page does on entry:
//
//   - a valid stored credential hides the widget and dispatches Success
//   - otherwise, an expired stored credential dispatches Expired, then an
//     attempt is dispatched if the location carries a callback or the
//     machine does not redirect to login
//   - otherwise the location is replaced with the login page, which returns
//     to the current location after login
func (m *Machine) Check(ctx context.Context) (Decision, error) {
	cred, ok := m.session.Credential(ctx)
	if ok && !credential.HasExpiredAt(cred, m.now()) {
		m.widget.Hide()
		m.Success(cred)
		return DecisionAuthenticated, nil
	}
	if ok && m.State().ExpirationMillis != credential.ExpiredMillis {
		m.Expired()
	}

	m.mu.Lock()
	callback := m.urlState.IsCallback()
	m.mu.Unlock()

	if !m.redirectToLogin || callback {
		if err := m.Attempt(); err != nil && !errors.Is(err, ErrAttemptInFlight) {
			return DecisionAttempt, err
		}
		return DecisionAttempt, nil
	}
	if m.attempting.Load() {
		return DecisionAttempt, nil
	}

	href := m.location.Href()
	m.nav.Replace(redirect.LoginRedirectURL(redirect.Origin(href), href))
	return DecisionRedirect, nil
}
