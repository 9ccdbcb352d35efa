package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/authsession/credential/credentialtest"
	"github.com/mnehpets/authsession/session"
)

type recorded struct {
	event Event
	info  *session.AuthInfo
	err   error
}

func record(l *Lock) *[]recorded {
	var got []recorded
	for _, ev := range []Event{EventHashParsed, EventAuthenticated, EventAuthorizationError, EventUnrecoverableError} {
		l.On(ev, func(info *session.AuthInfo, err error) {
			got = append(got, recorded{ev, info, err})
		})
	}
	return &got
}

func TestLoginURL(t *testing.T) {
	l := New("client-1", "tenant.auth0.com",
		WithRedirectURL("https://app.example.com/login/"),
		WithScopes("openid", "email"),
	)
	u, err := url.Parse(l.LoginURL("state-1", "nonce-1"))
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	if u.Host != "tenant.auth0.com" || u.Path != "/authorize" {
		t.Errorf("authorize endpoint: got %s%s", u.Host, u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"client_id":     "client-1",
		"response_type": "token id_token",
		"redirect_uri":  "https://app.example.com/login/",
		"scope":         "openid email",
		"state":         "state-1",
		"nonce":         "nonce-1",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s: got %q want %q", k, got, v)
		}
	}
}

func TestLoginURL_DefaultScopes(t *testing.T) {
	l := New("client-1", "tenant.auth0.com")
	u, _ := url.Parse(l.LoginURL("s", ""))
	if got, want := u.Query().Get("scope"), strings.Join(DefaultScopes, " "); got != want {
		t.Errorf("scope: got %q want %q", got, want)
	}
	if u.Query().Has("nonce") {
		t.Errorf("nonce sent without one being given")
	}
}

func TestLoginURL_SetState(t *testing.T) {
	l := New("client-1", "tenant.auth0.com")
	l.SetState("corr-1")
	u, _ := url.Parse(l.LoginURL("", "n"))
	if got := u.Query().Get("state"); got != "corr-1" {
		t.Errorf("state: got %q want corr-1", got)
	}
	u, _ = url.Parse(l.LoginURL("explicit", "n"))
	if got := u.Query().Get("state"); got != "explicit" {
		t.Errorf("state: got %q want explicit", got)
	}
}

func TestShowHide(t *testing.T) {
	l := New("c", "d")
	if l.Visible() {
		t.Fatalf("new Lock is visible")
	}
	l.Show()
	if !l.Visible() {
		t.Fatalf("Show: not visible")
	}
	l.Hide()
	if l.Visible() {
		t.Fatalf("Hide: still visible")
	}
}

func TestResumeAuth_Tokens(t *testing.T) {
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, time.Hour, map[string]any{"name": "Jane"})
	l := New("c", "d")
	got := record(l)

	l.ResumeAuth(context.Background(), "#access_token=at&id_token="+cred+"&state=corr-1&token_type=Bearer")

	if len(*got) != 2 {
		t.Fatalf("events: got %d want 2 (%+v)", len(*got), *got)
	}
	if (*got)[0].event != EventHashParsed || (*got)[1].event != EventAuthenticated {
		t.Fatalf("event order: got %s, %s", (*got)[0].event, (*got)[1].event)
	}
	info := (*got)[1].info
	if info.AccessToken != "at" || info.IDToken != cred || info.State != "corr-1" {
		t.Errorf("AuthInfo: got %+v", info)
	}
	if info.IDTokenPayload["name"] != "Jane" {
		t.Errorf("payload name: got %v", info.IDTokenPayload["name"])
	}
}

func TestResumeAuth_HashHistoryPrefix(t *testing.T) {
	cred := credentialtest.NewMinter(t).MintExpiringIn(t, time.Hour, nil)
	l := New("c", "d")
	got := record(l)

	l.ResumeAuth(context.Background(), "/access_token=at&id_token="+cred)
	if len(*got) != 2 || (*got)[1].event != EventAuthenticated {
		t.Fatalf("events: got %+v", *got)
	}
}

func TestResumeAuth_ProviderError(t *testing.T) {
	l := New("c", "d")
	got := record(l)

	l.ResumeAuth(context.Background(), "error=access_denied&error_description=user+denied")
	if len(*got) != 1 || (*got)[0].event != EventAuthorizationError {
		t.Fatalf("events: got %+v", *got)
	}
	var perr *ProviderError
	if !errors.As((*got)[0].err, &perr) {
		t.Fatalf("error: got %T want *ProviderError", (*got)[0].err)
	}
	if perr.Code != "access_denied" || perr.Description != "user denied" {
		t.Errorf("ProviderError: got %+v", perr)
	}
}

func TestResumeAuth_NoTokens(t *testing.T) {
	l := New("c", "d")
	got := record(l)

	l.ResumeAuth(context.Background(), "access_token=at")
	if len(*got) != 1 || (*got)[0].event != EventHashParsed || (*got)[0].info != nil {
		t.Fatalf("events: got %+v", *got)
	}
}

func TestResumeAuth_Unrecoverable(t *testing.T) {
	tests := map[string]string{
		"bad escape":   "access_token=%zz",
		"bad id token": "access_token=at&id_token=garbage",
	}
	for name, frag := range tests {
		t.Run(name, func(t *testing.T) {
			l := New("c", "d")
			got := record(l)
			l.ResumeAuth(context.Background(), frag)
			if len(*got) != 1 || (*got)[0].event != EventUnrecoverableError || (*got)[0].err == nil {
				t.Fatalf("events: got %+v", *got)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		issuer := srv.URL
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                                issuer,
			"jwks_uri":                              issuer + "/keys",
			"authorization_endpoint":                issuer + "/auth",
			"token_endpoint":                        issuer + "/token",
			"response_types_supported":              []string{"token id_token"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"ES256"},
		})
	}))
	defer srv.Close()

	l, err := Discover(context.Background(), "client-1", srv.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	u, _ := url.Parse(l.LoginURL("s", "n"))
	if got, want := u.Scheme+"://"+u.Host+u.Path, srv.URL+"/auth"; got != want {
		t.Errorf("authorize endpoint: got %q want %q", got, want)
	}
	if l.ClientID() != "client-1" {
		t.Errorf("ClientID: got %q", l.ClientID())
	}
	if want := strings.TrimPrefix(srv.URL, "http://"); l.Domain() != want {
		t.Errorf("Domain: got %q want %q", l.Domain(), want)
	}
}

func TestDiscover_Error(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := Discover(context.Background(), "c", srv.URL); err == nil {
		t.Fatalf("Discover against a server without discovery: expected error")
	}
}
