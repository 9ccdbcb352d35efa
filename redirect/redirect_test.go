package redirect

import (
	"net/url"
	"testing"
)

type recordingNavigator struct {
	replaced []string
}

func (n *recordingNavigator) Replace(u string) {
	n.replaced = append(n.replaced, u)
}

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		href string
		want State
	}{
		{
			name: "plain",
			href: "https://app.example.com/home",
			want: State{},
		},
		{
			name: "callback",
			href: "https://app.example.com/home#access_token=a&id_token=b&state=s1",
			want: State{Fragment: "access_token=a&id_token=b&state=s1", CorrelationID: "s1"},
		},
		{
			name: "only access token",
			href: "https://app.example.com/#access_token=a",
			want: State{},
		},
		{
			name: "only id token",
			href: "https://app.example.com/#id_token=b",
			want: State{},
		},
		{
			name: "last hash wins",
			href: "https://app.example.com/#/route#access_token=a&id_token=b",
			want: State{Fragment: "access_token=a&id_token=b"},
		},
		{
			name: "query parameters",
			href: "https://app.example.com/login/?redirectUrl=" + url.QueryEscape("https://app.example.com/x?y=1") + "&state=q1",
			want: State{RedirectURL: "https://app.example.com/x?y=1", CorrelationID: "q1"},
		},
		{
			name: "query state wins over fragment state",
			href: "https://app.example.com/?state=q1#access_token=a&id_token=b&state=f1",
			want: State{Fragment: "access_token=a&id_token=b&state=f1", CorrelationID: "q1"},
		},
		{
			name: "unrelated fragment with both markers",
			href: "https://app.example.com/#/notes?q=access_token=,id_token=",
			want: State{Fragment: "/notes?q=access_token=,id_token="},
		},
		{
			name: "empty",
			href: "",
			want: State{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Parse(tc.href); got != tc.want {
				t.Fatalf("Parse(%q): got %+v want %+v", tc.href, got, tc.want)
			}
		})
	}
}

func TestParser_ReplacesCallbackOnce(t *testing.T) {
	nav := &recordingNavigator{}
	p := NewParser(nav)

	s := p.Parse("https://app.example.com/some/page#access_token=a&id_token=b")
	if !s.IsCallback() {
		t.Fatalf("expected callback")
	}
	if len(nav.replaced) != 1 {
		t.Fatalf("replace count: got %d want 1", len(nav.replaced))
	}
	if got, want := nav.replaced[0], "https://app.example.com/login/"; got != want {
		t.Fatalf("replaced with %q want %q", got, want)
	}

	// Parsing the clean URL is a no-op.
	s = p.Parse(nav.replaced[0])
	if s.IsCallback() {
		t.Fatalf("clean URL reported as callback")
	}
	if len(nav.replaced) != 1 {
		t.Fatalf("replace count after second parse: got %d want 1", len(nav.replaced))
	}
}

func TestParser_NoReplaceForPartialCallback(t *testing.T) {
	nav := &recordingNavigator{}
	p := NewParser(nav)
	for _, href := range []string{
		"https://app.example.com/#access_token=a",
		"https://app.example.com/#id_token=b",
		"https://app.example.com/?access_token=a&id_token=b",
	} {
		if p.Parse(href).IsCallback() {
			t.Errorf("Parse(%q): unexpected callback", href)
		}
	}
	if len(nav.replaced) != 0 {
		t.Fatalf("unexpected replace: %v", nav.replaced)
	}
}

func TestLoginRedirectURL(t *testing.T) {
	got := LoginRedirectURL("https://app.example.com", "https://app.example.com/x?y=1")
	want := "https://app.example.com/login/?redirectUrl=https%3A%2F%2Fapp.example.com%2Fx%3Fy%3D1"
	if got != want {
		t.Fatalf("LoginRedirectURL: got %q want %q", got, want)
	}
	if s := Parse(got); s.RedirectURL != "https://app.example.com/x?y=1" {
		t.Fatalf("round trip: got %q", s.RedirectURL)
	}
}

func TestLocalPath(t *testing.T) {
	cases := map[string]string{
		"https://example.com/x":       "/x",
		"https://EXAMPLE.com/x?y=1#z": "/x?y=1#z",
		"https://example.com":         "/",
		"https://evil.com/x":          "/x",
		"http://example.com/x":        "/x",
		"//evil.com/x":                "/x",
		"/dashboard":                  "/dashboard",
		"dashboard":                   "/",
		"":                            "/",
		"javascript:alert(1)":         "/",
		"ftp://example.com/x":         "/",
	}
	for target, want := range cases {
		if got := LocalPath(target); got != want {
			t.Errorf("LocalPath(%q): got %q want %q", target, got, want)
		}
	}
}

func TestOriginAndHostname(t *testing.T) {
	if got := Origin("https://app.example.com:8443/a?b#c"); got != "https://app.example.com:8443" {
		t.Errorf("Origin: got %q", got)
	}
	if got := Origin("/relative"); got != "" {
		t.Errorf("Origin(relative): got %q", got)
	}
	if got := Hostname("http://localhost:3000/"); got != "localhost" {
		t.Errorf("Hostname: got %q", got)
	}
}
