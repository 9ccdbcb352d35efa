package middleware

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mnehpets/authsession/apiclient"
	"github.com/mnehpets/authsession/endpoint"
	"github.com/mnehpets/authsession/session"
)

// Headers sets the response headers of a session API and answers CORS
// preflight requests.
//
// Responses are never cached and never framed. Cross-origin requests are
// allowed, with credentials, from the listed origins and from any https
// origin on the site given to WithSiteOrigins, which is how an app on
// app.example.com reaches an API on api.example.com.
type Headers struct {
	// HSTS is the Strict-Transport-Security max-age. Zero disables it.
	HSTS time.Duration
	// Origins are allowed exactly, e.g. "https://app.example.com".
	Origins []string
	// Site is a cookie domain as returned by session.CookieDomain. Empty
	// disables site matching.
	Site string
	// PreflightMaxAge is how long browsers may cache a preflight answer.
	PreflightMaxAge time.Duration
}

// HeadersOption configures Headers.
type HeadersOption func(*Headers)

// WithHSTS sets the HSTS max-age. Zero disables the header.
func WithHSTS(maxAge time.Duration) HeadersOption {
	return func(h *Headers) {
		h.HSTS = maxAge
	}
}

// WithOrigins allows cross-origin requests from origins.
func WithOrigins(origins ...string) HeadersOption {
	return func(h *Headers) {
		h.Origins = append(h.Origins, origins...)
	}
}

// WithSiteOrigins allows cross-origin requests from https origins that share
// the cookie domain of host.
func WithSiteOrigins(host string) HeadersOption {
	return func(h *Headers) {
		h.Site = session.CookieDomain(host)
	}
}

// NewHeaders returns Headers with a one year HSTS and a ten minute preflight
// cache.
func NewHeaders(opts ...HeadersOption) *Headers {
	h := &Headers{
		HSTS:            365 * 24 * time.Hour,
		PreflightMaxAge: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Accept", "Content-Type", "Authorization", apiclient.CSRFHeader}, ", ")
)

// Process implements endpoint.Processor.
func (h *Headers) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	hdr := w.Header()
	if h.HSTS > 0 {
		hdr.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(int(h.HSTS.Seconds()))+"; includeSubDomains")
	}
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Referrer-Policy", "no-referrer")
	hdr.Set("X-Frame-Options", "DENY")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	hdr.Set("Cross-Origin-Resource-Policy", "same-site")

	origin := r.Header.Get("Origin")
	if origin == "" {
		return next(w, r)
	}
	hdr.Add("Vary", "Origin")
	if !h.allowed(origin) {
		return next(w, r)
	}

	hdr.Set("Access-Control-Allow-Origin", origin)
	hdr.Set("Access-Control-Allow-Credentials", "true")
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		hdr.Set("Access-Control-Allow-Methods", corsMethods)
		hdr.Set("Access-Control-Allow-Headers", corsHeaders)
		if h.PreflightMaxAge > 0 {
			hdr.Set("Access-Control-Max-Age", strconv.Itoa(int(h.PreflightMaxAge.Seconds())))
		}
		return &endpoint.Error{Status: http.StatusNoContent}
	}
	return next(w, r)
}

// allowed never matches "*": credentialed requests need an explicit origin.
func (h *Headers) allowed(origin string) bool {
	if slices.Contains(h.Origins, origin) {
		return true
	}
	if h.Site == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || u.Path != "" {
		return false
	}
	host := u.Hostname()
	if h.Site == "localhost" {
		return host == "localhost"
	}
	if u.Scheme != "https" {
		return false
	}
	return "."+host == h.Site || strings.HasSuffix(host, h.Site)
}

var _ endpoint.Processor = (*Headers)(nil)
