// Package storage defines the persistence surface used by the session and
// nonce stores: a string key/value store with local-storage semantics and a
// cookie jar with domain/path attributes.
//
// Backends live in subpackages (sealedfile, redisstore, httpjar); Memory in
// this package serves tests and single-process hosts.
package storage

import (
	"context"
	"net/http"
	"time"
)

// Local is a string key/value store.
//
// GetItem returns ok == false and a nil error when the key is absent. Errors
// are reserved for failures of the backend itself.
type Local interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Cookies is a cookie jar.
//
// RemoveCookie only removes a cookie that was set with the same domain and
// path, mirroring how user agents match cookie deletions.
type Cookies interface {
	Cookie(ctx context.Context, name string) (value string, ok bool, err error)
	SetCookie(ctx context.Context, c *http.Cookie) error
	RemoveCookie(ctx context.Context, name, domain, path string) error
}

// Backend is the combination of Local and Cookies.
type Backend interface {
	Local
	Cookies
}

// CookieRecord is the serializable form of a stored cookie.
type CookieRecord struct {
	Name     string        `cbor:"1,keyasint" json:"name"`
	Value    string        `cbor:"2,keyasint" json:"value"`
	Domain   string        `cbor:"3,keyasint,omitempty" json:"domain,omitempty"`
	Path     string        `cbor:"4,keyasint,omitempty" json:"path,omitempty"`
	Expires  time.Time     `cbor:"5,keyasint,omitempty" json:"expires,omitempty"`
	Secure   bool          `cbor:"6,keyasint,omitempty" json:"secure,omitempty"`
	SameSite http.SameSite `cbor:"7,keyasint,omitempty" json:"sameSite,omitempty"`
}

// RecordFromCookie converts c, resolving MaxAge into an absolute expiry.
func RecordFromCookie(c *http.Cookie, now time.Time) CookieRecord {
	rec := CookieRecord{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}
	if rec.Path == "" {
		rec.Path = "/"
	}
	switch {
	case c.MaxAge > 0:
		rec.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	case c.MaxAge < 0:
		rec.Expires = time.Unix(0, 0)
	}
	return rec
}

// Expired reports whether the record is no longer visible at now. A record
// is still visible at the instant of its expiry, matching
// credential.HasExpiredAt. Session cookies (zero Expires) never expire.
func (r CookieRecord) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && now.After(r.Expires)
}

// Matches reports whether a deletion for domain and path applies to r.
func (r CookieRecord) Matches(domain, path string) bool {
	if path == "" {
		path = "/"
	}
	return r.Domain == domain && r.Path == path
}
