// Package httpjar adapts one HTTP request/response pair to storage.Cookies,
// so a server can drive a session on behalf of the user agent that sent the
// request.
//
// Reads see cookies set earlier on the same response before falling back to
// the request.
package httpjar

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mnehpets/authsession/storage"
)

// Jar implements storage.Cookies for a single request.
type Jar struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	r   *http.Request
	set map[string]storage.CookieRecord
	now func() time.Time
}

// New returns a Jar reading from r and writing Set-Cookie headers to w.
func New(w http.ResponseWriter, r *http.Request) *Jar {
	return &Jar{
		w:   w,
		r:   r,
		set: map[string]storage.CookieRecord{},
		now: time.Now,
	}
}

func (j *Jar) Cookie(_ context.Context, name string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if rec, ok := j.set[name]; ok {
		if rec.Expired(j.now()) {
			return "", false, nil
		}
		return rec.Value, true, nil
	}
	c, err := j.r.Cookie(name)
	if err != nil {
		return "", false, nil
	}
	return c.Value, true, nil
}

func (j *Jar) SetCookie(_ context.Context, c *http.Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := *c
	if out.Path == "" {
		out.Path = "/"
	}
	http.SetCookie(j.w, &out)
	j.set[c.Name] = storage.RecordFromCookie(&out, j.now())
	return nil
}

// RemoveCookie writes a clearing cookie. Request cookies carry no domain or
// path, so the deletion is always issued with the given attributes.
func (j *Jar) RemoveCookie(ctx context.Context, name, domain, path string) error {
	if path == "" {
		path = "/"
	}
	return j.SetCookie(ctx, &http.Cookie{
		Name:    name,
		Domain:  domain,
		Path:    path,
		Value:   "",
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
}

var _ storage.Cookies = (*Jar)(nil)
