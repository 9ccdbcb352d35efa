package storage

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Memory is an in-process Backend.
type Memory struct {
	mu      sync.Mutex
	items   map[string]string
	cookies map[string]CookieRecord

	now func() time.Time
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock sets the clock used for cookie expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory returns an empty Memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items:   map[string]string{},
		cookies: map[string]CookieRecord{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Cookie(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cookies[name]
	if !ok {
		return "", false, nil
	}
	if rec.Expired(m.now()) {
		delete(m.cookies, name)
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (m *Memory) SetCookie(_ context.Context, c *http.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec := RecordFromCookie(c, now)
	if rec.Expired(now) {
		delete(m.cookies, c.Name)
		return nil
	}
	m.cookies[c.Name] = rec
	return nil
}

func (m *Memory) RemoveCookie(_ context.Context, name, domain, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.cookies[name]; ok && rec.Matches(domain, path) {
		delete(m.cookies, name)
	}
	return nil
}

// CookieRecord returns the stored record for name, including attributes.
func (m *Memory) CookieRecord(name string) (CookieRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cookies[name]
	return rec, ok
}

// Len returns the number of local items and cookies held.
func (m *Memory) Len() (items, cookies int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), len(m.cookies)
}

var _ Backend = (*Memory)(nil)
