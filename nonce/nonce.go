// Package nonce correlates a redirect round trip with the page state to
// restore once it completes.
//
// The store holds a single slot: saving an entry replaces whatever was there,
// so at most one correlation is live at a time.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/mnehpets/authsession/storage"
)

// StorageKey is the local storage key of the correlation slot.
const StorageKey = "auth0_nonce_state"

// correlationLength is the number of random bytes in a correlation id.
const correlationLength = 32

// Entry is the page state restored after a round trip.
type Entry struct {
	RedirectURL string `json:"redirectUrl"`
}

// slot is the stored blob: a single-entry map keyed by correlation id.
type slot map[string]Entry

// NewCorrelationID returns a random, URL-safe correlation id.
func NewCorrelationID() (string, error) {
	b := make([]byte, correlationLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Store persists the correlation slot.
type Store struct {
	local storage.Local
	log   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// NewStore returns a Store persisting to local.
func NewStore(local storage.Local, opts ...Option) *Store {
	s := &Store{
		local: local,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save replaces the slot with an entry for id. A blank id is ignored.
func (s *Store) Save(ctx context.Context, id string, e Entry) error {
	if id == "" {
		return nil
	}
	b, err := json.Marshal(slot{id: e})
	if err != nil {
		return err
	}
	return s.local.SetItem(ctx, StorageKey, string(b))
}

// Retrieve returns the entry saved for id. It reports false if the slot is
// empty, unreadable, or holds an entry for a different id.
func (s *Store) Retrieve(ctx context.Context, id string) (Entry, bool) {
	if id == "" {
		return Entry{}, false
	}
	v, ok, err := s.local.GetItem(ctx, StorageKey)
	if err != nil {
		s.log.DebugContext(ctx, "nonce.retrieve.read.fail", slog.String("err", err.Error()))
		return Entry{}, false
	}
	if !ok || v == "" {
		return Entry{}, false
	}
	var sl slot
	if err := json.Unmarshal([]byte(v), &sl); err != nil {
		s.log.DebugContext(ctx, "nonce.retrieve.parse.fail", slog.String("err", err.Error()))
		return Entry{}, false
	}
	e, ok := sl[id]
	return e, ok
}

// Clear empties the slot.
func (s *Store) Clear(ctx context.Context) error {
	return s.local.RemoveItem(ctx, StorageKey)
}
