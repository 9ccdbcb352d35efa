// Package sealedfile is a storage.Backend that keeps local items and cookies
// in a single encrypted file, for hosts without a browser such as the
// authsession CLI.
//
// Every write re-seals the whole snapshot and atomically replaces the file.
package sealedfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/authsession/storage"
)

// ErrCorrupt is returned by reads when the file exists but cannot be opened
// or decoded. The next write replaces the corrupt file.
var ErrCorrupt = errors.New("sealedfile: corrupt store")

// snapshot is the sealed file payload.
type snapshot struct {
	Items   map[string]string               `cbor:"1,keyasint,omitempty"`
	Cookies map[string]storage.CookieRecord `cbor:"2,keyasint,omitempty"`
}

// Store is a file-backed storage.Backend.
type Store struct {
	mu    sync.Mutex
	path  string
	codec *Codec
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for cookie expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New returns a Store persisting to path, sealed with codec.
func New(path string, codec *Codec, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sealedfile: path must not be empty")
	}
	if codec == nil {
		return nil, ErrSealedConfig
	}
	s := &Store{
		path:  path,
		codec: codec,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// aad binds the sealed content to the file it was written to.
func (s *Store) aad() []byte {
	return []byte("sealedfile:" + filepath.Base(s.path))
}

// load reads the snapshot. A missing file is an empty snapshot.
func (s *Store) load() (*snapshot, error) {
	snap := &snapshot{Items: map[string]string{}, Cookies: map[string]storage.CookieRecord{}}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("sealedfile: read %s: %w", s.path, err)
	}
	plain, err := s.codec.Open(strings.TrimSpace(string(b)), s.aad())
	if err != nil {
		return snap, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := cbor.Unmarshal(plain, snap); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Items == nil {
		snap.Items = map[string]string{}
	}
	if snap.Cookies == nil {
		snap.Cookies = map[string]storage.CookieRecord{}
	}
	return snap, nil
}

// loadForWrite is load, except a corrupt file yields an empty snapshot.
func (s *Store) loadForWrite() (*snapshot, error) {
	snap, err := s.load()
	if errors.Is(err, ErrCorrupt) {
		s.log.Warn("sealedfile.load.corrupt", slog.String("path", s.path), slog.String("err", err.Error()))
		return snap, nil
	}
	return snap, err
}

func (s *Store) save(snap *snapshot) error {
	plain, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	sealed, err := s.codec.Seal(plain, s.aad())
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(sealed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// update applies fn to the current snapshot and persists the result.
func (s *Store) update(fn func(*snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.loadForWrite()
	if err != nil {
		return err
	}
	fn(snap)
	return s.save(snap)
}

func (s *Store) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := snap.Items[key]
	return v, ok, nil
}

func (s *Store) SetItem(_ context.Context, key, value string) error {
	return s.update(func(snap *snapshot) {
		snap.Items[key] = value
	})
}

func (s *Store) RemoveItem(_ context.Context, key string) error {
	return s.update(func(snap *snapshot) {
		delete(snap.Items, key)
	})
}

func (s *Store) Cookie(_ context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load()
	if err != nil {
		return "", false, err
	}
	rec, ok := snap.Cookies[name]
	if !ok || rec.Expired(s.now()) {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (s *Store) SetCookie(_ context.Context, c *http.Cookie) error {
	now := s.now()
	return s.update(func(snap *snapshot) {
		rec := storage.RecordFromCookie(c, now)
		if rec.Expired(now) {
			delete(snap.Cookies, c.Name)
			return
		}
		snap.Cookies[c.Name] = rec
	})
}

func (s *Store) RemoveCookie(_ context.Context, name, domain, path string) error {
	return s.update(func(snap *snapshot) {
		if rec, ok := snap.Cookies[name]; ok && rec.Matches(domain, path) {
			delete(snap.Cookies, name)
		}
	})
}

var _ storage.Backend = (*Store)(nil)
