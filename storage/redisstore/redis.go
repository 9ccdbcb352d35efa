// Package redisstore is a Redis-backed storage.Backend. Each store is scoped
// to a namespace, typically one user agent, so a server can hold many
// sessions in one Redis database.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/authsession/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "authsession:"

// Config configures a Store.
type Config struct {
	// Client is the Redis client. Required.
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key. Default: DefaultKeyPrefix.
	KeyPrefix string

	// Namespace scopes the keys of this store. Required.
	Namespace string

	// Now is the clock used for cookie expiry. Default: time.Now.
	Now func() time.Time
}

// Store implements storage.Backend on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	namespace string
	now       func() time.Time
}

// New returns a Store for cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		namespace: cfg.Namespace,
		now:       cfg.Now,
	}, nil
}

func (s *Store) itemKey(key string) string {
	return s.keyPrefix + s.namespace + ":local:" + key
}

func (s *Store) cookieKey(name string) string {
	return s.keyPrefix + s.namespace + ":cookie:" + name
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.itemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.itemKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.itemKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, name string) (storage.CookieRecord, bool, error) {
	var rec storage.CookieRecord
	b, err := s.client.Get(ctx, s.cookieKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("failed to get cookie %s: %w", name, err)
	}
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return rec, false, fmt.Errorf("failed to decode cookie %s: %w", name, err)
	}
	return rec, true, nil
}

func (s *Store) Cookie(ctx context.Context, name string) (string, bool, error) {
	rec, ok, err := s.record(ctx, name)
	if err != nil || !ok {
		return "", false, err
	}
	if rec.Expired(s.now()) {
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (s *Store) SetCookie(ctx context.Context, c *http.Cookie) error {
	now := s.now()
	rec := storage.RecordFromCookie(c, now)
	if rec.Expired(now) {
		return s.client.Del(ctx, s.cookieKey(c.Name)).Err()
	}
	b, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !rec.Expires.IsZero() {
		// Zero means no expiry to Redis.
		ttl = max(rec.Expires.Sub(now), time.Millisecond)
	}
	if err := s.client.Set(ctx, s.cookieKey(c.Name), b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
	}
	return nil
}

func (s *Store) RemoveCookie(ctx context.Context, name, domain, path string) error {
	rec, ok, err := s.record(ctx, name)
	if err != nil || !ok {
		return err
	}
	if !rec.Matches(domain, path) {
		return nil
	}
	return s.client.Del(ctx, s.cookieKey(name)).Err()
}

var _ storage.Backend = (*Store)(nil)
