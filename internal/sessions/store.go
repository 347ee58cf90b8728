// Package sessions implements cookie-bound key/value sessions backed by a
// shared redis cache. The cookie carries only an opaque random key; all
// values live server side under session:<cookie>.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyBytes = 32

type Store struct {
	cache      redis.Cmdable
	logger     *slog.Logger
	cookieName string
	domain     string
	secure     bool
	ttl        time.Duration
}

func NewStore(cache redis.Cmdable, cookieName, domain string, secure bool, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		cache:      cache,
		logger:     logger.With("component", "sessions"),
		cookieName: cookieName,
		domain:     domain,
		secure:     secure,
		ttl:        ttl,
	}
}

// Load reads the session named by the request cookie. A missing or unknown
// cookie yields an empty session; a key is only minted on first write.
func (s *Store) Load(ctx context.Context, r *http.Request) *Session {
	sess := &Session{store: s, values: map[string]string{}}

	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return sess
	}
	sess.key = cookie.Value
	sess.sentKey = cookie.Value

	raw, err := s.cache.Get(ctx, redisKey(cookie.Value)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Error("Session read failed", "error", err)
		}
		return sess
	}
	if err := json.Unmarshal([]byte(raw), &sess.values); err != nil {
		s.logger.Error("Session payload corrupt, starting empty", "error", err)
		sess.values = map[string]string{}
	}
	return sess
}

func redisKey(cookieValue string) string {
	return "session:" + cookieValue
}

func newKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session key entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Session is per-browser state. Writes are buffered in memory and flushed
// by Save; concurrent requests sharing a cookie are last-writer-wins per
// key.
type Session struct {
	store   *Store
	key     string
	sentKey string // cookie value the request arrived with
	oldKey  string // retired by rotation, deleted on Save
	values  map[string]string
	dirty   bool
}

func (s *Session) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Session) Set(key, value string) {
	s.values[key] = value
	s.dirty = true
}

func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Key returns the current cookie value, empty for a session that has never
// been written.
func (s *Session) Key() string {
	return s.key
}

// Rotate retires the current cookie value and mints a fresh one. Values
// are carried over; the old redis key is deleted when the session is
// saved.
func (s *Session) Rotate() error {
	key, err := newKey()
	if err != nil {
		return err
	}
	if s.key != "" {
		s.oldKey = s.key
	}
	s.key = key
	s.dirty = true
	return nil
}

// Save flushes buffered writes to redis and attaches the Set-Cookie header
// when the cookie value changed. It must run before the first response
// byte is written.
func (s *Session) Save(ctx context.Context, w http.ResponseWriter) error {
	if !s.dirty {
		return nil
	}

	if s.key == "" {
		key, err := newKey()
		if err != nil {
			return err
		}
		s.key = key
	}

	payload, err := json.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.store.cache.Set(ctx, redisKey(s.key), payload, s.store.ttl).Err(); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if s.oldKey != "" {
		_ = s.store.cache.Del(ctx, redisKey(s.oldKey)).Err()
		s.oldKey = ""
	}

	if s.key != s.sentKey {
		http.SetCookie(w, &http.Cookie{
			Name:     s.store.cookieName,
			Value:    s.key,
			Path:     "/",
			Domain:   s.store.domain,
			MaxAge:   int(s.store.ttl / time.Second),
			HttpOnly: true,
			Secure:   s.store.secure,
			SameSite: http.SameSiteLaxMode,
		})
		s.sentKey = s.key
	}

	s.dirty = false
	return nil
}
