// internal/cart/sessions.go
package cart

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"storefront/internal/storage"
	"storefront/internal/storage/cookie"
)

// DefaultIdleTTL is how long an untouched session stays in memory.
const DefaultIdleTTL = 30 * time.Minute

type SessionConfig struct {
	Preference StoragePreference
	// Local is shared by all sessions; each session sees it under its own prefix.
	Local   storage.Backend
	Cookie  cookie.Options
	IdleTTL time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

// Session pairs a shopper's store with the cookie jar backing it.
type Session struct {
	ID    string
	Store *Store
	Jar   *cookie.Jar

	lastSeen time.Time
}

// Sessions keeps one Store per shopper session.
type Sessions struct {
	cfg SessionConfig

	mu   sync.Mutex
	byID map[string]*Session
}

func NewSessions(cfg SessionConfig) *Sessions {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sessions{cfg: cfg, byID: make(map[string]*Session)}
}

// Open returns the session id, creating it on first use. A new session's
// jar is seeded with the cart cookie of r.
func (s *Sessions) Open(ctx context.Context, id string, r *http.Request) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if sess, ok := s.byID[id]; ok {
		sess.lastSeen = now
		return sess, nil
	}

	jar := cookie.New(s.cfg.Cookie)
	if r != nil {
		jar.Load(r, DefaultKey)
	}
	var local storage.Backend
	if s.cfg.Local != nil {
		local = storage.WithPrefix(s.cfg.Local, "session/"+id+"/")
	}

	store, err := New(ctx, Options{
		Preference: s.cfg.Preference,
		Cookies:    jar,
		Local:      local,
		Logger:     s.cfg.Logger.With(zap.String("session", id)),
	})
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}

	sess := &Session{ID: id, Store: store, Jar: jar, lastSeen: now}
	s.byID[id] = sess
	s.cfg.Logger.Debug("session opened", zap.String("session", id))
	return sess, nil
}

// Evict drops sessions idle for longer than the TTL and reports how many.
func (s *Sessions) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cfg.Now().Add(-s.cfg.IdleTTL)
	n := 0
	for id, sess := range s.byID {
		if sess.lastSeen.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
