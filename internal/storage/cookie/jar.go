// Package cookie implements the transient cart backend on top of HTTP
// cookies. A Jar holds the cookies of one browser: it is seeded from the
// incoming request and flushed to the response as Set-Cookie headers.
package cookie

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"storefront/internal/storage"
)

const (
	// DefaultMaxAge is the lifetime of a cart cookie.
	DefaultMaxAge = 7 * 24 * time.Hour

	// MaxValueSize bounds the escaped cookie value; browsers drop larger cookies.
	MaxValueSize = 4096
)

// ErrTooLarge is returned by Write when the escaped value exceeds MaxValueSize.
var ErrTooLarge = errors.New("cookie: value too large")

// Options configures the attributes of written cookies.
type Options struct {
	MaxAge time.Duration
	Secure bool
	Path   string
	Now    func() time.Time
}

// Jar is a storage.Backend over an in-process cookie set.
type Jar struct {
	opts Options

	mu      sync.Mutex
	cookies map[string]*http.Cookie
	// touched names the cookies written or removed through the jar.
	touched map[string]bool
}

var _ storage.Backend = (*Jar)(nil)

// New creates an empty jar.
func New(opts Options) *Jar {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Jar{
		opts:    opts,
		cookies: make(map[string]*http.Cookie),
		touched: make(map[string]bool),
	}
}

// Read returns the unescaped value of the named cookie.
func (j *Jar) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	c, ok := j.cookies[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !c.Expires.IsZero() && !j.opts.Now().Before(c.Expires) {
		delete(j.cookies, key)
		return nil, storage.ErrNotFound
	}

	v, err := url.QueryUnescape(c.Value)
	if err != nil {
		return nil, fmt.Errorf("cookie %s: %w", key, err)
	}
	return []byte(v), nil
}

// Write stores value as an escaped cookie expiring after MaxAge.
func (j *Jar) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	escaped := url.QueryEscape(string(value))
	if len(escaped) > MaxValueSize {
		return fmt.Errorf("cookie %s: %d bytes: %w", key, len(escaped), ErrTooLarge)
	}

	c := &http.Cookie{
		Name:     key,
		Value:    escaped,
		Path:     j.opts.Path,
		Expires:  j.opts.Now().Add(j.opts.MaxAge).UTC(),
		MaxAge:   int(j.opts.MaxAge / time.Second),
		Secure:   j.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[key] = c
	j.touched[key] = true
	return nil
}

// Remove deletes the cookie; the next flush expires it in the browser.
func (j *Jar) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.cookies, key)
	j.touched[key] = true
	return nil
}

func (j *Jar) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     j.opts.Path,
		MaxAge:   -1,
		Secure:   j.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Load copies the named cookies of r into the jar. Cookies sent by the
// browser carry no expiry, so they live for a full MaxAge from now.
func (j *Jar) Load(r *http.Request, names ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, name := range names {
		c, err := r.Cookie(name)
		if err != nil {
			continue
		}
		j.cookies[name] = &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Expires: j.opts.Now().Add(j.opts.MaxAge).UTC(),
		}
	}
}

// Flush writes a Set-Cookie header with the current state of every cookie
// the jar has written or removed: the value when present, an expiring cookie
// otherwise. Flushing does not drain the jar, so concurrent responses of one
// session each carry the newest value. It must run before the response
// status is written.
func (j *Jar) Flush(w http.ResponseWriter) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, name := range slices.Sorted(maps.Keys(j.touched)) {
		c, ok := j.cookies[name]
		if ok && !c.Expires.IsZero() && !j.opts.Now().Before(c.Expires) {
			delete(j.cookies, name)
			ok = false
		}
		if !ok {
			c = j.expired(name)
		}
		http.SetCookie(w, c)
	}
}
