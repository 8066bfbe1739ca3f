// Package ratelimit caps requests per token over a trailing window.
//
// State lives in process memory only: it is not shared between gateway
// processes and starts empty after a restart.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultWindow is the trailing interval requests are counted over.
const DefaultWindow = time.Minute

// window is one token's ordered list of admitted request timestamps.
type window struct {
	mu   sync.Mutex
	hits []time.Time
}

// Limiter is a sliding-window limiter keyed by token. Each token's window has its
// own lock; the limiter-wide lock only guards lookup of the window itself.
type Limiter struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	windows *cache.Cache
	now     func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// New returns a limiter admitting at most limit requests per token within the window.
// Windows idle for two full intervals are evicted by go-cache's janitor.
func New(limit int, opts ...Option) *Limiter {
	l := &Limiter{
		limit:  limit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.windows = cache.New(2*l.window, l.window)
	return l
}

// Limit returns the configured per-window cap.
func (l *Limiter) Limit() int {
	return l.limit
}

func (l *Limiter) windowFor(token string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.windows.Get(token); ok {
		w := v.(*window)
		// Refresh the idle expiry on every access.
		l.windows.SetDefault(token, w)
		return w
	}
	w := &window{}
	l.windows.SetDefault(token, w)
	return w
}

// Allow records an attempt for token. When the window is full it returns false and
// how long until the oldest recorded request leaves the window.
func (l *Limiter) Allow(token string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	w := l.windowFor(token)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Read the clock under the window lock so hits stay in time order.
	now := l.now()
	cutoff := now.Add(-l.window)

	keep := 0
	for keep < len(w.hits) && !w.hits[keep].After(cutoff) {
		keep++
	}
	w.hits = w.hits[keep:]

	if len(w.hits) >= l.limit {
		retryAfter := w.hits[0].Add(l.window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return false, retryAfter
	}
	w.hits = append(w.hits, now)
	return true, 0
}

// Forget drops the token's window, e.g. after the token is deleted.
func (l *Limiter) Forget(token string) {
	l.mu.Lock()
	l.windows.Delete(token)
	l.mu.Unlock()
}

// Len returns the number of tokens currently tracked.
func (l *Limiter) Len() int {
	return l.windows.ItemCount()
}

// Reset drops every tracked window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows.Flush()
}
