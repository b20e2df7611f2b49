// Package ratelimit provides per-identity request limiting for inbound commands.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// MaxRequests is the number of requests allowed per window.
	MaxRequests int `yaml:"max_requests"`
	// Window is the length of the counting window.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 10,
		Window:      time.Minute,
		Enabled:     true,
	}
}

// window is a fixed counting window for one identity.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window rate limiter keyed by identity.
//
// Each identity gets a counter that lives for one window length from its
// first request. An identity with no activity for a full window is forgotten
// and starts fresh. Bursts straddling a window boundary can briefly exceed
// the nominal rate; that is acceptable for anti-spam use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	maxKeys int

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultConfig().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow checks whether a request from identity should be admitted, consuming
// one slot if so. A rejected request does not consume a slot.
func (l *Limiter) Allow(identity string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identity]
	if !ok || !now.Before(w.resetAt) {
		if len(l.windows) >= l.maxKeys {
			l.prune(now)
		}
		w = &window{resetAt: now.Add(l.config.Window)}
		l.windows[identity] = w
	}

	if w.count >= l.config.MaxRequests {
		return false
	}
	w.count++
	return true
}

// Remaining returns how many requests identity can still make in the current
// window.
func (l *Limiter) Remaining(identity string) int {
	if !l.config.Enabled {
		return l.config.MaxRequests
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok || !l.now().Before(w.resetAt) {
		return l.config.MaxRequests
	}
	remaining := l.config.MaxRequests - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forcibly clears the window for an identity.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity)
}

// prune removes expired windows (must be called with lock held).
func (l *Limiter) prune(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
