// Package ratelimit provides fixed-window request counters keyed by caller
// identity. Counters are process-local and intentionally lost on restart:
// the layer fails open, prioritising availability over strict quotas.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config describes one named limiter: at most Max requests per Window.
type Config struct {
	Max    int
	Window time.Duration
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key over fixed windows.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	counters map[string]*counter
	now      func() time.Time
}

// New creates a limiter. A nil now defaults to time.Now.
func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{cfg: cfg, counters: make(map[string]*counter), now: now}
}

// Check records a request for key. It returns true when the request is
// allowed; otherwise it returns false and the seconds remaining until the
// window resets.
func (l *Limiter) Check(key string) (bool, int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || now.After(c.resetAt) {
		l.counters[key] = &counter{count: 1, resetAt: now.Add(l.cfg.Window)}
		return true, 0
	}

	if c.count >= l.cfg.Max {
		retry := int(math.Ceil(c.resetAt.Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}
	c.count++
	return true, 0
}

// Cleanup drops counters whose window has elapsed. Call periodically; the
// limiter stays correct without it, this only bounds memory.
func (l *Limiter) Cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.counters {
		if now.After(c.resetAt) {
			delete(l.counters, key)
		}
	}
}

// StartCleanup runs Cleanup on the given interval until stop is closed.
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Set holds named limiters for distinct endpoint classes.
type Set struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewSet creates a limiter per named config.
func NewSet(configs map[string]Config, now func() time.Time) *Set {
	s := &Set{limiters: make(map[string]*Limiter, len(configs))}
	for name, cfg := range configs {
		s.limiters[name] = New(cfg, now)
	}
	return s
}

// Check consults the named limiter for every key; the request is denied if
// any key is over its limit. An unknown limiter name allows the request
// (fail open).
func (s *Set) Check(name string, keys ...string) (bool, int) {
	s.mu.RLock()
	l, ok := s.limiters[name]
	s.mu.RUnlock()
	if !ok {
		return true, 0
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if allowed, retry := l.Check(key); !allowed {
			return false, retry
		}
	}
	return true, 0
}
