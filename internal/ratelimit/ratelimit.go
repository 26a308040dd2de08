// Package ratelimit implements the rate limiter (spec §4.G): a fixed-window
// counter per key, with a single background sweeper dropping expired
// entries rather than a per-key timer (Design Note: one sweeper goroutine
// per subsystem instead of per-instance timers).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter enforces a fixed-window counter per key: window length and
// per-window cap are fixed at construction.
type Limiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*entry

	perChannel bool
	perUser    bool
}

// Options configures key assembly alongside the window/cap.
type Options struct {
	Max        int
	Window     time.Duration
	PerChannel bool
	PerUser    bool
}

// New creates a limiter. Call Run in a goroutine to start the background
// sweep; Check works correctly even without it, just accumulating expired
// entries until swept.
func New(opts Options) *Limiter {
	return &Limiter{
		window:     opts.Window,
		max:        opts.Max,
		entries:    make(map[string]*entry),
		perChannel: opts.PerChannel,
		perUser:    opts.PerUser,
	}
}

// Key assembles the rate-limit key per spec §4.G: "user:{id}" when
// per-user is enabled and a user id is known, else "socket:{id}";
// suffixed with ":channel:{name}" when per-channel is enabled and name is
// non-empty.
func (l *Limiter) Key(socketID, userID, channel string) string {
	var base string
	if l.perUser && userID != "" {
		base = fmt.Sprintf("user:%s", userID)
	} else {
		base = fmt.Sprintf("socket:%s", socketID)
	}
	if l.perChannel && channel != "" {
		base = fmt.Sprintf("%s:channel:%s", base, channel)
	}
	return base
}

// Check reports whether key is currently blocked. A fresh or expired entry
// starts a new window (count=1) and returns false (allowed); an entry at
// or above the cap returns true (blocked) without incrementing; otherwise
// the count is incremented and false is returned. resetAt is the time the
// current window expires, for blocked callers to surface as retryAfter.
func (l *Limiter) Check(key string) (blocked bool, resetAt time.Time) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(l.window)}
		l.entries[key] = e
		return false, e.resetAt
	}
	if e.count >= l.max {
		return true, e.resetAt
	}
	e.count++
	return false, e.resetAt
}

// Run sweeps expired entries every 60 seconds until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
}

// Size returns the number of tracked keys, for metrics/diagnostics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
