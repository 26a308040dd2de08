// Package history implements the optional persistence/history component
// (spec §4.M): a trimmed, per-channel window of recently broadcast
// messages, queryable by "since" cursor.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one stored broadcast.
type Entry struct {
	ID        string
	Event     string
	Data      any
	Timestamp time.Time
	SocketID  string
}

// Config mirrors the persistence config block (spec §6).
type Config struct {
	MaxMessages   int
	TTL           time.Duration
	ExcludeEvents []string
}

// Store keeps a bounded, time-trimmed window per channel. Entries are
// appended in arrival order and trimmed to MaxMessages/TTL on every Store
// call — there is no separate sweeper, since trimming is O(dropped) and
// piggybacks on the write path already under lock.
type Store struct {
	maxMessages int
	ttl         time.Duration
	excluded    map[string]struct{}

	mu      sync.Mutex
	windows map[string][]Entry
}

// New creates an empty in-memory history store.
func New(cfg Config) *Store {
	excluded := make(map[string]struct{}, len(cfg.ExcludeEvents))
	for _, e := range cfg.ExcludeEvents {
		excluded[e] = struct{}{}
	}
	return &Store{
		maxMessages: cfg.MaxMessages,
		ttl:         cfg.TTL,
		excluded:    excluded,
		windows:     make(map[string][]Entry),
	}
}

// Store appends a broadcast to channel's window, trimming afterward.
// Events in the configured exclude list are silently dropped.
func (s *Store) Store(channel, event string, data any, socketID string) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now(),
		SocketID:  socketID,
	}

	if _, skip := s.excluded[event]; skip {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := append(s.windows[channel], entry)
	w = s.trim(w)
	s.windows[channel] = w

	return entry
}

func (s *Store) trim(w []Entry) []Entry {
	if s.ttl > 0 {
		cutoff := time.Now().Add(-s.ttl)
		start := 0
		for start < len(w) && w[start].Timestamp.Before(cutoff) {
			start++
		}
		w = w[start:]
	}
	if s.maxMessages > 0 && len(w) > s.maxMessages {
		w = w[len(w)-s.maxMessages:]
	}
	return w
}

// GetHistory returns channel's entries with Timestamp strictly after
// since, oldest first, capped at limit entries (0 means unlimited).
func (s *Store) GetHistory(channel string, since time.Time, limit int) []Entry {
	s.mu.Lock()
	w := append([]Entry(nil), s.windows[channel]...)
	s.mu.Unlock()

	out := make([]Entry, 0, len(w))
	for _, e := range w {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
