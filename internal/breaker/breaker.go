// Package breaker implements the circuit breaker (spec §4.K): a three-
// state gate (CLOSED/OPEN/HALF_OPEN) around a guarded operation, plus a
// named manager for holding one breaker per external dependency (relay,
// webhook endpoint, etc).
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config parametrizes a single breaker's thresholds.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
	Timeout          time.Duration
}

// Error is returned by Execute when the breaker is open.
type Error struct {
	Name string
}

func (e *Error) Error() string { return fmt.Sprintf("breaker: %q is open", e.Name) }

// Breaker guards calls to a single operation.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  []time.Time // timestamps within the current failure window
	successes int         // consecutive successes while HALF_OPEN
	openedAt  time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// State returns the breaker's current state, advancing OPEN to HALF_OPEN
// if resetTimeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

// Execute runs fn under the breaker's timeout. If the breaker is open,
// fn is not called and Execute returns *Error immediately.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeHalfOpenLocked()
	if b.state == Open {
		b.mu.Unlock()
		return &Error{Name: b.name}
	}
	b.mu.Unlock()

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = nil
			b.successes = 0
		}
	case Closed:
		if len(b.failures) > 0 {
			b.failures = b.failures[:0]
		}
	}
}

func (b *Breaker) recordFailure() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trip(now)
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) trip(at time.Time) {
	b.state = Open
	b.openedAt = at
	b.successes = 0
}

// Reset forces the breaker back to CLOSED, clearing its failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = nil
	b.successes = 0
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Manager holds one Breaker per name, created lazily on first use.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a manager where every breaker shares cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it if this is the first request
// for that name.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[name]
	if !ok {
		b = New(name, m.cfg)
		m.breakers[name] = b
	}
	return b
}
