// Package hub implements the lifecycle event bus (spec §4.P): typed hooks
// that fire as channels are created, subscribed, unsubscribed, emptied and
// destroyed. It exists to break the cyclic references the teacher's direct
// orchestrator callbacks would otherwise create between the channel
// registry and the server (Design Note: "components subscribe instead of
// calling back into the orchestrator").
package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Kind names one of the lifecycle hook types.
type Kind string

const (
	Created      Kind = "created"
	Subscribed   Kind = "subscribed"
	Unsubscribed Kind = "unsubscribed"
	Empty        Kind = "empty"
	Destroyed    Kind = "destroyed"
	all          Kind = "all"
)

// Event carries the data passed to a handler. Count is the channel's
// subscriber count at the time of the event (subscribed/unsubscribed only).
type Event struct {
	Kind        Kind
	Channel     string
	SocketID    string
	Count       int
}

// Handler processes one Event. It may block; handlers for the same event
// run sequentially in registration order, awaiting each before the next.
type Handler func(ctx context.Context, ev Event)

// Bus fans lifecycle events out to registered handlers. A panicking
// handler is recovered and logged; later handlers still run.
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// New creates an empty event bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[Kind][]Handler),
	}
}

// On registers handler for kind. Use the "all" pseudo-kind's exported
// alias OnAll to listen to every event.
func (b *Bus) On(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// OnAll registers handler for every lifecycle event kind.
func (b *Bus) OnAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[all] = append(b.handlers[all], handler)
}

// Emit runs every handler registered for ev.Kind, then every handler
// registered via OnAll, each wrapped in a panic recovery so one
// misbehaving handler cannot prevent the others from observing the event.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	specific := append([]Handler(nil), b.handlers[ev.Kind]...)
	wildcard := append([]Handler(nil), b.handlers[all]...)
	b.mu.RUnlock()

	for _, h := range specific {
		b.run(ctx, h, ev)
	}
	for _, h := range wildcard {
		b.run(ctx, h, ev)
	}
}

func (b *Bus) run(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("kind", string(ev.Kind)).
				Str("channel", ev.Channel).
				Msg("lifecycle hook panicked, recovered")
		}
	}()
	h(ctx, ev)
}
