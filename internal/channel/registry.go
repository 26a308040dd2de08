package channel

import (
	"context"
	"sync"

	"github.com/odin-realtime/hub/internal/hub"
)

// entry is the registry's internal representation of a single channel.
type entry struct {
	class       Class
	subscribers map[string]struct{} // socket-id set
	members     map[string]Member   // socket-id -> member, presence only
}

// ConnLinker is the subset of connection.Table the registry needs to
// maintain the bidirectional membership invariant (spec §3): every
// socket-id in a channel's subscriber set must also hold that channel in
// its own channel set, and vice versa.
type ConnLinker interface {
	AddChannel(socketID, name string) bool
	RemoveChannel(socketID, name string) bool
}

// Registry is the server orchestrator's channel-name -> channel map. It
// owns channel creation and destruction; every other component only ever
// reads snapshots, per spec §3's ownership summary.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	conns ConnLinker
	bus   *hub.Bus
}

// New creates an empty channel registry. conns links subscriber sets back
// to the connection table's channel sets; bus receives lifecycle events.
func New(conns ConnLinker, bus *hub.Bus) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		conns:   conns,
		bus:     bus,
	}
}

// Subscribe adds socketID to channel name's subscriber set. Authorization
// is the caller's responsibility (see internal/auth): by the time
// Subscribe is called, the decision has already been made — for presence
// channels, member must be non-nil.
//
// Returns the channel's class and, for newly-created channels, created=true
// so the caller can sequence lifecycle events and the initial
// subscription_succeeded frame correctly.
func (r *Registry) Subscribe(ctx context.Context, socketID, name string, member *Member) (class Class, created bool) {
	class = ClassOf(name)

	r.mu.Lock()
	e, exists := r.entries[name]
	if !exists {
		e = &entry{
			class:       class,
			subscribers: make(map[string]struct{}),
			members:     make(map[string]Member),
		}
		r.entries[name] = e
		created = true
	}
	e.subscribers[socketID] = struct{}{}
	if class == Presence && member != nil {
		e.members[socketID] = *member
	}
	count := len(e.subscribers)
	r.mu.Unlock()

	if r.conns != nil {
		r.conns.AddChannel(socketID, name)
	}

	if created && r.bus != nil {
		r.bus.Emit(ctx, hub.Event{Kind: hub.Created, Channel: name})
	}
	if r.bus != nil {
		r.bus.Emit(ctx, hub.Event{Kind: hub.Subscribed, Channel: name, SocketID: socketID, Count: count})
	}

	return class, created
}

// Unsubscribe removes socketID from channel name. When the subscriber set
// becomes empty, the channel entry is dropped (spec invariant: "channel
// entries exist only while non-empty") and Empty then Destroyed fire, in
// that order, before the entry disappears from the registry. Unsubscribed
// fires synchronously here before Empty/Destroyed. The server sends
// member_removed itself after Unsubscribe returns, to whichever
// subscribers remain on the channel.
func (r *Registry) Unsubscribe(ctx context.Context, socketID, name string) (wasSubscribed bool) {
	r.mu.Lock()
	e, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		return false
	}
	if _, ok := e.subscribers[socketID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(e.subscribers, socketID)
	delete(e.members, socketID)
	count := len(e.subscribers)
	empty := count == 0
	if empty {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if r.conns != nil {
		r.conns.RemoveChannel(socketID, name)
	}

	if r.bus != nil {
		r.bus.Emit(ctx, hub.Event{Kind: hub.Unsubscribed, Channel: name, SocketID: socketID, Count: count})
		if empty {
			r.bus.Emit(ctx, hub.Event{Kind: hub.Empty, Channel: name})
			r.bus.Emit(ctx, hub.Event{Kind: hub.Destroyed, Channel: name})
		}
	}

	return true
}

// UnsubscribeAll removes socketID from every channel it subscribes to.
// names is supplied by the caller (the connection table's channel
// snapshot taken before the connection was destroyed) so the iteration is
// stable even as entries are concurrently mutated.
func (r *Registry) UnsubscribeAll(ctx context.Context, socketID string, names []string) {
	for _, name := range names {
		r.Unsubscribe(ctx, socketID, name)
	}
}

// Subscribers returns a snapshot of channel name's current subscriber
// socket-ids. Returns nil if the channel does not exist.
func (r *Registry) Subscribers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		out = append(out, id)
	}
	return out
}

// IsSubscribed reports whether socketID subscribes to channel name.
func (r *Registry) IsSubscribed(name, socketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	_, ok = e.subscribers[socketID]
	return ok
}

// Exists reports whether channel name currently has at least one subscriber.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Presence builds the {ids, hash, count} payload for channel name, or
// ok=false if it is not a presence channel (or does not exist).
func (r *Registry) Presence(name string) (info PresenceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[name]
	if !exists || e.class != Presence {
		return PresenceInfo{}, false
	}

	ids := make([]any, 0, len(e.members))
	hash := make(map[string]any, len(e.members))
	for socketID, m := range e.members {
		ids = append(ids, m.ID)
		hash[socketID] = m.Info
	}
	return PresenceInfo{IDs: ids, Hash: hash, Count: len(e.members)}, true
}

// Member returns the presence member recorded for socketID on channel
// name, if any.
func (r *Registry) Member(name, socketID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Member{}, false
	}
	m, ok := e.members[socketID]
	return m, ok
}

// ChannelCount returns the number of channels currently registered
// (non-empty channels only, per the "no empty channel stored" invariant).
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a read-only copy of every channel's membership, for
// /stats reporting.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for name, e := range r.entries {
		subs := make([]string, 0, len(e.subscribers))
		for id := range e.subscribers {
			subs = append(subs, id)
		}
		var members map[string]Member
		if len(e.members) > 0 {
			members = make(map[string]Member, len(e.members))
			for id, m := range e.members {
				members[id] = m
			}
		}
		out = append(out, Snapshot{Name: name, Class: e.class, Subscribers: subs, Members: members})
	}
	return out
}
