package relay

import (
	"context"
	"sync"
)

// MemoryAdapter is an in-process Adapter double: publishes fan out to every
// other MemoryAdapter sharing the same *MemoryBus, and stores live only in
// local maps with no real TTL expiry. Intended for tests and single-node
// deployments where cross-node relay isn't needed.
type MemoryAdapter struct {
	bus    *MemoryBus
	nodeID string

	inbound chan Envelope

	mu          sync.Mutex
	channels    map[string]map[string]struct{} // channel -> socketIDs
	presence    map[string]map[string]any      // channel -> socketID -> member
	connections map[string]any                 // socketID -> snapshot
}

// MemoryBus fans published envelopes out to every subscribed adapter,
// standing in for the shared NATS subject in tests.
type MemoryBus struct {
	mu      sync.Mutex
	members []*MemoryAdapter
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) register(a *MemoryAdapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members = append(b.members, a)
}

func (b *MemoryBus) publish(env Envelope) {
	b.mu.Lock()
	members := append([]*MemoryAdapter(nil), b.members...)
	b.mu.Unlock()

	for _, m := range members {
		if env.ServerID == m.nodeID {
			continue // loopback guard
		}
		select {
		case m.inbound <- env:
		default:
		}
	}
}

// NewMemoryAdapter creates an adapter attached to bus, identified by nodeID.
func NewMemoryAdapter(bus *MemoryBus, nodeID string) *MemoryAdapter {
	a := &MemoryAdapter{
		bus:         bus,
		nodeID:      nodeID,
		inbound:     make(chan Envelope, 64),
		channels:    make(map[string]map[string]struct{}),
		presence:    make(map[string]map[string]any),
		connections: make(map[string]any),
	}
	bus.register(a)
	return a
}

func (a *MemoryAdapter) Publish(ctx context.Context, channel string, env Envelope) error {
	env.Type = "broadcast"
	env.Channel = channel
	env.ServerID = a.nodeID
	a.bus.publish(env)
	return nil
}

func (a *MemoryAdapter) Inbound() <-chan Envelope { return a.inbound }

func (a *MemoryAdapter) StoreChannel(ctx context.Context, channel, socketID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		a.channels[channel] = set
	}
	set[socketID] = struct{}{}
	return nil
}

func (a *MemoryAdapter) RemoveChannel(ctx context.Context, channel, socketID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.channels[channel]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(a.channels, channel)
		}
	}
	return nil
}

func (a *MemoryAdapter) StorePresenceMember(ctx context.Context, channel, socketID string, member any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.presence[channel]
	if !ok {
		h = make(map[string]any)
		a.presence[channel] = h
	}
	h[socketID] = member
	return nil
}

func (a *MemoryAdapter) RemovePresenceMember(ctx context.Context, channel, socketID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.presence[channel]; ok {
		delete(h, socketID)
		if len(h) == 0 {
			delete(a.presence, channel)
		}
	}
	return nil
}

func (a *MemoryAdapter) StoreConnection(ctx context.Context, socketID string, snapshot any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections[socketID] = snapshot
	return nil
}

func (a *MemoryAdapter) RemoveConnection(ctx context.Context, socketID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connections, socketID)
	return nil
}

func (a *MemoryAdapter) HealthCheck(ctx context.Context) error { return nil }

func (a *MemoryAdapter) Close() error {
	close(a.inbound)
	return nil
}

// ChannelMembers returns a snapshot of socket-ids stored for channel, for
// test assertions.
func (a *MemoryAdapter) ChannelMembers(channel string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.channels[channel]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
