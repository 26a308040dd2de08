// Package relay implements the relay adapter (spec §4.L): a pub/sub +
// shared-sets/hashes-with-TTL contract that any qualifying backend can
// satisfy. The core wiring uses NATS (nats.go, see natsadapter.go); an
// in-memory double (memoryadapter.go) satisfies the same interface for
// tests and single-node deployments that don't need cross-node relay.
package relay

import (
	"context"
	"time"
)

// Envelope is what crosses the relay for a broadcast. ServerID identifies
// the node that published it; the loopback guard compares this against
// the local node id and discards self-originated envelopes.
type Envelope struct {
	Type     string `json:"type"` // always "broadcast"
	Channel  string `json:"channel"`
	Event    string `json:"event"`
	Data     any    `json:"data,omitempty"`
	SocketID string `json:"socketId,omitempty"`
	ServerID string `json:"serverId"`
}

const (
	channelSetTTL    = 3600 * time.Second
	presenceHashTTL  = 3600 * time.Second
	connectionKeyTTL = 7200 * time.Second
)

// Adapter is the relay contract. The orchestrator listens on Inbound() and
// re-runs broadcast locally for received envelopes — it never re-publishes
// what it receives, and the adapter itself never mutates local state.
type Adapter interface {
	// Publish sends an envelope on the shared channel topic.
	Publish(ctx context.Context, channel string, env Envelope) error

	// Inbound returns the channel of envelopes received from other nodes,
	// already loopback-filtered (envelopes this node published are never
	// delivered back out of this channel).
	Inbound() <-chan Envelope

	StoreChannel(ctx context.Context, channel, socketID string) error
	RemoveChannel(ctx context.Context, channel, socketID string) error

	StorePresenceMember(ctx context.Context, channel, socketID string, member any) error
	RemovePresenceMember(ctx context.Context, channel, socketID string) error

	StoreConnection(ctx context.Context, socketID string, snapshot any) error
	RemoveConnection(ctx context.Context, socketID string) error

	HealthCheck(ctx context.Context) error

	Close() error
}

// KeyPrefix renders a relay key/topic name under the configured prefix
// (default "broadcasting:" per spec §4.L).
func KeyPrefix(prefix, suffix string) string {
	if prefix == "" {
		prefix = "broadcasting:"
	}
	return prefix + suffix
}
