package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS-backed adapter. Connection-level options
// follow the teacher's NewClient: bounded reconnects with jitter, so a
// restarting NATS server doesn't wedge the process.
type NATSConfig struct {
	URL           string
	KeyPrefix     string
	NodeID        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSAdapter implements Adapter over a core NATS connection plus three
// JetStream key-value buckets (channels, presence, connections), one per
// TTL class the contract requires.
type NATSAdapter struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger

	prefix string
	nodeID string

	channels    nats.KeyValue
	presence    nats.KeyValue
	connections nats.KeyValue

	sub     *nats.Subscription
	inbound chan Envelope
}

// NewNATSAdapter connects to NATS, provisions the three KV buckets if they
// don't already exist, and subscribes to the broadcast topic.
func NewNATSAdapter(cfg NATSConfig, logger zerolog.Logger) (*NATSAdapter, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("relay: disconnected from nats")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("relay: reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("relay: nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: jetstream context: %w", err)
	}

	a := &NATSAdapter{
		conn:    conn,
		js:      js,
		logger:  logger,
		prefix:  cfg.KeyPrefix,
		nodeID:  cfg.NodeID,
		inbound: make(chan Envelope, 256),
	}

	if a.channels, err = openBucket(js, a.bucketName("channels"), channelSetTTL); err != nil {
		conn.Close()
		return nil, err
	}
	if a.presence, err = openBucket(js, a.bucketName("presence"), presenceHashTTL); err != nil {
		conn.Close()
		return nil, err
	}
	if a.connections, err = openBucket(js, a.bucketName("connections"), connectionKeyTTL); err != nil {
		conn.Close()
		return nil, err
	}

	sub, err := conn.Subscribe(a.topic("broadcast"), a.handleMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}
	a.sub = sub

	return a, nil
}

func openBucket(js nats.JetStreamContext, name string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("relay: create kv bucket %q: %w", name, err)
	}
	return kv, nil
}

func (a *NATSAdapter) bucketName(suffix string) string {
	return KeyPrefix(a.prefix, suffix)
}

func (a *NATSAdapter) topic(suffix string) string {
	return KeyPrefix(a.prefix, suffix)
}

func (a *NATSAdapter) handleMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		a.logger.Warn().Err(err).Msg("relay: malformed envelope")
		return
	}
	if env.ServerID == a.nodeID {
		return // loopback guard
	}
	select {
	case a.inbound <- env:
	default:
		a.logger.Warn().Str("channel", env.Channel).Msg("relay: inbound buffer full, dropping envelope")
	}
}

func (a *NATSAdapter) Publish(ctx context.Context, channel string, env Envelope) error {
	env.Type = "broadcast"
	env.Channel = channel
	env.ServerID = a.nodeID

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	if err := a.conn.Publish(a.topic("broadcast"), data); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

func (a *NATSAdapter) Inbound() <-chan Envelope { return a.inbound }

// JetStream exposes the underlying JetStream context so callers can open
// additional KV buckets (e.g. NewNATSDedupStore) backed by this connection.
func (a *NATSAdapter) JetStream() nats.JetStreamContext { return a.js }

// KeyPrefix exposes the configured relay key prefix for the same reason.
func (a *NATSAdapter) KeyPrefix() string { return a.prefix }

func (a *NATSAdapter) StoreChannel(ctx context.Context, channel, socketID string) error {
	_, err := a.channels.Put(setKey(channel, socketID), []byte(socketID))
	return wrapKVErr("store channel member", err)
}

func (a *NATSAdapter) RemoveChannel(ctx context.Context, channel, socketID string) error {
	return wrapKVErr("remove channel member", a.channels.Delete(setKey(channel, socketID)))
}

func (a *NATSAdapter) StorePresenceMember(ctx context.Context, channel, socketID string, member any) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("relay: marshal presence member: %w", err)
	}
	_, err = a.presence.Put(setKey(channel, socketID), data)
	return wrapKVErr("store presence member", err)
}

func (a *NATSAdapter) RemovePresenceMember(ctx context.Context, channel, socketID string) error {
	return wrapKVErr("remove presence member", a.presence.Delete(setKey(channel, socketID)))
}

func (a *NATSAdapter) StoreConnection(ctx context.Context, socketID string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("relay: marshal connection snapshot: %w", err)
	}
	_, err = a.connections.Put(socketID, data)
	return wrapKVErr("store connection", err)
}

func (a *NATSAdapter) RemoveConnection(ctx context.Context, socketID string) error {
	return wrapKVErr("remove connection", a.connections.Delete(socketID))
}

func (a *NATSAdapter) HealthCheck(ctx context.Context) error {
	if !a.conn.IsConnected() {
		return fmt.Errorf("relay: not connected")
	}
	if _, err := a.conn.RTT(); err != nil {
		return fmt.Errorf("relay: health check round trip: %w", err)
	}
	return nil
}

func (a *NATSAdapter) Close() error {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
	a.conn.Close()
	close(a.inbound)
	return nil
}

func setKey(channel, socketID string) string {
	return channel + "/" + socketID
}

func wrapKVErr(op string, err error) error {
	if err == nil || err == nats.ErrKeyNotFound {
		return nil
	}
	return fmt.Errorf("relay: %s: %w", op, err)
}
