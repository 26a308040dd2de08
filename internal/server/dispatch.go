package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/odin-realtime/hub/internal/ack"
	"github.com/odin-realtime/hub/internal/auth"
	"github.com/odin-realtime/hub/internal/batch"
	"github.com/odin-realtime/hub/internal/channel"
	"github.com/odin-realtime/hub/internal/connection"
	"github.com/odin-realtime/hub/internal/protocol"
	"github.com/odin-realtime/hub/internal/relay"
)

// maxPayloadSize returns the effective inbound frame size cap: the smaller
// of security.maxPayloadSize and connection.maxPayloadLength when both are
// configured, since the teacher's config carries the limit under two names
// in two sections. Zero means "no limit configured" from that section.
func (s *Server) maxPayloadSize() int64 {
	max := s.cfg.Security.MaxPayloadSize
	if wsMax := int64(s.cfg.Connection.MaxPayloadLength); wsMax > 0 && (max <= 0 || wsMax < max) {
		max = wsMax
	}
	return max
}

// handleFrame classifies and dispatches one inbound text frame, matching
// the teacher's handleClientMessage switch but keyed on protocol.InKind
// rather than an untyped "type" string.
func (s *Server) handleFrame(c *connection.Conn, raw []byte) {
	if s.loadMgr.ShouldDropNonCritical(int64(c.BufferedCount())) {
		return
	}

	if max := s.maxPayloadSize(); max > 0 && int64(len(raw)) > max {
		s.sendError(c, "PayloadTooLarge", "frame exceeds maximum payload size", nil)
		return
	}

	userID := ""
	if c.Identity != nil {
		userID = c.Identity.UserID
	}
	if blocked, resetAt := s.limiter.Check(s.limiter.Key(c.SocketID, userID, "")); blocked {
		s.metrics.RateLimitedTotal.Inc()
		retryAfter := resetAt.Unix()
		s.sendError(c, "RateLimitExceeded", "too many messages", &retryAfter)
		return
	}

	f, err := protocol.ParseIn(raw)
	if err != nil {
		s.sendError(c, "bad_frame", err.Error(), nil)
		return
	}

	ctx := s.ctx

	// §4.R: any frame carrying ack:true, messageId other than an explicit
	// "ack" reply is acknowledged immediately, then dispatch falls through
	// to normal processing below.
	if f.Kind != protocol.Ack && f.Ack && f.MessageID != "" {
		ackOut, _ := protocol.Render(protocol.Out{Event: "ack", MessageID: f.MessageID})
		c.Send(ackOut)
	}

	switch f.Kind {
	case protocol.Subscribe:
		s.handleSubscribe(ctx, c, f.Channel, f.ChannelData)
	case protocol.Unsubscribe:
		s.handleUnsubscribe(ctx, c, f.Channel)
	case protocol.BatchSubscribe:
		s.handleBatchSubscribe(ctx, c, f.Channels)
	case protocol.BatchUnsubscribe:
		s.handleBatchUnsubscribe(ctx, c, f.Channels)
	case protocol.Ping:
		out, _ := protocol.Render(protocol.Out{Event: "pong"})
		c.Send(out)
	case protocol.Heartbeat:
		s.heartbeat.Refresh(f.Channel, c.SocketID)
	case protocol.Ack:
		s.acker.Acknowledge(f.MessageID)
	case protocol.ClientEvent:
		s.handleClientEvent(ctx, c, f.Channel, f.Event, f.Data, f.MessageID, f.Ack)
	default:
		s.sendError(c, "unsupported_event", "event not recognized: "+f.Event, nil)
	}
}

func (s *Server) sendError(c *connection.Conn, errType, message string, retryAfter *int64) {
	out, _ := protocol.Render(protocol.Out{
		Event: "error",
		Data:  protocol.ErrorData{Type: errType, Error: message, RetryAfter: retryAfter},
	})
	c.Send(out)
}

// sendWithAck renders and sends out to c after registering a freshly
// generated MessageID with the acknowledger, so a client that never
// replies with ack{messageId} eventually resolves via the acker's
// timeout/retry path (spec §4.I). The result channel is not awaited here;
// callers that care about delivery outcome can consult it separately.
func (s *Server) sendWithAck(c *connection.Conn, out protocol.Out) <-chan ack.Result {
	// Always mint a fresh id for the ack registration key, even if out
	// already carried a client-supplied MessageID: broadcastLocal calls this
	// once per recipient with the same out, and registering the same key
	// twice would silently clobber the first recipient's pending entry.
	out.MessageID = uuid.NewString()
	out.Ack = true

	result := s.acker.Register(out.MessageID)
	frame, err := protocol.Render(out)
	if err != nil {
		s.logger.Error().Err(err).Msg("server: render ack-bearing frame failed")
		return result
	}
	c.Send(frame)
	return result
}

// handleSubscribe runs authorization (skipped for public channels), admits
// against the load manager's global and per-socket caps, registers
// membership and replies with subscription_succeeded (including presence
// data). channelData is not read and no history is replayed on subscribe.
func (s *Server) handleSubscribe(ctx context.Context, c *connection.Conn, name string, channelData json.RawMessage) {
	if s.loadMgr != nil && !s.loadMgr.AdmitSubscription(c.ChannelCount()) {
		s.sendSubscriptionError(c, name, "CapacityError", "channel capacity exceeded", 429)
		return
	}

	decision, err := s.authorizer.Authorize(ctx, c, name)
	if err != nil {
		if err == auth.ErrNoRule || err == auth.ErrDenied {
			s.sendSubscriptionError(c, name, "AuthError", err.Error(), 401)
		} else {
			s.sendSubscriptionError(c, name, "ServerError", err.Error(), 500)
		}
		return
	}
	if member, ok := decision.Member(); ok {
		s.subscribeWithMember(ctx, c, name, &member)
		return
	}
	s.subscribeWithMember(ctx, c, name, nil)
}

func (s *Server) subscribeWithMember(ctx context.Context, c *connection.Conn, name string, member *channel.Member) {
	class, _ := s.channels.Subscribe(ctx, c.SocketID, name, member)

	if s.relay != nil {
		s.relay.StoreChannel(ctx, name, c.SocketID)
		if member != nil {
			s.relay.StorePresenceMember(ctx, name, c.SocketID, *member)
		}
	}
	if class == channel.Presence && member != nil {
		s.heartbeat.Track(name, c.SocketID, *member)
	}

	out := protocol.Out{Event: "subscription_succeeded", Channel: name}
	if class == channel.Presence {
		if info, ok := s.channels.Presence(name); ok {
			out.Data = protocol.PresenceData{Presence: protocol.PresenceInfo{IDs: info.IDs, Hash: info.Hash, Count: info.Count}}
		}
	}
	frame, _ := protocol.Render(out)
	c.Send(frame)

	// §4.N / §5(iii): subscription_succeeded always reaches the joiner
	// before the channel's other presence subscribers observe member_added
	// for it — sent synchronously above, fanned out via the pool below.
	if class == channel.Presence && member != nil {
		s.broadcastMemberEvent(name, "member_added", *member, c.SocketID)
	}
}

// broadcastMemberEvent fans a presence member_added/member_removed event
// out to channelName's current subscribers other than excludeSocketID.
func (s *Server) broadcastMemberEvent(channelName, event string, member channel.Member, excludeSocketID string) {
	s.broadcastLocal(channelName, event, member, "", false, func(socketID string) bool {
		return socketID == excludeSocketID
	})
}

func (s *Server) sendSubscriptionError(c *connection.Conn, channelName, errType, message string, status int) {
	out, _ := protocol.Render(protocol.Out{
		Event:   "subscription_error",
		Channel: channelName,
		Data:    protocol.SubscriptionError{Type: errType, Error: message, Status: status},
	})
	c.Send(out)
}

func (s *Server) handleUnsubscribe(ctx context.Context, c *connection.Conn, name string) {
	member, wasPresence := s.channels.Member(name, c.SocketID)
	if !s.channels.Unsubscribe(ctx, c.SocketID, name) {
		return
	}
	s.heartbeat.Untrack(name, c.SocketID)
	if wasPresence {
		s.broadcastMemberEvent(name, "member_removed", member, c.SocketID)
	}
	if s.relay != nil {
		s.relay.RemoveChannel(ctx, name, c.SocketID)
		s.relay.RemovePresenceMember(ctx, name, c.SocketID)
	}
}

func (s *Server) handleBatchSubscribe(ctx context.Context, c *connection.Conn, names []string) {
	res := batch.Subscribe(ctx, names, s.cfg.LoadManagement.MaxChannelsPerConnection, func(ctx context.Context, name string) error {
		s.handleSubscribe(ctx, c, name, nil)
		return nil
	})
	s.sendBatchResult(c, "batch_subscribe_result", res)
}

func (s *Server) handleBatchUnsubscribe(ctx context.Context, c *connection.Conn, names []string) {
	res := batch.Unsubscribe(ctx, names, s.cfg.LoadManagement.MaxChannelsPerConnection, func(ctx context.Context, name string) error {
		s.handleUnsubscribe(ctx, c, name)
		return nil
	})
	s.sendBatchResult(c, "batch_unsubscribe_result", res)
}

func (s *Server) sendBatchResult(c *connection.Conn, event string, res batch.Result) {
	out, _ := protocol.Render(protocol.Out{
		Event: event,
		Data:  map[string]any{"succeeded": res.Succeeded, "failed": res.Failed},
	})
	c.Send(out)
}

// handleClientEvent validates, sanitizes, deduplicates, records, relays and
// fans out a client-* event to everyone subscribed to its channel.
// Client events on public channels are dropped silently.
// requireAck, set from the inbound frame's ack field, asks each recipient's
// delivery to be tracked through the acknowledger rather than fire-and-forget.
func (s *Server) handleClientEvent(ctx context.Context, c *connection.Conn, channelName, event string, data json.RawMessage, messageID string, requireAck bool) {
	if channel.ClassOf(channelName) == channel.Public {
		return
	}
	if !s.channels.IsSubscribed(channelName, c.SocketID) {
		s.sendError(c, "not_subscribed", "not subscribed to "+channelName, nil)
		return
	}
	if err := s.validator.Validate(event, channelName, data); err != nil {
		s.sendError(c, "validation_error", err.Error(), nil)
		return
	}
	clean := s.sanitizer.Sanitize(data)

	if s.dedup.IsDuplicate(ctx, channelName, event, clean, messageID) {
		s.metrics.DuplicatesDropped.Inc()
		return
	}

	var payload any = json.RawMessage(clean)
	s.history.Store(channelName, event, payload, c.SocketID)

	s.localBroadcast(channelName, event, payload, c.SocketID, messageID, requireAck)

	if s.relay != nil {
		env := relay.Envelope{Channel: channelName, Event: event, Data: payload, SocketID: c.SocketID}
		b := s.breakers.Get("relay")
		err := b.Execute(ctx, func(ctx context.Context) error {
			return s.relay.Publish(ctx, channelName, env)
		})
		s.metrics.BreakerState.WithLabelValues("relay").Set(float64(b.State()))
		if err != nil {
			s.metrics.RelayPublishErrors.Inc()
			s.logger.Warn().Err(err).Str("channel", channelName).Msg("server: relay publish failed")
		} else {
			s.metrics.RelayPublishTotal.Inc()
		}
	}

	s.emitWebhook(ctx, event, map[string]any{"channel": channelName, "socketId": c.SocketID})
}

// emitWebhook fires event through the webhook emitter, counting the
// dispatch (not the eventual delivery outcome — Emit's retry loop runs in
// its own goroutine, per spec §4.O errors never propagate to the caller).
func (s *Server) emitWebhook(ctx context.Context, event string, data any) {
	s.metrics.WebhookDeliveries.WithLabelValues("attempted").Inc()
	s.webhooks.Emit(ctx, event, data)
}

// localBroadcast fans event out to every subscriber of channelName (other
// than originSocketID, unless PublishToSelf is configured), via the
// worker pool so one slow client cannot stall the rest.
func (s *Server) localBroadcast(channelName, event string, data any, originSocketID, messageID string, requireAck bool) {
	s.broadcastLocal(channelName, event, data, messageID, requireAck, func(socketID string) bool {
		return socketID == originSocketID && !s.cfg.Connection.PublishToSelf
	})
}

// broadcastLocal is the shared fan-out primitive behind localBroadcast,
// presence member events and the public Broadcast API: it delivers to
// every subscriber of channelName for which skip returns false, via the
// worker pool so one slow client cannot stall the rest. When requireAck is
// set, each delivery is registered with the acknowledger instead of being
// sent fire-and-forget.
func (s *Server) broadcastLocal(channelName, event string, data any, messageID string, requireAck bool, skip func(socketID string) bool) {
	subscribers := s.channels.Subscribers(channelName)
	if len(subscribers) == 0 {
		return
	}

	out := protocol.Out{Event: event, Channel: channelName, Data: data, MessageID: messageID}

	var frame []byte
	if !requireAck {
		var err error
		frame, err = protocol.Render(out)
		if err != nil {
			s.logger.Error().Err(err).Msg("server: render broadcast frame failed")
			return
		}
	}

	for _, socketID := range subscribers {
		if skip != nil && skip(socketID) {
			continue
		}
		socketID := socketID
		s.pool.submit(func() {
			c := s.conns.Get(socketID)
			if c == nil {
				return
			}
			if requireAck {
				s.sendWithAck(c, out)
				return
			}
			if !c.Send(frame) {
				s.metrics.BackpressureDrops.Inc()
			}
		})
	}
}

// Broadcast is the server-originated fan-out entry point (spec §4.R,
// scenario S1): it delivers event to every local subscriber of channelName
// except those listed in exclude, and then relays the envelope, tagged with
// this node's id, so subscribers on other nodes receive it too
// (localBroadcast on its own delivers only to this node).
func (s *Server) Broadcast(ctx context.Context, channelName, event string, payload any, exclude ...string) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	s.broadcastLocal(channelName, event, payload, "", false, func(socketID string) bool {
		_, skip := excluded[socketID]
		return skip
	})

	if s.relay == nil {
		return
	}
	env := relay.Envelope{Channel: channelName, Event: event, Data: payload}
	b := s.breakers.Get("relay")
	err := b.Execute(ctx, func(ctx context.Context) error {
		return s.relay.Publish(ctx, channelName, env)
	})
	s.metrics.BreakerState.WithLabelValues("relay").Set(float64(b.State()))
	if err != nil {
		s.metrics.RelayPublishErrors.Inc()
		s.logger.Warn().Err(err).Str("channel", channelName).Msg("server: relay publish failed")
	} else {
		s.metrics.RelayPublishTotal.Inc()
	}
}

// relayInboundLoop delivers envelopes received from other nodes to this
// node's local subscribers without re-publishing them (spec §4.L loopback
// guard is enforced inside the adapter before envelopes reach Inbound()).
func (s *Server) relayInboundLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case env, ok := <-s.relay.Inbound():
			if !ok {
				return
			}
			s.metrics.RelayInboundTotal.Inc()
			s.localBroadcast(env.Channel, env.Event, env.Data, env.SocketID, "", false)
		}
	}
}

// onPresenceTimeout is presence.RemovalFunc: a member who stopped sending
// heartbeats is unsubscribed from the channel it went silent on, and the
// remaining presence subscribers are notified via member_removed.
func (s *Server) onPresenceTimeout(channelName, socketID string, member any) {
	s.channels.Unsubscribe(s.ctx, socketID, channelName)
	if m, ok := member.(channel.Member); ok {
		s.broadcastMemberEvent(channelName, "member_removed", m, socketID)
	}
	if s.relay != nil {
		s.relay.RemoveChannel(s.ctx, channelName, socketID)
		s.relay.RemovePresenceMember(s.ctx, channelName, socketID)
	}
}

// cleanupConnection tears down a closed connection: drops its channel
// memberships, untracks presence, removes it from the relay's connection
// set, and records disconnect metrics — the single place every close path
// (read error, policy violation, forced shutdown) funnels through.
func (s *Server) cleanupConnection(c *connection.Conn, reason string) {
	channels, existed := s.conns.Destroy(c.SocketID)
	if !existed {
		return
	}

	presenceMembers := make(map[string]channel.Member, len(channels))
	for _, ch := range channels {
		if m, ok := s.channels.Member(ch, c.SocketID); ok {
			presenceMembers[ch] = m
		}
	}

	s.channels.UnsubscribeAll(s.ctx, c.SocketID, channels)
	for _, ch := range channels {
		s.heartbeat.Untrack(ch, c.SocketID)
		if m, ok := presenceMembers[ch]; ok {
			s.broadcastMemberEvent(ch, "member_removed", m, c.SocketID)
		}
	}

	if s.relay != nil {
		s.relay.RemoveConnection(s.ctx, c.SocketID)
	}

	c.Close()

	s.metrics.ConnectionsActive.Dec()
	s.metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	s.metrics.ConnectionDuration.WithLabelValues(reason).Observe(time.Since(c.ConnectedAt).Seconds())
}
