// Package server implements the orchestrator (spec §4.R): the component
// that wires every other internal package into the connection lifecycle,
// message dispatch and HTTP surface described by spec §5-§7. It plays the
// role the teacher's root Server type plays in ws_poc, generalized from a
// single Kafka-fed trade feed to a general-purpose pub/sub hub.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/odin-realtime/hub/internal/ack"
	"github.com/odin-realtime/hub/internal/auth"
	"github.com/odin-realtime/hub/internal/breaker"
	"github.com/odin-realtime/hub/internal/channel"
	"github.com/odin-realtime/hub/internal/config"
	"github.com/odin-realtime/hub/internal/connection"
	"github.com/odin-realtime/hub/internal/dedup"
	"github.com/odin-realtime/hub/internal/hub"
	"github.com/odin-realtime/hub/internal/history"
	"github.com/odin-realtime/hub/internal/load"
	"github.com/odin-realtime/hub/internal/metrics"
	"github.com/odin-realtime/hub/internal/presence"
	"github.com/odin-realtime/hub/internal/ratelimit"
	"github.com/odin-realtime/hub/internal/relay"
	"github.com/odin-realtime/hub/internal/validate"
	"github.com/odin-realtime/hub/internal/webhook"
)

const (
	broadcastWorkerCount = 8
	broadcastQueueSize   = 4096
	memSampleInterval    = 15 * time.Second
)

// Server is the assembled hub: every component from SPEC_FULL §4 plus the
// HTTP surface that exposes them.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	conns      *connection.Table
	channels   *channel.Registry
	authorizer *auth.Authorizer
	jwt        *auth.JWTVerifier
	validator  *validate.Validator
	sanitizer  *validate.Sanitizer
	limiter    *ratelimit.Limiter
	loadMgr    *load.Manager
	acker      *ack.Acknowledger
	dedup      *dedup.Deduplicator
	history    *history.Store
	heartbeat  *presence.Heartbeat
	webhooks   *webhook.Emitter
	bus        *hub.Bus
	relay      relay.Adapter
	breakers   *breaker.Manager
	pool       *workerPool
	metrics    *metrics.Registry
	promReg    *prometheus.Registry

	httpServer *http.Server

	mu           sync.Mutex
	shuttingDown bool

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Server from its configuration and a relay adapter
// (callers choose NATS in production, the in-memory bus in tests/single
// node — see internal/relay).
func New(cfg *config.Config, logger zerolog.Logger, relayAdapter relay.Adapter) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	conns := connection.New()
	bus := hub.New(logger)
	channels := channel.New(conns, bus)

	promReg := prometheus.NewRegistry()

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		conns:      conns,
		channels:   channels,
		authorizer: auth.New(),
		validator:  validate.New(),
		sanitizer:  validate.NewSanitizer(cfg.Security.SanitizeMessages),
		limiter: ratelimit.New(ratelimit.Options{
			Max:        cfg.RateLimit.Max,
			Window:     cfg.RateLimit.Window,
			PerChannel: cfg.RateLimit.PerChannel,
			PerUser:    cfg.RateLimit.PerUser,
		}),
		acker: ack.New(ack.Options{
			Enabled:       cfg.Acknowledgments.Enabled,
			Timeout:       cfg.Acknowledgments.Timeout,
			RetryAttempts: cfg.Acknowledgments.RetryAttempts,
		}),
		dedup: dedup.New(cfg.Deduplication.TTL, cfg.Deduplication.MaxSize, logger),
		history: history.New(history.Config{
			MaxMessages:   cfg.Persistence.MaxMessages,
			TTL:           cfg.Persistence.TTL,
			ExcludeEvents: cfg.Persistence.ExcludeEvents,
		}),
		webhooks: webhook.New(webhook.Config{
			Enabled:            cfg.Webhooks.Enabled,
			RetryAttempts:      cfg.Webhooks.RetryAttempts,
			RetryDelay:         cfg.Webhooks.RetryDelay,
			Timeout:            cfg.Webhooks.Timeout,
			Secret:             cfg.Webhooks.Secret,
			DispatchRatePerSec: cfg.Webhooks.DispatchRatePerSec,
			DispatchBurst:      cfg.Webhooks.DispatchBurst,
			Endpoints:          toWebhookEndpoints(cfg.Webhooks.Endpoints),
		}, logger),
		bus:   bus,
		relay: relayAdapter,
		breakers: breaker.NewManager(breaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			FailureWindow:    cfg.CircuitBreaker.FailureWindow,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			Timeout:          cfg.CircuitBreaker.Timeout,
		}),
		pool:      newWorkerPool(broadcastWorkerCount, broadcastQueueSize, logger),
		promReg:   promReg,
		metrics:   metrics.New(promReg),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.loadMgr = load.New(load.Config{
		MaxConnections:           int64(cfg.LoadManagement.MaxConnections),
		MaxChannelsPerConnection: cfg.LoadManagement.MaxChannelsPerConnection,
		MaxGlobalChannels:        int64(cfg.LoadManagement.MaxGlobalChannels),
		ShedLoadAt:               cfg.LoadManagement.ShedLoadAt,
		BackpressureThreshold:    int64(cfg.LoadManagement.BackpressureThreshold),
		ConnRateGlobalBurst:      cfg.LoadManagement.ConnRateGlobalBurst,
		ConnRateGlobalPerSec:     cfg.LoadManagement.ConnRateGlobalPerSec,
		ConnRateIPBurst:          cfg.LoadManagement.ConnRateIPBurst,
		ConnRateIPPerSec:         cfg.LoadManagement.ConnRateIPPerSec,
		ConnRateIPTTL:            cfg.LoadManagement.ConnRateIPTTL,
	}, load.Counts{
		Connections: func() int64 { return int64(conns.Count()) },
		Channels:    func() int64 { return int64(channels.ChannelCount()) },
	}, logger)

	s.heartbeat = presence.New(cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout, s.onPresenceTimeout)

	if nats, ok := relayAdapter.(*relay.NATSAdapter); ok {
		if store, err := relay.NewNATSDedupStore(nats.JetStream(), nats.KeyPrefix(), cfg.Deduplication.TTL); err != nil {
			logger.Warn().Err(err).Msg("server: falling back to local-only deduplication")
		} else {
			s.dedup.WithStore(store)
		}
	}

	if cfg.Auth.Enabled && cfg.Auth.JWT.Secret != "" {
		s.jwt = auth.NewJWTVerifier(cfg.Auth.JWT.Secret)
	}

	s.registerLifecycleHooks()

	return s
}

func toWebhookEndpoints(cfg []config.WebhookEndpoint) []webhook.Endpoint {
	out := make([]webhook.Endpoint, 0, len(cfg))
	for _, e := range cfg {
		out = append(out, webhook.Endpoint{URL: e.URL, Events: e.Events, Headers: e.Headers, Method: e.Method})
	}
	return out
}

// registerLifecycleHooks wires the channel registry's lifecycle bus into
// the webhook emitter and metrics, so channel.created / .destroyed fan out
// without the registry needing to know either exists (Design Note: event
// bus instead of cyclic references).
func (s *Server) registerLifecycleHooks() {
	s.bus.On(hub.Created, func(ctx context.Context, ev hub.Event) {
		s.metrics.ChannelsActive.Inc()
		s.emitWebhook(ctx, "channel.created", map[string]any{"channel": ev.Channel})
	})
	s.bus.On(hub.Destroyed, func(ctx context.Context, ev hub.Event) {
		s.metrics.ChannelsActive.Dec()
		s.emitWebhook(ctx, "channel.destroyed", map[string]any{"channel": ev.Channel})
	})
	s.bus.On(hub.Subscribed, func(ctx context.Context, ev hub.Event) {
		s.metrics.SubscriptionsTotal.Inc()
		s.emitWebhook(ctx, "channel.subscribed", map[string]any{"channel": ev.Channel, "socketId": ev.SocketID, "count": ev.Count})
	})
	s.bus.On(hub.Unsubscribed, func(ctx context.Context, ev hub.Event) {
		s.emitWebhook(ctx, "channel.unsubscribed", map[string]any{"channel": ev.Channel, "socketId": ev.SocketID, "count": ev.Count})
	})
}

// RegisterAuthorizer exposes the authorizer so cmd/hub (or an embedding
// application) can register private/presence channel rules before Start.
func (s *Server) RegisterAuthorizer(template string, fn auth.Callback) error {
	return s.authorizer.Register(template, fn)
}

// Start runs every background loop and begins serving HTTP on addr.
func (s *Server) Start(addr string) error {
	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.limiter.Run(s.ctx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.loadMgr.Run(s.ctx, memSampleInterval) }()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(memSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.metrics.MemoryPercent.Set(s.loadMgr.MemoryPercent())
			}
		}
	}()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.acker.Run(s.ctx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.dedup.Run(s.ctx) }()

	if s.cfg.Heartbeat.Enabled {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.heartbeat.Run(s.ctx) }()
	}

	s.pool.start(s.ctx, broadcastWorkerCount)

	if s.relay != nil {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.relayInboundLoop() }()
	}

	mux := http.NewServeMux()
	s.registerHTTP(mux)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info().Str("addr", addr).Msg("server: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains live connections (spec §7 graceful shutdown, close code
// 1001) before tearing down background loops, grounded on the teacher's
// Shutdown: stop accepting, drain with a grace period, then force-close.
func (s *Server) Shutdown(ctx context.Context, gracePeriod time.Duration) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	s.logger.Info().Msg("server: shutdown initiated")

	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}

	deadline := time.NewTimer(gracePeriod)
	ticker := time.NewTicker(time.Second)
	defer deadline.Stop()
	defer ticker.Stop()

drain:
	for {
		if s.conns.Count() == 0 {
			break drain
		}
		select {
		case <-deadline.C:
			break drain
		case <-ticker.C:
		}
	}

	s.conns.Range(func(c *connection.Conn) bool {
		closeWithCode(c, ws.StatusGoingAway, "server shutting down")
		return true
	})

	s.acker.Clear()
	s.cancel()
	s.pool.wait()
	s.wg.Wait()

	if s.relay != nil {
		s.relay.Close()
	}

	s.logger.Info().Msg("server: shutdown complete")
	return nil
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}
