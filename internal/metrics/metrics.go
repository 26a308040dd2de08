// Package metrics registers the Prometheus collectors the orchestrator
// updates as connections, channels and relay traffic move through the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the hub exposes at /metrics.
type Registry struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed prometheus.Counter

	DisconnectsTotal    *prometheus.CounterVec
	ConnectionDuration  *prometheus.HistogramVec

	ChannelsActive    prometheus.Gauge
	SubscriptionsTotal prometheus.Counter

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	RateLimitedTotal   prometheus.Counter
	DuplicatesDropped  prometheus.Counter
	BackpressureDrops  prometheus.Counter

	RelayPublishTotal  prometheus.Counter
	RelayPublishErrors prometheus.Counter
	RelayInboundTotal  prometheus.Counter

	WebhookDeliveries *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	MemoryPercent prometheus.Gauge
}

// New constructs every collector and registers them against reg.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_connections_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Current number of active WebSocket connections.",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_connections_failed_total",
			Help: "Total number of rejected or failed connection attempts.",
		}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_disconnects_total",
			Help: "Total disconnections by close code.",
		}, []string{"code"}),
		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_connection_duration_seconds",
			Help:    "Connection lifetime before disconnect.",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"code"}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_channels_active",
			Help: "Current number of non-empty channels.",
		}),
		SubscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_subscriptions_total",
			Help: "Total number of successful channel subscriptions.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_sent_total",
			Help: "Total outbound frames sent to clients.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_received_total",
			Help: "Total inbound frames received from clients.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_bytes_sent_total",
			Help: "Total bytes sent to clients.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_bytes_received_total",
			Help: "Total bytes received from clients.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_rate_limited_total",
			Help: "Total requests rejected by the rate limiter.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_duplicates_dropped_total",
			Help: "Total broadcasts dropped as duplicates.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_backpressure_drops_total",
			Help: "Total non-critical frames dropped under backpressure.",
		}),
		RelayPublishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_relay_publish_total",
			Help: "Total envelopes published to the relay.",
		}),
		RelayPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_relay_publish_errors_total",
			Help: "Total relay publish failures.",
		}),
		RelayInboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_relay_inbound_total",
			Help: "Total envelopes received from the relay.",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open.",
		}, []string{"name"}),
		MemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_system_memory_percent",
			Help: "Last-sampled system memory usage percentage.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed,
		m.DisconnectsTotal, m.ConnectionDuration,
		m.ChannelsActive, m.SubscriptionsTotal,
		m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.RateLimitedTotal, m.DuplicatesDropped, m.BackpressureDrops,
		m.RelayPublishTotal, m.RelayPublishErrors, m.RelayInboundTotal,
		m.WebhookDeliveries, m.BreakerState, m.MemoryPercent,
	)
	return m
}

// Handler returns the Prometheus scrape handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
