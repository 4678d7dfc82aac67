package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the broker exposes. A single
// instance is created per process and threaded through the components
// that need to observe something, mirroring the teacher's package-level
// collector set but scoped to a struct so tests can create an isolated
// registry instead of mutating process-global state.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected prometheus.Counter

	MessagesPublished  *prometheus.CounterVec
	MessagesDelivered  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	CompactionDrops    *prometheus.CounterVec
	RetentionEvictions *prometheus.CounterVec
	SubscriberLag      *prometheus.CounterVec

	CommandsRateLimited prometheus.Counter

	WorkerQueueDepth prometheus.Gauge
	WorkerDropped    prometheus.Counter

	NATSMirrorErrors prometheus.Counter
}

// NewMetrics registers and returns a fresh collector set backed by its
// own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zaichik_connections_total",
			Help: "Total TCP connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zaichik_connections_active",
			Help: "Currently open TCP connections.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zaichik_connections_rejected_total",
			Help: "Connections closed immediately by the resource guard.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaichik_messages_published_total",
			Help: "Messages accepted by a topic (post-compaction).",
		}, []string{"topic"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaichik_messages_delivered_total",
			Help: "Messages written to a subscriber's socket.",
		}, []string{"topic"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaichik_messages_dropped_expired_total",
			Help: "Messages discarded at delivery time for being past their retention horizon.",
		}, []string{"topic"}),
		CompactionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaichik_compaction_drops_total",
			Help: "Publishes suppressed as duplicates within a topic's compaction window.",
		}, []string{"topic"}),
		RetentionEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaichik_retention_evictions_total",
			Help: "Retained messages pruned for being past their expiry.",
		}, []string{"topic"}),
		SubscriberLag: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaichik_subscriber_lag_total",
			Help: "Times a subscriber's live channel was full and a message was dropped for it.",
		}, []string{"topic"}),
		CommandsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zaichik_commands_rate_limited_total",
			Help: "Inbound command frames dropped by the per-connection rate limiter.",
		}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zaichik_worker_queue_depth",
			Help: "Pending tasks in the side-effect worker pool.",
		}),
		WorkerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zaichik_worker_dropped_tasks_total",
			Help: "Side-effect tasks dropped because the worker queue was full.",
		}),
		NATSMirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zaichik_nats_mirror_errors_total",
			Help: "Failed attempts to mirror a message onto NATS.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsRejected,
		m.MessagesPublished, m.MessagesDelivered, m.MessagesDropped,
		m.CompactionDrops, m.RetentionEvictions, m.SubscriberLag,
		m.CommandsRateLimited, m.WorkerQueueDepth, m.WorkerDropped,
		m.NATSMirrorErrors,
	)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
