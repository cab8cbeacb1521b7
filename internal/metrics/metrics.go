// Package metrics holds the Prometheus collectors for the delivery core.
// Collectors are registered on an explicit registry so tests can construct
// fresh instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ragline"

type Metrics struct {
	registry *prometheus.Registry

	EventsProduced  *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	DLQDepth        *prometheus.GaugeVec
	ConnectionsOpen *prometheus.GaugeVec

	OutboxLag         prometheus.Gauge
	StreamConsumerLag *prometheus.GaugeVec
	CircuitState      *prometheus.GaugeVec
	DLQAlertsActive   *prometheus.GaugeVec

	DLQReprocessAttempts *prometheus.CounterVec

	BusAppendDuration prometheus.Histogram
	PushQueueDepth    prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsProduced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_produced_total",
			Help:      "Events published to the stream bus by the outbox reader.",
		}, []string{"topic"}),

		EventsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Events read from the stream bus and dispatched to connections.",
		}, []string{"topic", "tenant_id"}),

		DLQDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Entries currently quarantined per dead-letter topic.",
		}, []string{"topic"}),

		ConnectionsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Live push connections by protocol.",
		}, []string{"protocol"}),

		OutboxLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_lag_seconds",
			Help:      "Age of the oldest unprocessed outbox row.",
		}),

		StreamConsumerLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_consumer_lag",
			Help:      "Pending entries per consumer group and topic.",
		}, []string{"group", "topic"}),

		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		DLQAlertsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_alerts_active",
			Help:      "Active DLQ alert conditions by topic and type.",
		}, []string{"topic", "type"}),

		DLQReprocessAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_reprocess_attempts_total",
			Help:      "DLQ reprocess attempts by topic and result.",
		}, []string{"topic", "result"}),

		BusAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_append_duration_seconds",
			Help:      "Latency of stream bus appends.",
			Buckets:   prometheus.DefBuckets,
		}),

		PushQueueDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_queue_depth",
			Help:      "Outbound queue depth sampled at enqueue time.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
	}
}

// Handler exposes the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
