// Package metrics defines the Prometheus instrumentation for the message hub.
// All collectors live on a private registry so tests can create isolated
// instances without hitting the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the hub records. Construct with New and share
// one instance across components.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent    *prometheus.CounterVec
	DeliveryLatency *prometheus.HistogramVec

	QueueDepth    *prometheus.GaugeVec
	QueueRejected prometheus.Counter
	QueueThrottle prometheus.Counter
	QueueEvicted  prometheus.Counter

	RetriesScheduled prometheus.Counter
	DeadLetters      prometheus.Gauge

	BreakerState *prometheus.GaugeVec

	Transactions *prometheus.CounterVec

	EventsAppended prometheus.Counter
	WALBuffered    prometheus.Gauge

	InstancesRegistered *prometheus.GaugeVec
	DependencyFailures  prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates a Metrics instance with all collectors registered on a fresh
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_messages_sent_total",
			Help: "Messages routed through the hub by destination and outcome.",
		}, []string{"destination", "outcome"}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_delivery_latency_seconds",
			Help:    "End-to-end delivery latency by destination.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_queue_depth",
			Help: "Messages currently queued, by priority level.",
		}, []string{"priority"}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_queue_rejected_total",
			Help: "Enqueue attempts rejected due to queue overflow.",
		}),
		QueueThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_queue_throttle_total",
			Help: "Enqueues accepted while the queue was above the throttle watermark.",
		}),
		QueueEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_queue_evicted_total",
			Help: "Aged low-priority messages evicted by the background sweep.",
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_retries_scheduled_total",
			Help: "Redelivery attempts scheduled by the retry manager.",
		}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_dead_letters",
			Help: "Messages currently parked in the dead-letter store.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_circuit_breaker_state",
			Help: "Circuit breaker state per destination (0=closed, 1=half-open, 2=open).",
		}, []string{"destination"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_transactions_total",
			Help: "Distributed transactions by terminal state.",
		}, []string{"state"}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_events_appended_total",
			Help: "Events appended to the durable event log.",
		}),
		WALBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_wal_buffered_events",
			Help: "Events buffered in the in-memory WAL awaiting flush.",
		}),
		InstancesRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_registered_instances",
			Help: "Registered instances per service type and health status.",
		}, []string{"service", "status"}),
		DependencyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_dependency_check_failures_total",
			Help: "Dependency checks that found an unsatisfied critical dependency.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.MessagesSent, m.DeliveryLatency,
		m.QueueDepth, m.QueueRejected, m.QueueThrottle, m.QueueEvicted,
		m.RetriesScheduled, m.DeadLetters,
		m.BreakerState,
		m.Transactions,
		m.EventsAppended, m.WALBuffered,
		m.InstancesRegistered, m.DependencyFailures,
		m.HTTPRequests, m.HTTPLatency,
	)

	return m
}

// Handler returns the Prometheus exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a served HTTP request. The route label should be the
// chi route pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveDelivery records a completed delivery attempt.
func (m *Metrics) ObserveDelivery(destination, outcome string, elapsed time.Duration) {
	m.MessagesSent.WithLabelValues(destination, outcome).Inc()
	m.DeliveryLatency.WithLabelValues(destination).Observe(elapsed.Seconds())
}
