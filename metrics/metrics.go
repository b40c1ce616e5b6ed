// Package metrics registers the Prometheus collectors of the fanout service.
// Exposition is left to the embedding server; this package only counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. A nil *Metrics is valid and counts nothing,
// so wiring stays optional in tests.
type Metrics struct {
	publishes       *prometheus.CounterVec
	fanoutOutcomes  *prometheus.CounterVec
	stalePruned     prometheus.Counter
	queueEnqueued   prometheus.Counter
	queueAcked      prometheus.Counter
	queueRetried    prometheus.Counter
	breakerChanges  *prometheus.CounterVec
	publishDuration prometheus.Histogram
}

// New registers the fanout collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "publishes_total",
			Help:      "Publishes by dispatch mode.",
		}, []string{"mode"}),
		fanoutOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "writes_total",
			Help:      "Fanout writes to estuary streams by outcome.",
		}, []string{"outcome"}),
		stalePruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "stale_subscribers_pruned_total",
			Help:      "Subscribers removed after their estuary stream returned 404.",
		}),
		queueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "queue_messages_enqueued_total",
			Help:      "Messages enqueued on the async fanout queue.",
		}),
		queueAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "queue_messages_acked_total",
			Help:      "Queue messages acknowledged by the consumer.",
		}),
		queueRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "queue_messages_retried_total",
			Help:      "Queue messages returned for redelivery.",
		}),
		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"state"}),
		publishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fanout",
			Name:      "publish_duration_seconds",
			Help:      "End-to-end publish latency including dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

// Publish records one publish under the given dispatch mode.
func (m *Metrics) Publish(mode string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(mode).Inc()
}

// FanoutWrites records fanout write outcomes.
func (m *Metrics) FanoutWrites(successes, failures int) {
	if m == nil {
		return
	}
	m.fanoutOutcomes.WithLabelValues("success").Add(float64(successes))
	m.fanoutOutcomes.WithLabelValues("failure").Add(float64(failures))
}

// StalePruned records removed stale subscribers.
func (m *Metrics) StalePruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.stalePruned.Add(float64(n))
}

// QueueEnqueued records messages placed on the queue.
func (m *Metrics) QueueEnqueued(n int) {
	if m == nil || n == 0 {
		return
	}
	m.queueEnqueued.Add(float64(n))
}

// QueueAcked records one acknowledged queue message.
func (m *Metrics) QueueAcked() {
	if m == nil {
		return
	}
	m.queueAcked.Inc()
}

// QueueRetried records one queue message returned for redelivery.
func (m *Metrics) QueueRetried() {
	if m == nil {
		return
	}
	m.queueRetried.Inc()
}

// BreakerTransition records a circuit entering the named state.
func (m *Metrics) BreakerTransition(state string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(state).Inc()
}

// ObservePublish records a publish latency.
func (m *Metrics) ObservePublish(seconds float64) {
	if m == nil {
		return
	}
	m.publishDuration.Observe(seconds)
}
