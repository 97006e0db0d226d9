// Package metrics exposes the Prometheus instrumentation the framework
// emits: nsqpipe_-prefixed counters and a handler-latency histogram,
// labelled by topic (the handled counter also by a success/failure
// outcome). The names and labels are this module's own; they are not the
// original worker's metric names, and there are no channel, route or
// OK/FAILED/RESENT status labels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors a Lifecycle reports through.
// Register it against a prometheus.Registerer once at startup.
type Metrics struct {
	handled           *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	lockContention    *prometheus.CounterVec
	persisted         *prometheus.CounterVec
	touchFailures     *prometheus.CounterVec
	recoveryPublished *prometheus.CounterVec
}

// New creates the collector set without registering it.
func New() *Metrics {
	return &Metrics{
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsqpipe_messages_handled_total",
			Help: "Total messages handled, labeled by topic and outcome (success|failure).",
		}, []string{"topic", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nsqpipe_handler_duration_seconds",
			Help:    "Business handler latency in seconds, labeled by topic.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsqpipe_lock_contention_total",
			Help: "Total times a message could not acquire its resource lock and was requeued.",
		}, []string{"topic"}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsqpipe_messages_persisted_total",
			Help: "Total messages written to the failed-message store after exhausting retries.",
		}, []string{"topic"}),
		touchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsqpipe_touch_failures_total",
			Help: "Total heartbeat touch calls that failed for a reason other than the message no longer being in flight.",
		}, []string{"topic"}),
		recoveryPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nsqpipe_recovery_published_total",
			Help: "Total recovery envelopes republished for retry.",
		}, []string{"topic"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.handled, m.handlerDuration, m.lockContention,
		m.persisted, m.touchFailures, m.recoveryPublished,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncHandled records one handled message for topic with the given
// outcome, "success" or "failure".
func (m *Metrics) IncHandled(topic, outcome string) {
	m.handled.WithLabelValues(topic, outcome).Inc()
}

// ObserveHandlerDuration records how long the business handler took for a
// message on topic.
func (m *Metrics) ObserveHandlerDuration(topic string, d time.Duration) {
	m.handlerDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// IncLockContention records one failed lock acquisition for topic.
func (m *Metrics) IncLockContention(topic string) {
	m.lockContention.WithLabelValues(topic).Inc()
}

// IncPersisted records one message written to the failed-message store for
// topic.
func (m *Metrics) IncPersisted(topic string) {
	m.persisted.WithLabelValues(topic).Inc()
}

// IncTouchFailure records one unexpected heartbeat touch failure for topic.
func (m *Metrics) IncTouchFailure(topic string) {
	m.touchFailures.WithLabelValues(topic).Inc()
}

// IncRecoveryPublished records one recovery envelope republished for
// topic.
func (m *Metrics) IncRecoveryPublished(topic string) {
	m.recoveryPublished.WithLabelValues(topic).Inc()
}
