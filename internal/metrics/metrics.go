// Package metrics holds the service's Prometheus collectors. All methods
// are safe on a nil *Metrics so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "acontext"

type Metrics struct {
	messagesStored *prometheus.CounterVec
	publishTotal   *prometheus.CounterVec
	reconnects     prometheus.Counter
	publisherState prometheus.Gauge
	authFailures   *prometheus.CounterVec
	flushTotal     *prometheus.CounterVec
	rateLimited    prometheus.Counter
	sweepPublished prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Messages persisted, by input format.",
		}, []string{"format"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publish_total",
			Help:      "Queue event publish attempts, by outcome.",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_reconnects_total",
			Help:      "Successful broker reconnections.",
		}),
		publisherState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_publisher_state",
			Help:      "Publisher state: 0 connected, 1 reconnecting, 2 closed.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials, by reason.",
		}, []string{"reason"}),
		flushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_total",
			Help:      "Synchronous flush calls, by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-project rate limiter.",
		}),
		sweepPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_published_total",
			Help:      "Reconcile events published by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesStored, m.publishTotal, m.reconnects, m.publisherState,
			m.authFailures, m.flushTotal, m.rateLimited, m.sweepPublished,
		)
	}
	return m
}

func (m *Metrics) MessageStored(format string) {
	if m == nil {
		return
	}
	m.messagesStored.WithLabelValues(format).Inc()
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) PublisherState(state int) {
	if m == nil {
		return
	}
	m.publisherState.Set(float64(state))
}

func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Flushed(err error) {
	if m == nil {
		return
	}
	m.flushTotal.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SweepPublished(n int) {
	if m == nil {
		return
	}
	m.sweepPublished.Add(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
