// Package metrics exposes Prometheus collectors describing
// the activity of a subrpc client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "subrpc"

// Metrics holds the collectors of a client. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Frames              *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	ProtocolErrors      *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec
	PendingCalls        prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// If reg is nil, the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from the server, by kind.",
		}, []string{"kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications dispatched, by topic and whether they reached a topic handler.",
		}, []string{"topic", "handled"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Frames dropped because of protocol errors, by reason.",
		}, []string{"reason"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time between sending a call and receiving its outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls awaiting a response.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions confirmed by the server and not yet cancelled.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Frames,
			m.Notifications,
			m.ProtocolErrors,
			m.CallDuration,
			m.PendingCalls,
			m.ActiveSubscriptions,
		)
	}

	return m
}

// Frame counts a received frame of the given kind
func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(kind).Inc()
}

// Notification counts a dispatched notification
func (m *Metrics) Notification(topic string, handled bool) {
	if m == nil {
		return
	}
	h := "false"
	if handled {
		h = "true"
	}
	m.Notifications.WithLabelValues(topic, h).Inc()
}

// ProtocolError counts a dropped frame
func (m *Metrics) ProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// CallDone observes the duration of a finished call
func (m *Metrics) CallDone(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.CallDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// SetPending sets the amount of pending calls
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// SetActive sets the amount of active subscriptions
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}
