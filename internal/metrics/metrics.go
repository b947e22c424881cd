// Package metrics exposes the bridge's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridged"

type Metrics struct {
	registry *prometheus.Registry

	permissionRequests   prometheus.Counter
	permissionDecisions  *prometheus.CounterVec
	permissionWait       prometheus.Histogram
	sessionEvents        *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	repliesForwarded     *prometheus.CounterVec
	unauthorizedEvents   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		permissionRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_requests_total",
			Help:      "Permission requests received from hooks.",
		}),
		permissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Terminal outcomes of permission requests.",
		}, []string{"status"}),
		permissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "permission_wait_seconds",
			Help:      "Time a hook waited for its permission decision.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events received from hooks.",
		}, []string{"status"}),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Gateway calls that failed after the retry.",
		}, []string{"op"}),
		repliesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Operator replies routed to sessions.",
		}, []string{"result"}),
		unauthorizedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_events_total",
			Help:      "Operator events dropped because of their identity.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.permissionRequests,
		m.permissionDecisions,
		m.permissionWait,
		m.sessionEvents,
		m.notificationFailures,
		m.repliesForwarded,
		m.unauthorizedEvents,
	)
	return m
}

// TrackState registers gauges that read the live store sizes at scrape time.
func (m *Metrics) TrackState(pending, sessions func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Permission requests awaiting a decision.",
		}, func() float64 { return float64(pending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions that have not ended.",
		}, func() float64 { return float64(sessions()) }),
	)
}

func (m *Metrics) PermissionRequested() {
	m.permissionRequests.Inc()
}

func (m *Metrics) PermissionResolved(status string, waited time.Duration) {
	m.permissionDecisions.WithLabelValues(status).Inc()
	m.permissionWait.Observe(waited.Seconds())
}

func (m *Metrics) SessionEvent(status string) {
	m.sessionEvents.WithLabelValues(status).Inc()
}

// NotificationFailed counts a gateway failure; op is "send" or "update".
func (m *Metrics) NotificationFailed(op string) {
	m.notificationFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Reply(ok bool) {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.repliesForwarded.WithLabelValues(result).Inc()
}

func (m *Metrics) UnauthorizedEvent() {
	m.unauthorizedEvents.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
