package metrics

import (
	"net/http"
	"strings"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowflow"

// Metrics holds the service collectors on a private registry so tests can
// build as many as they like without tripping duplicate registration.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	custody     prometheus.Gauge
	dropped     *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Committed escrow state transitions segmented by event type.",
		}, []string{"event"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Rejected engine operations segmented by operation.",
		}, []string{"op"}),
		custody: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "custody",
			Help:      "Value currently held for unsettled escrows.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events a slow subscriber missed, segmented by event type.",
		}, []string{"event"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route and status code class.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.rejections,
		m.custody,
		m.dropped,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition increments the transition counter for an event type.
func (m *Metrics) RecordTransition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalize(event)).Inc()
}

// RecordRejection increments the rejection counter for an operation.
func (m *Metrics) RecordRejection(op string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalize(op)).Inc()
}

// SetCustody publishes the current custody total. Precision is lost above 2^53.
func (m *Metrics) SetCustody(v *uint256.Int) {
	if m == nil || v == nil {
		return
	}
	m.custody.Set(v.Float64())
}

// RecordDropped increments the dropped-event counter.
func (m *Metrics) RecordDropped(event string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalize(event)).Inc()
}

// RecordRequest counts a served HTTP request.
func (m *Metrics) RecordRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(normalize(route), codeClass(status)).Inc()
}

func normalize(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return "unknown"
	}
	return label
}

func codeClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
