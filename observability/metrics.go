package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for calls and conversations.
type Metrics struct {
	registry *prometheus.Registry

	CallsTotal         *prometheus.CounterVec
	CallsActive        prometheus.Gauge
	CallDuration       prometheus.Histogram
	TransitionsTotal   *prometheus.CounterVec
	RejectedCalls      *prometheus.CounterVec
	InterruptionsTotal prometheus.Counter
	ServiceErrors      *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callflow"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Outbound calls by final status",
		}, []string{"status"}),
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently in progress",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from dial to result",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Conversation node transitions",
		}, []string{"from", "to"}),
		RejectedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_rejected_function_calls_total",
			Help:      "Function calls the flow engine refused",
		}, []string{"reason"}),
		InterruptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant turns cut short by the user speaking",
		}),
		ServiceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_errors_total",
			Help:      "Errors from speech and language services",
		}, []string{"service"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM audio bytes moved through call pipelines",
		}, []string{"direction"}),
	}

	registry.MustRegister(
		m.CallsTotal,
		m.CallsActive,
		m.CallDuration,
		m.TransitionsTotal,
		m.RejectedCalls,
		m.InterruptionsTotal,
		m.ServiceErrors,
		m.AudioBytesTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CallStarted marks a call active and returns a func that records its end.
func (m *Metrics) CallStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.CallsActive.Inc()
	return func(status string) {
		m.CallsActive.Dec()
		m.CallsTotal.WithLabelValues(status).Inc()
		m.CallDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedCalls.WithLabelValues(reason).Inc()
}

func (m *Metrics) Interrupted() {
	if m == nil {
		return
	}
	m.InterruptionsTotal.Inc()
}

func (m *Metrics) ServiceError(service string) {
	if m == nil {
		return
	}
	m.ServiceErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) Audio(direction string, n int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}
