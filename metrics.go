package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the proxy with Prometheus collectors. All methods are
// nil-receiver safe so instrumentation stays optional.
type Metrics struct {
	connsAccepted prometheus.Counter
	connsInflight prometheus.Gauge
	requests      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	bytesRelayed  prometheus.Counter
	duration      prometheus.Histogram
}

// NewMetrics builds and registers the proxy collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httplogger",
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted by the listener.",
		}),
		connsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httplogger",
			Name:      "connections_inflight",
			Help:      "Client connections currently being handled.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httplogger",
			Name:      "requests_total",
			Help:      "Completed exchanges by scheme.",
		}, []string{"scheme"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httplogger",
			Name:      "request_failures_total",
			Help:      "Failed exchanges by failure kind.",
		}, []string{"kind"}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httplogger",
			Name:      "response_bytes_relayed_total",
			Help:      "Response body bytes copied back to clients.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "httplogger",
			Name:      "exchange_duration_seconds",
			Help:      "Time from connection accept to response relayed.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.connsAccepted, m.connsInflight, m.requests,
		m.failures, m.bytesRelayed, m.duration,
	)
	return m
}

func (m *Metrics) connAccepted() {
	if m == nil {
		return
	}
	m.connsAccepted.Inc()
	m.connsInflight.Inc()
}

func (m *Metrics) connDone() {
	if m == nil {
		return
	}
	m.connsInflight.Dec()
}

func (m *Metrics) requestCompleted(https bool, started time.Time) {
	if m == nil {
		return
	}
	scheme := "http"
	if https {
		scheme = "https"
	}
	m.requests.WithLabelValues(scheme).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) requestFailed(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) relayedBytes(n int64) {
	if m == nil {
		return
	}
	m.bytesRelayed.Add(float64(n))
}
