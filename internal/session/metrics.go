package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	authenticated prometheus.Gauge
	reconnects    prometheus.Counter
	authFailures  prometheus.Counter
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	pending       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chanctl_session_authenticated",
			Help: "1 while the clearing node session is authenticated.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanctl_reconnects_total",
			Help: "Reconnect attempts scheduled after unintentional socket closes.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanctl_auth_failures_total",
			Help: "Handshakes that ended in the error state.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanctl_rpc_requests_total",
			Help: "RPC requests grouped by method and outcome.",
		}, []string{"method", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanctl_rpc_latency_seconds",
			Help:    "Round-trip latency of correlated RPC requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chanctl_pending_operations",
			Help: "Requests awaiting a response from the clearing node.",
		}),
	}

	reg.MustRegister(
		m.authenticated,
		m.reconnects,
		m.authFailures,
		m.requests,
		m.latency,
		m.pending,
	)
	return m
}

func (m *Metrics) setAuthenticated(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.authenticated.Set(1)
		return
	}
	m.authenticated.Set(0)
}

func (m *Metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) incAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) observeRequest(method string, dur time.Duration, err error) {
	if m == nil || method == "" {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(method, result).Inc()
	m.latency.WithLabelValues(method).Observe(dur.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
