package channel

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	operations *prometheus.CounterVec
	funded     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanctl_channel_operations_total",
			Help: "Channel lifecycle operations grouped by operation and outcome.",
		}, []string{"op", "result"}),
		funded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chanctl_channel_open",
			Help: "1 while a channel record is held locally.",
		}),
	}

	reg.MustRegister(m.operations, m.funded)
	return m
}

func (m *Metrics) recordOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) recordRecovery(op string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, "recovered").Inc()
}

func (m *Metrics) setOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.funded.Set(1)
		return
	}
	m.funded.Set(0)
}
