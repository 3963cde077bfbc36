package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of one Cache.
type Metrics struct {
	operations *prometheus.CounterVec
	entries    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache operations by cache kind and result.",
		}, []string{"kind", "result"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "canopy",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached entries by cache kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		m.operations = register(reg, m.operations).(*prometheus.CounterVec)
		m.entries = register(reg, m.entries).(*prometheus.GaugeVec)
	}
	return m
}

// register reuses an identical collector already present on reg.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

func (m *Metrics) inc(kind, result string) {
	m.operations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) setEntries(kind string, n int) {
	m.entries.WithLabelValues(kind).Set(float64(n))
}
