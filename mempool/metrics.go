// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects residency metrics of the pools that
// share it. A nil *Metrics discards everything.
type Metrics struct {
	imported    prometheus.Gauge
	allocated   prometheus.Gauge
	pools       *prometheus.GaugeVec
	relocations prometheus.Counter
	relocBytes  prometheus.Counter
	failures    *prometheus.CounterVec
}

const metricsNamespace = "residency"

// NewMetrics creates pool metrics and registers them
// with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		imported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "imported_bytes",
			Help:      "Bytes of host memory imported by live pools.",
		}),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "device_allocated_bytes",
			Help:      "Bytes of device memory allocated for relocation by live pools.",
		}),
		pools: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pools",
			Help:      "Number of live pools by residency state.",
		}, []string{"state"}),
		relocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relocations_total",
			Help:      "Number of relocation copies recorded.",
		}),
		relocBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relocated_bytes_total",
			Help:      "Bytes covered by recorded relocation copies.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failures_total",
			Help:      "Number of failed pool operations by error kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.imported,
		m.allocated,
		m.pools,
		m.relocations,
		m.relocBytes,
		m.failures,
	}
}

func (m *Metrics) initialized(st State, size int64) {
	if m == nil {
		return
	}
	m.imported.Add(float64(size))
	if st != DirectResident {
		m.allocated.Add(float64(size))
	}
	m.pools.WithLabelValues(st.String()).Inc()
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.pools.WithLabelValues(from.String()).Dec()
	m.pools.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) relocated(size int64) {
	if m == nil {
		return
	}
	m.relocations.Inc()
	m.relocBytes.Add(float64(size))
}

func (m *Metrics) finalized(st State, size int64) {
	if m == nil {
		return
	}
	m.imported.Sub(float64(size))
	if st != DirectResident {
		m.allocated.Sub(float64(size))
	}
	m.pools.WithLabelValues(st.String()).Dec()
}

func (m *Metrics) failed(k Kind) {
	if m == nil || k == 0 {
		return
	}
	m.failures.WithLabelValues(k.String()).Inc()
}
