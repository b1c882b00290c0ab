// Package metrics exposes reply-cycle counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple apps never collide.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	cycles      *prometheus.CounterVec
	dropped     prometheus.Counter
	poolRecords prometheus.Gauge
	poolSpread  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expansionbot",
			Name:      "reply_cycles_total",
			Help:      "Eligible messages handled, by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "expansionbot",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped because the responder queue was full.",
		}),
		poolRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "expansionbot",
			Name:      "pool_records",
			Help:      "Expansion records in the store at the last rotation report.",
		}),
		poolSpread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "expansionbot",
			Name:      "pool_usage_spread",
			Help:      "Max minus min usage count at the last rotation report.",
		}),
	}
	reg.MustRegister(m.cycles, m.dropped, m.poolRecords, m.poolSpread,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveCycle(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}

func (m *Metrics) ObservePool(records int, spread int64) {
	if m == nil {
		return
	}
	m.poolRecords.Set(float64(records))
	m.poolSpread.Set(float64(spread))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
