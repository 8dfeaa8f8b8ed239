// Package metrics exposes gateway-internal state as Prometheus gauges
// (§10, §13). It holds no state of its own; it pulls from the components
// that already track it at scrape time, same as promhttp's own collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/otcheredev/ris-dicom-connector/internal/adapters"
)

// PoolCollector reports each configured AET's association pool occupancy
// on every /metrics scrape, grounding the teacher's ConnectionPool.Stats()
// in Prometheus instead of leaving it unread.
type PoolCollector struct {
	factory *adapters.Factory

	idle *prometheus.Desc
	size *prometheus.Desc
}

func NewPoolCollector(factory *adapters.Factory) *PoolCollector {
	return &PoolCollector{
		factory: factory,
		idle: prometheus.NewDesc(
			"dicom_gateway_pool_idle_associations",
			"Idle associations currently held open in the AET's pool.",
			[]string{"aet"}, nil,
		),
		size: prometheus.NewDesc(
			"dicom_gateway_pool_size",
			"Configured maximum concurrent associations for the AET's pool.",
			[]string{"aet"}, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idle
	ch <- c.size
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, aetCfg := range c.factory.List() {
		adapter, err := c.factory.Get(aetCfg.AET)
		if err != nil {
			continue
		}
		stats, ok := adapter.PoolStats()
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stats.Idle), aetCfg.AET)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.Size), aetCfg.AET)
	}
}
