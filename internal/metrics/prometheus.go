package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ChainCollector exports the chain tail to Prometheus. It reads the Registry
// at scrape time so the two never disagree.
type ChainCollector struct {
	registry *Registry

	height   *prometheus.Desc
	tailTime *prometheus.Desc
}

// NewChainCollector creates a collector over the registry's chain state
func NewChainCollector(registry *Registry) *ChainCollector {
	return &ChainCollector{
		registry: registry,
		height: prometheus.NewDesc(
			"edu_ledger_chain_height",
			"Sequence number of the most recently committed ledger record",
			nil, nil,
		),
		tailTime: prometheus.NewDesc(
			"edu_ledger_chain_tail_timestamp_seconds",
			"performedAt of the most recently committed ledger record as a Unix timestamp",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *ChainCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.height
	ch <- c.tailTime
}

// Collect implements prometheus.Collector
func (c *ChainCollector) Collect(ch chan<- prometheus.Metric) {
	height, at := c.registry.ChainTail()

	ch <- prometheus.MustNewConstMetric(c.height, prometheus.GaugeValue, float64(height))

	var ts float64
	if !at.IsZero() {
		ts = float64(at.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.tailTime, prometheus.GaugeValue, ts)
}

// Register adds the collector to reg, or to the default registerer when reg
// is nil.
func (c *ChainCollector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(c)
}
