// Package prometheus exposes engine counters as a Prometheus collector.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authcore "github.com/guardpost/authcore"
	"github.com/guardpost/authcore/metrics/export/internaldefs"
)

// MetricsSource is the slice of the engine the collector reads from.
type MetricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
	AuditWriteFailures() uint64
}

// Collector implements [prometheus.Collector] over the engine's snapshot.
// Register it on any registry; every scrape takes a fresh snapshot.
type Collector struct {
	source       MetricsSource
	counterDescs map[authcore.MetricID]*prometheus.Desc
	histDescs    map[authcore.MetricID]*prometheus.Desc
	droppedDesc  *prometheus.Desc
}

func NewCollector(source MetricsSource) *Collector {
	c := &Collector{
		source:       source,
		counterDescs: make(map[authcore.MetricID]*prometheus.Desc, len(internaldefs.CounterDefs)),
		histDescs:    make(map[authcore.MetricID]*prometheus.Desc, len(internaldefs.HistogramDefs)),
		droppedDesc: prometheus.NewDesc(
			"authcore_audit_dropped_total",
			"Audit entries dropped under dispatcher backpressure.",
			nil, nil,
		),
	}
	for _, def := range internaldefs.CounterDefs {
		c.counterDescs[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histDescs[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	return c
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counterDescs {
		ch <- d
	}
	for _, d := range c.histDescs {
		ch <- d
	}
	ch <- c.droppedDesc
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}
	snapshot := c.source.MetricsSnapshot()

	for _, def := range internaldefs.CounterDefs {
		value := snapshot.Counters[def.ID]
		if def.ID == authcore.MetricAuditWriteFailure {
			value += c.source.AuditWriteFailures()
		}
		ch <- prometheus.MustNewConstMetric(c.counterDescs[def.ID], prometheus.CounterValue, float64(value))
	}

	for _, def := range internaldefs.HistogramDefs {
		raw := internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID])
		cumulative := internaldefs.CumulativeBuckets(raw)
		buckets := make(map[float64]uint64, len(internaldefs.HistogramBounds))
		for i, le := range internaldefs.HistogramBounds {
			buckets[le] = cumulative[i]
		}
		count := cumulative[len(cumulative)-1]
		// Sum is not tracked in core snapshots; exposed as zero for shape
		// compatibility.
		ch <- prometheus.MustNewConstHistogram(c.histDescs[def.ID], count, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(c.source.AuditDropped()))
}

// Handler registers the collector on a private registry and returns a scrape
// handler for it.
func Handler(source MetricsSource) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(source)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
