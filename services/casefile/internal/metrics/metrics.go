package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "caselane"

// Collector is a prometheus.Collector for case transitions, archive
// assembly and document retrieval. A nil *Collector records nothing.
type Collector struct {
	transitions     *prometheus.CounterVec
	archiveItems    *prometheus.CounterVec
	archiveDuration prometheus.Histogram
	fetchStrategy   *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "case_transitions_total",
				Help:      "Case lifecycle transitions by action and outcome.",
			}, []string{"action", "outcome"},
		),
		archiveItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_items_total",
				Help:      "Archive entries by kind and outcome.",
			}, []string{"kind", "outcome"},
		),
		archiveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "archive_assembly_seconds",
				Help:      "Time taken to assemble a case archive.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		fetchStrategy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "document_fetch_total",
				Help:      "Document retrievals by winning strategy.",
			}, []string{"strategy"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.transitions.Describe(ch)
	c.archiveItems.Describe(ch)
	c.archiveDuration.Describe(ch)
	c.fetchStrategy.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.transitions.Collect(ch)
	c.archiveItems.Collect(ch)
	c.archiveDuration.Collect(ch)
	c.fetchStrategy.Collect(ch)
}

func (c *Collector) Transition(action, outcome string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) ArchiveItem(kind, outcome string) {
	if c == nil {
		return
	}
	c.archiveItems.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) ArchiveAssembled(d time.Duration) {
	if c == nil {
		return
	}
	c.archiveDuration.Observe(d.Seconds())
}

// Fetched counts a retrieval; an empty strategy means every strategy failed.
func (c *Collector) Fetched(strategy string) {
	if c == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	c.fetchStrategy.WithLabelValues(strategy).Inc()
}
