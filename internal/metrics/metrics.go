// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	items      *prometheus.CounterVec
	polls      *prometheus.CounterVec
	batches    *prometheus.GaugeVec
	handoffs   *prometheus.CounterVec
	audits     *prometheus.CounterVec
	segments   *prometheus.CounterVec
	iterations prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrelay_inbox_items_total",
			Help: "Inbox items processed by outcome",
		}, []string{"outcome"}),
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrelay_archive_sessions_total",
			Help: "Archive session refs inspected per poll by outcome",
		}, []string{"outcome"}),
		batches: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scanrelay_batches",
			Help: "Pending batches by state",
		}, []string{"state"}),
		handoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrelay_handoffs_total",
			Help: "Conversion hand-off attempts by outcome",
		}, []string{"outcome"}),
		audits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrelay_audits_total",
			Help: "Session audits by verdict",
		}, []string{"verdict"}),
		segments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scanrelay_eventlog_segments_total",
			Help: "Event log segments by outcome",
		}, []string{"outcome"}),
		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanrelay_iteration_seconds",
			Help:    "Duration of one pipeline iteration",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordScan counts one inbox scan.
func (m *Metrics) RecordScan(placed, duplicates, unclassified, failed int) {
	m.items.WithLabelValues("placed").Add(float64(placed))
	m.items.WithLabelValues("duplicate").Add(float64(duplicates))
	m.items.WithLabelValues("unclassified").Add(float64(unclassified))
	m.items.WithLabelValues("failed").Add(float64(failed))
}

// RecordPoll counts one archive poll.
func (m *Metrics) RecordPoll(inspected, failed int) {
	m.polls.WithLabelValues("ok").Add(float64(max(inspected-failed, 0)))
	m.polls.WithLabelValues("failed").Add(float64(failed))
}

// SetBatches replaces the per-state batch gauge.
func (m *Metrics) SetBatches(counts map[string]int) {
	m.batches.Reset()
	for state, n := range counts {
		m.batches.WithLabelValues(state).Set(float64(n))
	}
}

// RecordHandoff counts a hand-off attempt.
func (m *Metrics) RecordHandoff(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.handoffs.WithLabelValues(outcome).Inc()
}

// RecordAudit counts audit verdicts.
func (m *Metrics) RecordAudit(complete, incomplete, escalated int) {
	m.audits.WithLabelValues("complete").Add(float64(complete))
	m.audits.WithLabelValues("incomplete").Add(float64(incomplete))
	m.audits.WithLabelValues("escalated").Add(float64(escalated))
}

// RecordSegments counts correlated event log segments.
func (m *Metrics) RecordSegments(matched, discarded int) {
	m.segments.WithLabelValues("matched").Add(float64(matched))
	m.segments.WithLabelValues("discarded").Add(float64(discarded))
}

// ObserveIteration records the wall time of a loop iteration.
func (m *Metrics) ObserveIteration(d time.Duration) {
	m.iterations.Observe(d.Seconds())
}
