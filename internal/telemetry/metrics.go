// Package telemetry exposes the pipeline's Prometheus instrumentation.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the telemetry pipeline
type Metrics struct {
	// Ingest metrics
	EventsIngested  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	IngestDuration  prometheus.Histogram
	CounterFanouts  prometheus.Counter
	CounterFailures prometheus.Counter

	// Detector metrics
	TicksTotal      *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	RulesEvaluated  prometheus.Counter
	RuleFailures    prometheus.Counter
	IncidentsOpened *prometheus.CounterVec
	IncidentsClosed prometheus.Counter
	Suppressions    prometheus.Counter

	// Enrichment metrics
	EnrichmentsTotal   *prometheus.CounterVec
	EnrichmentDuration prometheus.Histogram
}

// NewMetrics creates all metrics on the default Prometheus registry
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn creates and registers all metrics with the given registerer.
// Tests pass a fresh registry so parallel suites never collide.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_ingested_total",
				Help: "Accepted payment events by status",
			},
			[]string{"status"},
		),

		EventsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_rejected_total",
				Help: "Rejected ingest requests by reason",
			},
			[]string{"reason"}, // validation, backpressure, storage
		),

		IngestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_ingest_duration_seconds",
				Help:    "End-to-end ingest latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),

		CounterFanouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_counter_fanouts_total",
				Help: "Metric bucket increments fanned out by the ingestor",
			},
		),

		CounterFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_counter_failures_total",
				Help: "Metric bucket increments that failed after the event was logged",
			},
		),

		TicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_detector_ticks_total",
				Help: "Detector ticks by outcome",
			},
			[]string{"outcome"}, // run, skipped_lock, failed
		),

		TickDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_detector_tick_duration_seconds",
				Help:    "Full detector tick duration",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
		),

		RulesEvaluated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_rules_evaluated_total",
				Help: "Rule evaluations performed across all ticks",
			},
		),

		RuleFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_rule_failures_total",
				Help: "Rule evaluations skipped this tick due to an error",
			},
		),

		IncidentsOpened: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_incidents_opened_total",
				Help: "Incidents opened by severity",
			},
			[]string{"severity"},
		),

		IncidentsClosed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_incidents_recovered_total",
				Help: "Incidents transitioned to RECOVERED",
			},
		),

		Suppressions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_incidents_suppressed_total",
				Help: "Re-fires swallowed by the cooldown window",
			},
		),

		EnrichmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_enrichments_total",
				Help: "Enrichment outcomes by status",
			},
			[]string{"status"}, // succeeded, failed
		),

		EnrichmentDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_enrichment_duration_seconds",
				Help:    "Wall time from dequeue to NOTIFIED",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
			},
		),
	}
}

// RecordIngest records one accepted event.
func (m *Metrics) RecordIngest(status string, seconds float64) {
	m.EventsIngested.WithLabelValues(status).Inc()
	m.IngestDuration.Observe(seconds)
}

// RecordRejection records one rejected ingest request.
func (m *Metrics) RecordRejection(reason string) {
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// RecordTick records a completed detector tick.
func (m *Metrics) RecordTick(outcome string, seconds float64) {
	m.TicksTotal.WithLabelValues(outcome).Inc()
	if outcome == "run" {
		m.TickDuration.Observe(seconds)
	}
}

// RecordEnrichment records one finished enrichment.
func (m *Metrics) RecordEnrichment(status string, seconds float64) {
	m.EnrichmentsTotal.WithLabelValues(status).Inc()
	m.EnrichmentDuration.Observe(seconds)
}
