// Package metrics provides Prometheus metrics for the intake services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxintake/internal/normalize"
	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	ExtractionsReceived   *prometheus.CounterVec
	ExtractionsNormalized *prometheus.CounterVec
	ReviewDecisions       *prometheus.CounterVec
	NormalizationIssues   *prometheus.CounterVec
	NormalizeDuration     prometheus.Histogram
	OCRRequests           *prometheus.CounterVec
	MessagesConsumed      *prometheus.CounterVec
	OutboxPublishedTotal  *prometheus.CounterVec
	OutboxFailedTotal     *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ExtractionsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_extractions_received_total",
			Help: "Extractions received, by source",
		}, []string{"source"}),
		ExtractionsNormalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_extractions_normalized_total",
			Help: "Normalized extractions, by outcome (clean, needs_review)",
		}, []string{"outcome"}),
		ReviewDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_review_decisions_total",
			Help: "Reviewer decisions, by decision",
		}, []string{"decision"}),
		NormalizationIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_normalization_issues_total",
			Help: "Issues reported by normalization, by code",
		}, []string{"code"}),
		NormalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxintake_normalize_duration_seconds",
			Help:    "Normalization duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		}),
		OCRRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_ocr_requests_total",
			Help: "OCR service calls, by outcome",
		}, []string{"outcome"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_messages_consumed_total",
			Help: "Kafka messages consumed, by result",
		}, []string{"result"}),
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_outbox_published_total",
			Help: "Outbox entries published, by topic",
		}, []string{"topic"}),
		OutboxFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxintake_outbox_failed_total",
			Help: "Outbox publish failures, by topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxintake_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rxintake_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ExtractionsReceived,
		m.ExtractionsNormalized,
		m.ReviewDecisions,
		m.NormalizationIssues,
		m.NormalizeDuration,
		m.OCRRequests,
		m.MessagesConsumed,
		m.OutboxPublishedTotal,
		m.OutboxFailedTotal,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveNormalization records one normalization run.
func (m *Metrics) ObserveNormalization(p *normalize.Prescription, took time.Duration) {
	m.NormalizeDuration.Observe(took.Seconds())
	for _, issue := range p.Issues {
		m.NormalizationIssues.WithLabelValues(string(issue.Code)).Inc()
	}
	outcome := "clean"
	if normalize.Summarize(p.Issues).NeedsReview {
		outcome = "needs_review"
	}
	m.ExtractionsNormalized.WithLabelValues(outcome).Inc()
}

// OutboxPublished implements postgres.OutboxObserver.
func (m *Metrics) OutboxPublished(topic string) {
	m.OutboxPublishedTotal.WithLabelValues(topic).Inc()
}

// OutboxFailed implements postgres.OutboxObserver.
func (m *Metrics) OutboxFailed(topic string) {
	m.OutboxFailedTotal.WithLabelValues(topic).Inc()
}

// RecordBreakers copies breaker states into the state gauge.
func (m *Metrics) RecordBreakers(statuses []circuitbreaker.HealthStatus) {
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the given registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
