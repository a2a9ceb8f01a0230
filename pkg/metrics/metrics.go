// Package metrics holds the Prometheus collectors for the pipeline.
// A dedicated registry keeps default process collectors out of tests;
// the composition root owns the single Metrics value and passes it down
// explicitly instead of relying on a package-level registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the pipeline records. All methods are safe
// for concurrent use (prometheus collectors are atomic internally).
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	SafetyBlockedTotal *prometheus.CounterVec
	PIIDetectedTotal   *prometheus.CounterVec
	VerdictTotal       *prometheus.CounterVec
	LLMErrorsTotal     *prometheus.CounterVec
	FeedbackTotal      *prometheus.CounterVec
	VariantAssigned    *prometheus.CounterVec
	ShadowDroppedTotal prometheus.Counter

	StageDuration    *prometheus.HistogramVec
	CosineSimilarity prometheus.Histogram
	TokensIn         prometheus.Histogram
	TokensOut        prometheus.Histogram
	LLMCostUSD       prometheus.Histogram

	CentroidShift         prometheus.Gauge
	EmptyResultRate       prometheus.Gauge
	ShadowBudgetRemaining prometheus.Gauge
}

// New creates and registers all pipeline collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total pipeline requests",
		}, []string{"route", "status"}),
		SafetyBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_blocked_total",
			Help: "Requests blocked by input safety",
		}, []string{"layer", "reason"}),
		PIIDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pii_detected_total",
			Help: "PII detections by type",
		}, []string{"type"}),
		VerdictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hallucination_verdict_total",
			Help: "Grounding verdicts by level",
		}, []string{"level"}),
		LLMErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_errors_total",
			Help: "LLM call errors by stage",
		}, []string{"stage"}),
		FeedbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_received_total",
			Help: "User feedback events by rating",
		}, []string{"rating"}),
		VariantAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variant_assigned_total",
			Help: "Experiment variant assignments",
		}, []string{"flag", "variant"}),
		ShadowDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadow_tasks_dropped_total",
			Help: "Shadow forks dropped at the inflight cap",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Per-stage pipeline duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		CosineSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retrieval_cosine_similarity",
			Help:    "Retrieval score distribution",
			Buckets: prometheus.LinearBuckets(0, 0.05, 21),
		}),
		TokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokens_in_total",
			Help:    "Prompt token counts per generation",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
		TokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokens_out_total",
			Help:    "Completion token counts per generation",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10),
		}),
		LLMCostUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_cost_usd",
			Help:    "Per-request LLM cost in USD",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		CentroidShift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "embedding_centroid_shift",
			Help: "Drift of the query embedding centroid against baseline",
		}),
		EmptyResultRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retrieval_empty_result_rate",
			Help: "Rolling fraction of retrievals returning zero chunks",
		}),
		ShadowBudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_budget_remaining_usd",
			Help: "Remaining shadow-mode budget in USD",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.SafetyBlockedTotal, m.PIIDetectedTotal,
		m.VerdictTotal, m.LLMErrorsTotal, m.FeedbackTotal, m.VariantAssigned,
		m.ShadowDroppedTotal,
		m.StageDuration, m.CosineSimilarity, m.TokensIn, m.TokensOut, m.LLMCostUSD,
		m.CentroidShift, m.EmptyResultRate, m.ShadowBudgetRemaining,
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
