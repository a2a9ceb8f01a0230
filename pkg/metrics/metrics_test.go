package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry())

	m.RequestsTotal.WithLabelValues("RAG", "ok").Inc()
	m.SafetyBlockedTotal.WithLabelValues("L1", "instruction_override").Inc()
	m.PIIDetectedTotal.WithLabelValues("email").Add(2)
	m.VerdictTotal.WithLabelValues("PASS").Inc()
	m.LLMErrorsTotal.WithLabelValues("generation").Inc()
	m.FeedbackTotal.WithLabelValues("up").Inc()
	m.VariantAssigned.WithLabelValues("rerank_model", "treatment").Inc()
	m.ShadowDroppedTotal.Inc()
	m.StageDuration.WithLabelValues("retrieval").Observe(0.12)
	m.CosineSimilarity.Observe(0.83)
	m.TokensIn.Observe(1200)
	m.TokensOut.Observe(300)
	m.LLMCostUSD.Observe(0.004)
	m.CentroidShift.Set(0.02)
	m.EmptyResultRate.Set(0.1)
	m.ShadowBudgetRemaining.Set(9.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("RAG", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PIIDetectedTotal.WithLabelValues("email")))
	assert.Equal(t, 9.5, testutil.ToFloat64(m.ShadowBudgetRemaining))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"requests_total",
		"safety_blocked_total",
		"pii_detected_total",
		"hallucination_verdict_total",
		"llm_errors_total",
		"feedback_received_total",
		"variant_assigned_total",
		"shadow_tasks_dropped_total",
		"request_duration_seconds",
		"retrieval_cosine_similarity",
		"tokens_in_total",
		"tokens_out_total",
		"llm_cost_usd",
		"embedding_centroid_shift",
		"retrieval_empty_result_rate",
		"shadow_budget_remaining_usd",
	} {
		assert.True(t, names[want], "metric %s not registered", want)
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RequestsTotal.WithLabelValues("RAG", "ok").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.RequestsTotal.WithLabelValues("RAG", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RequestsTotal.WithLabelValues("RAG", "ok")))
}
