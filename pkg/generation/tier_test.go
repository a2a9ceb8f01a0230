package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canopy-rag/canopy/pkg/models"
)

func TestDetermineTier(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		route         models.RouteKind
		contextTokens int
		want          models.ModelTier
	}{
		{
			name:  "short direct query",
			query: "hello there",
			route: models.RouteDirect,
			want:  models.TierFast,
		},
		{
			name:  "long direct query",
			query: "please walk me through everything you know about the billing dispute process",
			route: models.RouteDirect,
			want:  models.TierStandard,
		},
		{
			name:  "complexity keyword",
			query: "compare the Q3 and Q4 incident reports",
			route: models.RouteRAG,
			want:  models.TierComplex,
		},
		{
			name:  "in-depth keyword",
			query: "give me an in-depth review of the outage",
			route: models.RouteRAG,
			want:  models.TierComplex,
		},
		{
			name:  "multiple questions",
			query: "what happened? who fixed it? how long did it take?",
			route: models.RouteRAG,
			want:  models.TierComplex,
		},
		{
			name:          "large context",
			query:         "what is the refund policy for the enterprise tier subscription plan",
			route:         models.RouteRAG,
			contextTokens: 2500,
			want:          models.TierComplex,
		},
		{
			name:          "small context short query",
			query:         "refund policy?",
			route:         models.RouteRAG,
			contextTokens: 300,
			want:          models.TierFast,
		},
		{
			name:          "boundary context is not large",
			query:         "what is the refund policy for the enterprise tier subscription plan",
			route:         models.RouteRAG,
			contextTokens: 2000,
			want:          models.TierStandard,
		},
		{
			name:  "default standard",
			query: "what is the refund policy for the enterprise tier subscription plan",
			route: models.RouteRAG,
			want:  models.TierStandard,
		},
		{
			name:  "keyword beats direct route when query is long",
			query: "analyze everything that went wrong in the deployment last week please and thanks",
			route: models.RouteDirect,
			want:  models.TierComplex,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineTier(tt.query, tt.route, tt.contextTokens)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetermineTier_Deterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, models.TierComplex,
			DetermineTier("assess the risks", models.RouteRAG, 0))
	}
}
