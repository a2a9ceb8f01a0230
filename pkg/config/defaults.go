package config

import "github.com/canopy-rag/canopy/pkg/models"

// Default thresholds mirror the tuned production values; each is
// embedding-model or cost dependent and overridable in canopy.yaml.
const (
	DefaultRoutingThreshold    = 0.70
	DefaultDedupThreshold      = 0.95
	DefaultPassThreshold       = 0.85
	DefaultWarnThreshold       = 0.70
	DefaultGenerationTimeout   = 30000
	DefaultShadowSampleRate    = 0.05
	DefaultShadowMultiplier    = 2.0
	DefaultShadowMaxInflight   = 8
	DefaultHTTPPort            = 8080
	DefaultGroundingFallback   = "I could not produce a well-supported answer for this question. Please review the retrieved documents below."
	DefaultGroundingDisclaimer = "Note: this answer may be only partially supported by the retrieved documents. "
)

// DefaultConfig returns the built-in configuration. User YAML merges on top
// of these values (non-zero user values override).
func DefaultConfig() *Config {
	return &Config{
		PipelineVersion: "dev",
		Routing: &RoutingConfig{
			Threshold:    DefaultRoutingThreshold,
			DefaultRoute: string(models.RouteRAG),
		},
		Expansion: &ExpansionConfig{
			Enabled:       true,
			Variants:      3,
			SkipThreshold: 0.92,
		},
		Retrieval: &RetrievalConfig{
			TopK:        20,
			MaxParallel: 4,
		},
		Dedup: &DedupConfig{
			Threshold: DefaultDedupThreshold,
		},
		Rerank: &RerankConfig{
			TopN: 5,
		},
		Compression: &CompressionConfig{
			SentencesPerChunk:    5,
			MaxTokens:            4000,
			PromptOverheadTokens: 400,
		},
		Grounding: &GroundingConfig{
			Aggregation:   models.AggregationMax,
			PassThreshold: DefaultPassThreshold,
			WarnThreshold: DefaultWarnThreshold,
			FallbackText:  DefaultGroundingFallback,
			Disclaimer:    DefaultGroundingDisclaimer,
		},
		Generation: &GenerationConfig{
			Tiers: map[models.ModelTier]string{
				models.TierFast:     "gpt-4o-mini",
				models.TierStandard: "claude-sonnet-4-5",
				models.TierComplex:  "claude-opus-4-1",
			},
			Temperature:     0.1,
			MaxOutputTokens: 1000,
			TimeoutMS:       DefaultGenerationTimeout,
			Prices: map[string]ModelPrice{
				"gpt-4o-mini":       {InPerMTok: 0.15, OutPerMTok: 0.60},
				"claude-sonnet-4-5": {InPerMTok: 3.00, OutPerMTok: 15.00},
				"claude-opus-4-1":   {InPerMTok: 15.00, OutPerMTok: 75.00},
			},
		},
		Safety: &SafetyConfig{
			L2Enabled:  false,
			BlockOnPII: false,
		},
		Shadow: &ShadowConfig{
			Enabled:           false,
			SampleRate:        DefaultShadowSampleRate,
			BudgetUSD:         10.0,
			CircuitMultiplier: DefaultShadowMultiplier,
			MaxInflight:       DefaultShadowMaxInflight,
		},
		Server: &ServerConfig{
			Port: DefaultHTTPPort,
		},
		Flags: map[string]*FlagConfig{},
	}
}
