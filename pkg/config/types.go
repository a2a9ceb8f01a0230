package config

import (
	"time"

	"github.com/canopy-rag/canopy/pkg/models"
)

// RoutingConfig controls query classification.
type RoutingConfig struct {
	Threshold    float64 `yaml:"threshold"`
	DefaultRoute string  `yaml:"default_route"`
}

// ExpansionConfig controls multi-query expansion.
type ExpansionConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Variants      int     `yaml:"variants"`
	SkipThreshold float64 `yaml:"skip_threshold"`
}

// RetrievalConfig controls vector search fan-out.
type RetrievalConfig struct {
	TopK        int `yaml:"top_k"`
	MaxParallel int `yaml:"max_parallel"`
}

// DedupConfig controls near-duplicate removal.
type DedupConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// RerankConfig controls the rerank stage.
type RerankConfig struct {
	TopN int `yaml:"top_n"`
}

// CompressionConfig controls sentence selection and the token budget.
// The budget applies to context only; PromptOverheadTokens is reserved for
// the system prompt and subtracted before enforcement.
type CompressionConfig struct {
	SentencesPerChunk    int `yaml:"sentences_per_chunk"`
	MaxTokens            int `yaml:"max_tokens"`
	PromptOverheadTokens int `yaml:"prompt_overhead_tokens"`
}

// ContextBudget returns the effective token budget for retrieved context.
func (c *CompressionConfig) ContextBudget() int {
	budget := c.MaxTokens - c.PromptOverheadTokens
	if budget < 0 {
		return 0
	}
	return budget
}

// GroundingConfig controls hallucination scoring and the decision policy.
type GroundingConfig struct {
	Aggregation   models.AggregationMode `yaml:"aggregation"`
	PassThreshold float64                `yaml:"pass_threshold"`
	WarnThreshold float64                `yaml:"warn_threshold"`
	FallbackText  string                 `yaml:"fallback_text"`
	Disclaimer    string                 `yaml:"disclaimer"`
}

// ModelPrice holds per-million-token prices used for cost accounting.
type ModelPrice struct {
	InPerMTok  float64 `yaml:"in_per_mtok"`
	OutPerMTok float64 `yaml:"out_per_mtok"`
}

// GenerationConfig controls the LLM call and model tier mapping.
type GenerationConfig struct {
	Tiers           map[models.ModelTier]string `yaml:"tiers"`
	Temperature     float64                     `yaml:"temperature"`
	MaxOutputTokens int                         `yaml:"max_output_tokens"`
	TimeoutMS       int                         `yaml:"timeout_ms"`
	Prices          map[string]ModelPrice       `yaml:"prices"`
}

// Timeout returns the generation timeout as a duration.
func (g *GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMS) * time.Millisecond
}

// SafetyConfig controls the input safety stage.
type SafetyConfig struct {
	L2Enabled  bool `yaml:"l2_enabled"`
	BlockOnPII bool `yaml:"block_on_pii"`
}

// ShadowConfig controls fire-and-forget candidate execution.
// BudgetUSD is enforced process-locally; multi-process deployments drift
// from the stated budget without an external shared counter.
type ShadowConfig struct {
	Enabled           bool    `yaml:"enabled"`
	SampleRate        float64 `yaml:"sample_rate"`
	BudgetUSD         float64 `yaml:"budget_usd"`
	CircuitMultiplier float64 `yaml:"circuit_multiplier"`
	MaxInflight       int     `yaml:"max_inflight"`
	CandidateModel    string  `yaml:"candidate_model"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Variant is one experiment arm with its traffic weight.
type Variant struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// FlagConfig defines one feature flag: weighted variants plus exact-match
// overrides. Loaded at startup; immutable until restart.
type FlagConfig struct {
	Variants        []Variant         `yaml:"variants"`
	UserOverrides   map[string]string `yaml:"user_overrides"`
	TenantOverrides map[string]string `yaml:"tenant_overrides"`
	Default         string            `yaml:"default"`
}

// RouteDefinition is one route's utterance set from routes.yaml.
type RouteDefinition struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	Utterances  []string `yaml:"utterances"`
}
