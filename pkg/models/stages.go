package models

// QueryPlan is the expansion stage output: the original query plus any
// paraphrases used for multi-query retrieval.
type QueryPlan struct {
	PrimaryText   string
	Variants      []string
	SkipExpansion bool
}

// Queries returns the primary text followed by the variants.
func (p *QueryPlan) Queries() []string {
	out := make([]string, 0, 1+len(p.Variants))
	out = append(out, p.PrimaryText)
	out = append(out, p.Variants...)
	return out
}

// RetrievalResult holds the fused, deduplicated chunk set.
type RetrievalResult struct {
	Chunks []Chunk
	Empty  bool
	// RawCounts records per-query raw result counts, keyed by query text.
	// Only successful searches appear here.
	RawCounts map[string]int
	// Failed maps each failed query to its error text. A failed search is
	// distinct from a successful empty one.
	Failed map[string]string
}

// CompressedContext is the compression stage output. It owns its chunk slice;
// the retrieval result must not be referenced after compression.
type CompressedContext struct {
	OrderedChunks        []Chunk
	DroppedSentenceCount int
	TotalTokens          int
}

// Generation is the LLM client's report for one completed call.
type Generation struct {
	AnswerText   string
	ModelID      string
	TokensIn     int
	TokensOut    int
	CostUSD      float64
	LatencyMS    int64
	FinishReason string
}

// AggregationMode selects how per-chunk grounding scores combine.
type AggregationMode string

const (
	AggregationMax  AggregationMode = "MAX"
	AggregationMean AggregationMode = "MEAN"
	AggregationMin  AggregationMode = "MIN"
)

// IsValid checks whether the aggregation mode is one of the fixed set.
func (m AggregationMode) IsValid() bool {
	return m == AggregationMax || m == AggregationMean || m == AggregationMin
}

// GroundingLevel is the three-way grounding decision.
type GroundingLevel string

const (
	GroundingPass GroundingLevel = "PASS"
	GroundingWarn GroundingLevel = "WARN"
	GroundingFail GroundingLevel = "FAIL"
)

// GroundingVerdict is the grounding scorer's output for one answer.
type GroundingVerdict struct {
	Score          float64
	Level          GroundingLevel
	PerChunkScores []float64
	Aggregation    AggregationMode
}

// ModelTier buckets queries into model cost/capability classes.
type ModelTier string

const (
	TierFast     ModelTier = "FAST"
	TierStandard ModelTier = "STANDARD"
	TierComplex  ModelTier = "COMPLEX"
)
