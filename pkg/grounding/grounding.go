// Package grounding scores how well an answer is supported by the
// retrieved context and applies the pass/warn/fail decision policy.
package grounding

import (
	"context"
	"strings"
	"unicode"

	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/models"
)

// Scorer produces a grounding verdict for one (context, answer) pair.
// The pair order is contractual: context chunks first, answer second.
type Scorer interface {
	Score(ctx context.Context, chunks []models.Chunk, answer string) (models.GroundingVerdict, error)
}

// Common words carrying no grounding signal.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true,
	"their": true, "this": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

// LexicalScorer measures per-chunk answer support as content-token recall:
// the fraction of the answer's content tokens present in the chunk. Cheap,
// deterministic, and CPU-only; an ML entailment model can replace it
// behind the same interface.
type LexicalScorer struct {
	aggregation   models.AggregationMode
	passThreshold float64
	warnThreshold float64
}

// NewLexicalScorer builds a scorer from the grounding config section.
func NewLexicalScorer(cfg *config.GroundingConfig) *LexicalScorer {
	return &LexicalScorer{
		aggregation:   cfg.Aggregation,
		passThreshold: cfg.PassThreshold,
		warnThreshold: cfg.WarnThreshold,
	}
}

// Score computes per-chunk scores, aggregates, and maps to a level.
// Cancellation is checked between chunks.
func (s *LexicalScorer) Score(ctx context.Context, chunks []models.Chunk, answer string) (models.GroundingVerdict, error) {
	answerTokens := contentTokens(answer)

	perChunk := make([]float64, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return models.GroundingVerdict{}, err
		}
		perChunk = append(perChunk, recall(answerTokens, contentTokens(chunk.Text)))
	}

	score := aggregate(perChunk, s.aggregation)
	verdict := models.GroundingVerdict{
		Score:          score,
		Level:          s.level(score),
		PerChunkScores: perChunk,
		Aggregation:    s.aggregation,
	}
	return verdict, nil
}

func (s *LexicalScorer) level(score float64) models.GroundingLevel {
	switch {
	case score >= s.passThreshold:
		return models.GroundingPass
	case score >= s.warnThreshold:
		return models.GroundingWarn
	default:
		return models.GroundingFail
	}
}

// aggregate folds per-chunk scores with the configured mode. No chunks
// means no support: score 0.
func aggregate(scores []float64, mode models.AggregationMode) float64 {
	if len(scores) == 0 {
		return 0
	}
	switch mode {
	case models.AggregationMean:
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	case models.AggregationMin:
		min := scores[0]
		for _, s := range scores[1:] {
			if s < min {
				min = s
			}
		}
		return min
	default:
		max := scores[0]
		for _, s := range scores[1:] {
			if s > max {
				max = s
			}
		}
		return max
	}
}

// recall is the fraction of answer tokens found in the chunk token set.
// An answer with no content tokens scores 0: there is nothing to support.
func recall(answerTokens []string, chunkTokens []string) float64 {
	if len(answerTokens) == 0 || len(chunkTokens) == 0 {
		return 0
	}
	chunkSet := make(map[string]bool, len(chunkTokens))
	for _, tok := range chunkTokens {
		chunkSet[tok] = true
	}
	found := 0
	for _, tok := range answerTokens {
		if chunkSet[tok] {
			found++
		}
	}
	return float64(found) / float64(len(answerTokens))
}

func contentTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// PolicyResult is the outcome of applying the decision policy to a verdict.
type PolicyResult struct {
	Answer   string
	Fallback bool
	Warned   bool
}

// ApplyPolicy maps a verdict onto the final answer text. PASS returns the
// answer unchanged, WARN prefixes the disclaimer, FAIL substitutes the
// fallback text.
func ApplyPolicy(verdict models.GroundingVerdict, answer string, cfg *config.GroundingConfig) PolicyResult {
	switch verdict.Level {
	case models.GroundingPass:
		return PolicyResult{Answer: answer}
	case models.GroundingWarn:
		return PolicyResult{Answer: cfg.Disclaimer + answer, Warned: true}
	default:
		return PolicyResult{Answer: cfg.FallbackText, Fallback: true}
	}
}
