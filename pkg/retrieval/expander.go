// Package retrieval implements multi-query retrieval: query expansion,
// bounded-parallel vector search, rank fusion, and near-duplicate removal.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/canopy-rag/canopy/pkg/generation"
)

const expansionSystemPrompt = `You are a search query expansion assistant. Your job is to rephrase a user's question into alternative formulations that capture different angles, synonyms, and perspectives. This helps retrieve a broader set of relevant documents.

Rules:
- Each rephrased query must preserve the original intent.
- Use different vocabulary, phrasing structure, or emphasis.
- Do NOT answer the question, only rephrase it.
- Return exactly %d rephrased queries, one per line.
- Do NOT number the lines or add any prefix.`

const (
	expansionTemperature = 0.7
	expansionMaxTokens   = 300
)

// Expander produces alternative phrasings of a query to improve recall.
type Expander struct {
	llm     generation.Client
	modelID string
	logger  *slog.Logger
}

// NewExpander creates an Expander that calls modelID for rephrasings.
func NewExpander(llm generation.Client, modelID string, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{llm: llm, modelID: modelID, logger: logger}
}

// Expand returns the original query plus up to n LLM rephrasings, deduped
// case-insensitively. The slice is never empty and never longer than 1+n.
// On LLM failure it degrades to [query] and returns the error so the caller
// can record the skip.
func (e *Expander) Expand(ctx context.Context, query string, n int) ([]string, error) {
	if n < 1 {
		return []string{query}, nil
	}

	gen, err := e.llm.Generate(ctx, generation.Request{
		System:      fmt.Sprintf(expansionSystemPrompt, n),
		User:        query,
		ModelID:     e.modelID,
		Temperature: expansionTemperature,
		MaxTokens:   expansionMaxTokens,
	})
	if err != nil {
		e.logger.Warn("Query expansion failed, continuing with original only",
			"error", err)
		return []string{query}, fmt.Errorf("query expansion failed: %w", err)
	}

	result := []string{query}
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	for _, line := range strings.Split(gen.AnswerText, "\n") {
		variant := strings.TrimSpace(line)
		if variant == "" {
			continue
		}
		key := strings.ToLower(variant)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, variant)
		if len(result) == 1+n {
			break
		}
	}

	e.logger.Info("Query expanded", "variants", len(result)-1)
	return result, nil
}
