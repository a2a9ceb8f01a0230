package models

import "unicode/utf8"

// Source identifies one retrieved passage surfaced to the client.
type Source struct {
	DocID          string  `json:"doc_id"`
	ChunkID        string  `json:"chunk_id"`
	TextSnippet    string  `json:"text_snippet"`
	RelevanceScore float64 `json:"relevance_score"`
	SourceURL      string  `json:"source_url,omitempty"`
}

// ResponseMetadata carries per-request diagnostics. The JSON field names are
// part of the client contract and must not change.
type ResponseMetadata struct {
	RouteUsed         string   `json:"route_used"`
	FaithfulnessScore *float64 `json:"faithfulness_score"`
	Model             *string  `json:"model"`
	LatencyMS         int64    `json:"latency_ms"`
	TokensUsed        *int     `json:"tokens_used"`
	SchemaValid       bool     `json:"schema_valid"`
}

// Response is the pipeline's only output. Answer is null exactly when the
// request was blocked or a FAIL grounding suppressed it; in the latter case
// sources are still returned so the user can self-verify.
type Response struct {
	Answer      *string          `json:"answer"`
	TraceID     string           `json:"trace_id"`
	Sources     []Source         `json:"sources"`
	Metadata    ResponseMetadata `json:"metadata"`
	Fallback    bool             `json:"fallback"`
	Blocked     bool             `json:"blocked"`
	BlockReason *string          `json:"block_reason"`
}

// SnippetLen bounds the source text excerpt returned to clients.
const SnippetLen = 200

// SourcesFromChunks builds the client-facing source list from chunks.
func SourcesFromChunks(chunks []Chunk) []Source {
	sources := make([]Source, 0, len(chunks))
	for _, c := range chunks {
		snippet := truncateSnippet(c.Text)
		sources = append(sources, Source{
			DocID:          c.DocID,
			ChunkID:        c.ChunkID,
			TextSnippet:    snippet,
			RelevanceScore: c.Score,
			SourceURL:      c.SourceURL,
		})
	}
	return sources
}

// truncateSnippet cuts text to at most SnippetLen bytes without splitting a
// multi-byte rune.
func truncateSnippet(text string) string {
	if len(text) <= SnippetLen {
		return text
	}
	cut := SnippetLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
