package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/canopy-rag/canopy/pkg/models"
)

// Reranker reorders chunks by relevance to the query. Implementations may
// only reorder and truncate; they never introduce new chunks.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []models.Chunk, topN int) ([]models.Chunk, error)
}

// PassthroughReranker returns the first topN chunks unchanged. It is the
// default when no rerank provider is configured and the fallback when the
// provider errors.
type PassthroughReranker struct{}

func (PassthroughReranker) Rerank(_ context.Context, _ string, chunks []models.Chunk, topN int) ([]models.Chunk, error) {
	if topN > len(chunks) {
		topN = len(chunks)
	}
	return chunks[:topN], nil
}

const defaultRerankTimeout = 10 * time.Second

// HTTPReranker calls a Cohere-compatible rerank endpoint. Scores returned
// by the provider replace the chunks' retrieval scores.
type HTTPReranker struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPReranker builds a reranker against baseURL using model.
func NewHTTPReranker(baseURL, apiKey, model string, logger *slog.Logger) *HTTPReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReranker{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: defaultRerankTimeout},
		logger:  logger,
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank submits the chunk texts and rebuilds the list in provider order.
// Indices outside the input range are ignored.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, chunks []models.Chunk, topN int) ([]models.Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if topN > len(chunks) {
		topN = len(chunks)
	}

	documents := make([]string, len(chunks))
	for i, c := range chunks {
		documents[i] = c.Text
	}

	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v2/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank returned status %d: %s", resp.StatusCode, payload)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	// Provider order is authoritative; guard against out-of-range indices
	// and ties are kept stable by sorting on score then input index.
	sort.SliceStable(parsed.Results, func(a, b int) bool {
		return parsed.Results[a].RelevanceScore > parsed.Results[b].RelevanceScore
	})

	reranked := make([]models.Chunk, 0, topN)
	for _, item := range parsed.Results {
		if item.Index < 0 || item.Index >= len(chunks) {
			r.logger.Warn("Rerank returned out-of-range index", "index", item.Index)
			continue
		}
		chunk := chunks[item.Index]
		chunk.Score = item.RelevanceScore
		reranked = append(reranked, chunk)
		if len(reranked) == topN {
			break
		}
	}

	r.logger.Info("Rerank complete",
		"input_chunks", len(chunks),
		"output_chunks", len(reranked),
		"model", r.model)
	return reranked, nil
}
