// Package generation calls the LLM provider and selects model tiers.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/canopy-rag/canopy/pkg/config"
	"github.com/canopy-rag/canopy/pkg/models"
)

// Sentinel errors. Callers branch on these to pick the failure disposition.
var (
	ErrCancelled  = errors.New("generation cancelled")
	ErrTimeout    = errors.New("generation timed out")
	ErrGeneration = errors.New("generation failed")
)

// Request is one completion call.
type Request struct {
	System      string
	User        string
	ModelID     string
	Temperature float64
	MaxTokens   int
}

// Client is the completion surface the pipeline consumes.
type Client interface {
	Generate(ctx context.Context, req Request) (*models.Generation, error)
}

// HTTPClient talks to an OpenAI-compatible /v1/chat/completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	prices  map[string]config.ModelPrice
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a provider client. prices maps model IDs to USD per
// million tokens; unknown models report cost 0.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, prices map[string]config.ModelPrice, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		prices:  prices,
		client:  &http.Client{},
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate runs one completion. The call honors both the caller's deadline
// and the configured per-call timeout, whichever fires first.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (*models.Generation, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model: req.ModelID,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrGeneration, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrGeneration, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: provider returned HTTP %d: %s", ErrGeneration, resp.StatusCode, snippet)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: provider returned no choices", ErrGeneration)
	}

	answer := parsed.Choices[0].Message.Content
	tokensIn := parsed.Usage.PromptTokens
	tokensOut := parsed.Usage.CompletionTokens
	if tokensIn == 0 {
		tokensIn = estimateTokens(req.System + req.User)
	}
	if tokensOut == 0 {
		tokensOut = estimateTokens(answer)
	}

	gen := &models.Generation{
		AnswerText:   answer,
		ModelID:      req.ModelID,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostUSD:      c.cost(req.ModelID, tokensIn, tokensOut),
		LatencyMS:    time.Since(start).Milliseconds(),
		FinishReason: parsed.Choices[0].FinishReason,
	}

	c.logger.Info("Generation complete",
		"model", gen.ModelID,
		"tokens_in", gen.TokensIn,
		"tokens_out", gen.TokensOut,
		"latency_ms", gen.LatencyMS)
	return gen, nil
}

// classify maps a transport failure to the typed sentinel the orchestrator
// dispatches on.
func (c *HTTPClient) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}
}

func (c *HTTPClient) cost(modelID string, tokensIn, tokensOut int) float64 {
	price, ok := c.prices[modelID]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1e6*price.InPerMTok + float64(tokensOut)/1e6*price.OutPerMTok
}

// estimateTokens approximates usage when the provider omits it. Four bytes
// per token is the standard rough cut for English text.
func estimateTokens(text string) int {
	return len(text) / 4
}
