package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const defaultGuardTimeout = 5 * time.Second

// GuardResult is the L2 verdict. A transport failure is reported in Err and
// never flags the input: the guard fails open so an outage does not take
// the whole ingress path down with it.
type GuardResult struct {
	Flagged    bool
	Category   string
	Confidence float64
	Err        string
}

// MLGuard is the optional L2 check backed by an external classification
// service with a Guard-v2 style API.
type MLGuard struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewMLGuard creates a guard client for the given endpoint.
func NewMLGuard(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *MLGuard {
	if timeout <= 0 {
		timeout = defaultGuardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MLGuard{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type guardRequest struct {
	Input string `json:"input"`
}

type guardResponse struct {
	Flagged    bool               `json:"flagged"`
	Categories map[string]float64 `json:"categories"`
}

// Check classifies text. Only a definitive flagged verdict blocks; every
// failure mode degrades to a pass with Err populated.
func (g *MLGuard) Check(ctx context.Context, text string) GuardResult {
	body, err := json.Marshal(guardRequest{Input: text})
	if err != nil {
		return g.failOpen("marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return g.failOpen("request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return g.failOpen("transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return g.failOpen("status", fmt.Errorf("guard returned HTTP %d", resp.StatusCode))
	}

	var parsed guardResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return g.failOpen("decode", err)
	}

	if !parsed.Flagged {
		return GuardResult{}
	}

	top, confidence := "unknown", 0.0
	for category, score := range parsed.Categories {
		if score > confidence || (score == confidence && category < top) {
			top, confidence = category, score
		}
	}
	return GuardResult{Flagged: true, Category: top, Confidence: confidence}
}

func (g *MLGuard) failOpen(stage string, err error) GuardResult {
	g.logger.Error("ML guard check failed, failing open", "stage", stage, "error", err)
	return GuardResult{Err: err.Error()}
}
