package compression

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for budget enforcement.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with the cl100k_base encoding. When the encoding
// cannot be loaded (offline build without the embedded BPE data), it falls
// back to a four-bytes-per-token estimate.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the encoding once; the fallback activates per
// instance, not per call.
func NewTiktokenCounter(logger *slog.Logger) *TiktokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Failed to load cl100k_base encoding, using byte estimate",
			"error", err)
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{encoding: enc}
}

func (c *TiktokenCounter) Count(text string) int {
	if c.encoding == nil {
		return len(text) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// EstimateCounter is the deterministic bytes/4 counter used in tests and
// as the explicit fallback.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	return len(text) / 4
}
