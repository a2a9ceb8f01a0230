package models

import "errors"

// ErrChunkMetadata indicates a chunk that violates the ingest-time metadata
// invariant (all identity fields nonempty).
var ErrChunkMetadata = errors.New("chunk is missing required metadata")

// Chunk is a retrieved passage with its identity and retrieval score.
// The embedding is populated only when a later stage needs it (dedup).
type Chunk struct {
	VectorID  string    `json:"vector_id"`
	DocID     string    `json:"doc_id"`
	ChunkID   string    `json:"chunk_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	SourceURL string    `json:"source_url,omitempty"`
	Embedding []float32 `json:"-"`
}

// ValidateMetadata checks the ingest-time invariant. The retrieval stage may
// assume it holds; the compressor re-checks because a violation there means
// a tenant-isolation bug upstream.
func (c *Chunk) ValidateMetadata() error {
	if c.UserID == "" || c.DocID == "" || c.TenantID == "" || c.ChunkID == "" {
		return ErrChunkMetadata
	}
	return nil
}
