// Package vectorstore provides tenant-scoped similarity search over chunk
// embeddings stored in Postgres with the pgvector extension.
package vectorstore

import (
	"context"

	"github.com/canopy-rag/canopy/pkg/models"
)

// Store is the view the request pipeline consumes. Upsert and DeleteByUser
// serve ingestion and compliance paths.
type Store interface {
	// Search returns up to topK chunks for the tenant, ordered by cosine
	// similarity descending. Scores are on [0,1].
	Search(ctx context.Context, embedding []float32, tenantID string, topK int) ([]models.Chunk, error)

	// Upsert inserts or replaces chunks by vector ID.
	Upsert(ctx context.Context, chunks []models.Chunk) error

	// DeleteByUser removes every chunk owned by the user within the tenant
	// and returns the number of rows removed.
	DeleteByUser(ctx context.Context, tenantID, userID string) (int64, error)
}
