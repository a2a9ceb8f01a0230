package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/canopy-rag/canopy/pkg/models"
)

// PgVectorStore implements Store on Postgres with the pgvector extension.
// Similarity uses the cosine distance operator; score = 1 - distance.
type PgVectorStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgVectorStore wraps an existing connection pool. The chunks table is
// created by the storage migrations at startup.
func NewPgVectorStore(pool *pgxpool.Pool, logger *slog.Logger) *PgVectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgVectorStore{pool: pool, logger: logger}
}

func (s *PgVectorStore) Search(ctx context.Context, embedding []float32, tenantID string, topK int) ([]models.Chunk, error) {
	const query = `
		SELECT vector_id, doc_id, chunk_id, tenant_id, user_id, text_content,
		       source_url, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE tenant_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), tenantID, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.VectorID, &c.DocID, &c.ChunkID, &c.TenantID,
			&c.UserID, &c.Text, &c.SourceURL, &c.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search iteration failed: %w", err)
	}
	return chunks, nil
}

func (s *PgVectorStore) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if err := c.ValidateMetadata(); err != nil {
			return fmt.Errorf("chunk %s: %w", c.VectorID, err)
		}
	}

	const stmt = `
		INSERT INTO chunks (vector_id, doc_id, chunk_id, tenant_id, user_id,
		                    text_content, source_url, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (vector_id) DO UPDATE SET
			doc_id = EXCLUDED.doc_id,
			chunk_id = EXCLUDED.chunk_id,
			tenant_id = EXCLUDED.tenant_id,
			user_id = EXCLUDED.user_id,
			text_content = EXCLUDED.text_content,
			source_url = EXCLUDED.source_url,
			embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(stmt, c.VectorID, c.DocID, c.ChunkID, c.TenantID, c.UserID,
			c.Text, c.SourceURL, pgvector.NewVector(c.Embedding))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("chunk upsert failed: %w", err)
		}
	}

	s.logger.Info("Upserted chunks", "count", len(chunks))
	return nil
}

func (s *PgVectorStore) DeleteByUser(ctx context.Context, tenantID, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks for user: %w", err)
	}

	s.logger.Info("Deleted user chunks",
		"tenant_id", tenantID,
		"user_id", userID,
		"rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
